package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindTopology = "topology"
	KindKerneld  = "kerneld"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindTopology:
		return topologyTemplate, nil
	case KindKerneld:
		return kerneldTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const topologyTemplate = `servers = ["127.0.0.1/8"]

[[peers]]
address = "127.0.0.2:33333"
weight = 1

[[file_systems]]
name = "home"
kind = "static"

[[file_systems.files]]
path = "/data/input.csv"
nodes = ["127.0.0.2:33333"]

[[file_systems]]
name = "shared"
kind = "redis"

[file_systems.redis]
addr = "127.0.0.1:6379"
db = 0

[[applications]]
name = "square"
id = 100
args = ["kernelapp", "-n", "8"]
env = []
wait = true

[dial]
connect_timeout = "5s"
max_attempts = 5
initial_delay = "250ms"
max_delay = "5s"
`

const kerneldTemplate = `name = "kernelmesh.local"
port = 33333
unix_socket = "/tmp/kernelmesh.sock"
topology = "topology.toml"
workers = 0
local_execution = true
heartbeat = "5s"
stale_timeout = "1m"
transaction_log = ""

[admin]
addr = "127.0.0.1:8780"
token = ""
cors_origins = ["http://localhost:3000"]

[discovery]
enabled = false
bind_addr = "127.0.0.1"
bind_port = 7946
seeds = []
weight = 1
`
