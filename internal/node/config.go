package node

import (
	"time"

	"github.com/danmuck/kernelmesh/internal/config"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/google/uuid"
)

const (
	DefaultPort          uint16 = 33333
	DefaultDiscoveryPort        = 7946
)

type AdminConfig struct {
	// Addr enables the admin API when set.
	Addr        string
	Token       string
	CORSOrigins []string
}

type DiscoveryConfig struct {
	Enabled  bool
	BindAddr string
	BindPort int
	Seeds    []string
	// Weight is the capacity this node advertises to neighbors.
	Weight uint32
}

// ServiceConfig configures one daemon.
type ServiceConfig struct {
	Name string
	// App is the application id of kernels the daemon itself executes.
	App  uint64
	Port uint16
	// UnixSocket is where local submitters connect. Empty disables it.
	UnixSocket     string
	Topology       config.Topology
	Workers        int
	LocalExecution bool
	// TransactionLog enables the transaction log at this path.
	TransactionLog    string
	HeartbeatInterval time.Duration
	// StaleTimeout flags applications that exchanged no kernels for this long.
	StaleTimeout   time.Duration
	LocatorTimeout time.Duration
	Admin          AdminConfig
	Discovery      DiscoveryConfig
	// Types lists the kernels the daemon decodes for its own application.
	Types *kernel.Types
	// ChildEnv is added to the environment of every launched application.
	ChildEnv []string
	// OnFinish observes root kernels submitted to this node once they commit.
	OnFinish func(k kernel.Kernel)
}

// DefaultName returns a random node name.
func DefaultName() string {
	return "kernelmesh-" + uuid.NewString()[:8]
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:              DefaultName(),
		Port:              DefaultPort,
		LocalExecution:    true,
		HeartbeatInterval: 5 * time.Second,
		StaleTimeout:      time.Minute,
		Discovery: DiscoveryConfig{
			BindAddr: "0.0.0.0",
			BindPort: DefaultDiscoveryPort,
			Weight:   1,
		},
	}
}
