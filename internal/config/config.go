package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/pelletier/go-toml/v2"
)

const (
	FileSystemStatic = "static"
	FileSystemRedis  = "redis"
)

// Topology is the cluster manifest a node boots with: where to listen, which
// neighbors to dial, where files live and which applications can be
// submitted by name.
type Topology struct {
	Servers      []string            `toml:"servers"`
	Peers        []PeerConfig        `toml:"peers"`
	FileSystems  []FileSystemConfig  `toml:"file_systems"`
	Applications []ApplicationConfig `toml:"applications"`
	Dial         DialSettings        `toml:"dial"`
}

// DialSettings paces outgoing connections to neighbors. Durations use
// time.ParseDuration syntax; empty fields keep the defaults.
type DialSettings struct {
	ConnectTimeout string  `toml:"connect_timeout"`
	MaxAttempts    *int    `toml:"max_attempts"`
	InitialDelay   string  `toml:"initial_delay"`
	MaxDelay       string  `toml:"max_delay"`
	Multiplier     float64 `toml:"multiplier"`
	NoJitter       bool    `toml:"no_jitter"`
}

type PeerConfig struct {
	Address string `toml:"address"`
	Weight  uint32 `toml:"weight"`
}

type FileSystemConfig struct {
	Name  string      `toml:"name"`
	Kind  string      `toml:"kind"`
	Redis RedisConfig `toml:"redis"`
	Files []FileEntry `toml:"files"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type FileEntry struct {
	Path  string   `toml:"path"`
	Nodes []string `toml:"nodes"`
}

type ApplicationConfig struct {
	Name string   `toml:"name"`
	ID   uint64   `toml:"id"`
	Args []string `toml:"args"`
	Env  []string `toml:"env"`
	Wait bool     `toml:"wait"`
}

func LoadTopology(path string) (Topology, error) {
	var t Topology
	if err := loadToml(path, &t); err != nil {
		return Topology{}, err
	}
	if err := ValidateTopology(t); err != nil {
		return Topology{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return t, nil
}

func ParseTopology(data []byte) (Topology, error) {
	var t Topology
	if err := toml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := ValidateTopology(t); err != nil {
		return Topology{}, err
	}
	return t, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateTopology(t Topology) error {
	for i, raw := range t.Servers {
		if _, err := kernel.ParseInterface(raw); err != nil {
			return fmt.Errorf("servers[%d] invalid: %w", i, err)
		}
	}
	for i, p := range t.Peers {
		if err := ValidatePeer(p); err != nil {
			return fmt.Errorf("peers[%d] invalid: %w", i, err)
		}
	}
	names := make(map[string]bool)
	for i, fs := range t.FileSystems {
		if err := ValidateFileSystem(fs); err != nil {
			return fmt.Errorf("file_systems[%d] invalid: %w", i, err)
		}
		if names[fs.Name] {
			return fmt.Errorf("file_systems[%d] invalid: duplicate name %q", i, fs.Name)
		}
		names[fs.Name] = true
	}
	if _, err := t.DialConfig(); err != nil {
		return fmt.Errorf("dial invalid: %w", err)
	}
	apps := make(map[string]bool)
	for i, a := range t.Applications {
		if err := ValidateApplication(a); err != nil {
			return fmt.Errorf("applications[%d] invalid: %w", i, err)
		}
		if apps[a.Name] {
			return fmt.Errorf("applications[%d] invalid: duplicate name %q", i, a.Name)
		}
		apps[a.Name] = true
	}
	return nil
}

func ValidatePeer(p PeerConfig) error {
	a, err := kernel.ParseAddress(p.Address)
	if err != nil {
		return err
	}
	if a.IsZero() {
		return fmt.Errorf("address is required")
	}
	if a.IsUnix() {
		return fmt.Errorf("peer %s is a unix address", p.Address)
	}
	if a.Port() == 0 {
		return fmt.Errorf("peer %s has no port", p.Address)
	}
	return nil
}

func ValidateFileSystem(fs FileSystemConfig) error {
	name := strings.TrimSpace(fs.Name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(name, ":/") {
		return fmt.Errorf("name %q must not contain ':' or '/'", name)
	}
	switch fs.Kind {
	case "", FileSystemStatic:
	case FileSystemRedis:
		if strings.TrimSpace(fs.Redis.Addr) == "" {
			return fmt.Errorf("redis.addr is required for kind %q", fs.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", fs.Kind)
	}
	for i, f := range fs.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("files[%d]: path is required", i)
		}
		for _, n := range f.Nodes {
			if _, err := kernel.ParseAddress(n); err != nil {
				return fmt.Errorf("files[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func ValidateApplication(a ApplicationConfig) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if a.ID == 0 {
		return fmt.Errorf("id is required")
	}
	return a.Application().Validate()
}
