package config

import (
	"fmt"
	"time"

	"github.com/danmuck/kernelmesh/internal/connection"
	"github.com/danmuck/kernelmesh/internal/kernel"
	"github.com/danmuck/kernelmesh/internal/locator"
)

func (t Topology) Interfaces() ([]kernel.Interface, error) {
	out := make([]kernel.Interface, 0, len(t.Servers))
	for _, raw := range t.Servers {
		iface, err := kernel.ParseInterface(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, iface)
	}
	return out, nil
}

// DialConfig overlays the [dial] section on connection.DefaultDialConfig.
func (t Topology) DialConfig() (connection.DialConfig, error) {
	d := t.Dial
	out := connection.DefaultDialConfig()
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"connect_timeout", d.ConnectTimeout, &out.ConnectTimeout},
		{"initial_delay", d.InitialDelay, &out.Backoff.InitialDelay},
		{"max_delay", d.MaxDelay, &out.Backoff.MaxDelay},
	} {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return connection.DialConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v <= 0 {
			return connection.DialConfig{}, fmt.Errorf("%s must be positive", f.name)
		}
		*f.dst = v
	}
	if d.MaxAttempts != nil {
		if *d.MaxAttempts < 0 {
			return connection.DialConfig{}, fmt.Errorf("max_attempts must not be negative")
		}
		out.MaxAttempts = *d.MaxAttempts
	}
	if d.Multiplier != 0 {
		if d.Multiplier < 1 {
			return connection.DialConfig{}, fmt.Errorf("multiplier must be at least 1")
		}
		out.Backoff.Multiplier = d.Multiplier
	}
	if out.Backoff.MaxDelay < out.Backoff.InitialDelay {
		return connection.DialConfig{}, fmt.Errorf("max_delay %s below initial_delay %s", out.Backoff.MaxDelay, out.Backoff.InitialDelay)
	}
	out.Backoff.Jitter = !d.NoJitter
	return out, nil
}

// Peer is a static neighbor with its initial weight.
type Peer struct {
	Address kernel.Address
	Weight  uint32
}

func (t Topology) StaticPeers() ([]Peer, error) {
	out := make([]Peer, 0, len(t.Peers))
	for _, p := range t.Peers {
		a, err := kernel.ParseAddress(p.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, Peer{Address: a, Weight: p.Weight})
	}
	return out, nil
}

// FileSystemBackends builds the locator backends. Files listed for a redis file
// system are published to it.
func (t Topology) FileSystemBackends() ([]locator.FileSystem, error) {
	out := make([]locator.FileSystem, 0, len(t.FileSystems))
	for _, cfg := range t.FileSystems {
		switch cfg.Kind {
		case "", FileSystemStatic:
			fs := locator.NewStatic(cfg.Name)
			for _, f := range cfg.Files {
				nodes, err := parseNodes(f.Nodes)
				if err != nil {
					return nil, err
				}
				fs.Set(f.Path, nodes...)
			}
			out = append(out, fs)
		case FileSystemRedis:
			var opts []locator.Option
			if cfg.Redis.Prefix != "" {
				opts = append(opts, locator.WithPrefix(cfg.Redis.Prefix))
			}
			out = append(out, locator.NewRedis(cfg.Name, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...))
		default:
			return nil, fmt.Errorf("file system %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
	}
	return out, nil
}

// RedisFiles lists the files a redis file system should advertise at boot.
func (fs FileSystemConfig) RedisFiles() (map[string][]kernel.Address, error) {
	out := make(map[string][]kernel.Address, len(fs.Files))
	for _, f := range fs.Files {
		nodes, err := parseNodes(f.Nodes)
		if err != nil {
			return nil, err
		}
		out[f.Path] = nodes
	}
	return out, nil
}

func parseNodes(raw []string) ([]kernel.Address, error) {
	out := make([]kernel.Address, 0, len(raw))
	for _, n := range raw {
		a, err := kernel.ParseAddress(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (a ApplicationConfig) Application() kernel.Application {
	return kernel.Application{
		ID:                a.ID,
		Args:              append([]string(nil), a.Args...),
		Env:               append([]string(nil), a.Env...),
		WaitForCompletion: a.Wait,
	}
}

// Application finds a submittable application by name.
func (t Topology) Application(name string) (kernel.Application, bool) {
	for _, a := range t.Applications {
		if a.Name == name {
			return a.Application(), true
		}
	}
	return kernel.Application{}, false
}
