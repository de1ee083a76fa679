package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kernelmesh/internal/config"
	"github.com/danmuck/kernelmesh/internal/node"
	"github.com/spf13/cobra"
)

// kerneld config.toml key mapping to node settings.
type fileConfig struct {
	Name           string          `toml:"name"`
	Port           uint16          `toml:"port"`
	UnixSocket     string          `toml:"unix_socket"`
	Topology       string          `toml:"topology"`
	Workers        int             `toml:"workers"`
	LocalExecution bool            `toml:"local_execution"`
	Heartbeat      string          `toml:"heartbeat"`
	StaleTimeout   string          `toml:"stale_timeout"`
	TransactionLog string          `toml:"transaction_log"`
	Admin          adminConfig     `toml:"admin"`
	Discovery      discoveryConfig `toml:"discovery"`
}

type adminConfig struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CORSOrigins []string `toml:"cors_origins"`
}

type discoveryConfig struct {
	Enabled  bool     `toml:"enabled"`
	BindAddr string   `toml:"bind_addr"`
	BindPort int      `toml:"bind_port"`
	Seeds    []string `toml:"seeds"`
	Weight   uint32   `toml:"weight"`
}

// configFromFlags loads --config. A missing default config file means defaults.
func configFromFlags(cmd *cobra.Command) (node.ServiceConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return node.DefaultServiceConfig(), nil
		}
	}
	return loadServiceConfig(path)
}

func loadServiceConfig(path string) (node.ServiceConfig, error) {
	cfg := node.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.ServiceConfig{}, fmt.Errorf("load kerneld config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("unix_socket") {
		cfg.UnixSocket = strings.TrimSpace(raw.UnixSocket)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("local_execution") {
		cfg.LocalExecution = raw.LocalExecution
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return node.ServiceConfig{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("stale_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StaleTimeout))
		if err != nil {
			return node.ServiceConfig{}, fmt.Errorf("parse stale_timeout: %w", err)
		}
		cfg.StaleTimeout = d
	}
	if meta.IsDefined("transaction_log") {
		cfg.TransactionLog = resolvePath(path, raw.TransactionLog)
	}

	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}

	if meta.IsDefined("discovery", "enabled") {
		cfg.Discovery.Enabled = raw.Discovery.Enabled
	}
	if meta.IsDefined("discovery", "bind_addr") {
		cfg.Discovery.BindAddr = strings.TrimSpace(raw.Discovery.BindAddr)
	}
	if meta.IsDefined("discovery", "bind_port") {
		cfg.Discovery.BindPort = raw.Discovery.BindPort
	}
	if meta.IsDefined("discovery", "seeds") {
		cfg.Discovery.Seeds = normalizeList(raw.Discovery.Seeds)
	}
	if meta.IsDefined("discovery", "weight") {
		cfg.Discovery.Weight = raw.Discovery.Weight
	}

	if meta.IsDefined("topology") {
		if topoPath := resolvePath(path, raw.Topology); topoPath != "" {
			topo, err := config.LoadTopology(topoPath)
			if err != nil {
				return node.ServiceConfig{}, err
			}
			cfg.Topology = topo
		}
	}
	return cfg, nil
}

// resolvePath makes rel relative to the directory of the config file.
func resolvePath(configPath, rel string) string {
	rel = strings.TrimSpace(rel)
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(filepath.Dir(configPath), rel)
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
