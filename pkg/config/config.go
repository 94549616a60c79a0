// Package config provides TOML configuration loading for the fleet
// monitoring system's three roles.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure; only the section
// relevant to the running role is populated in practice, but all three
// are parsed from the same file so one config.toml can describe a
// whole deployment.
type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Collector CollectorConfig `toml:"collector"`
	Fleet     FleetConfig     `toml:"fleet"`
}

// AgentConfig holds settings for the per-workstation metrics agent.
type AgentConfig struct {
	StartPort int    `toml:"start_port"`
	LogLevel  string `toml:"log_level"`
}

// CollectorConfig holds settings for the operator-side collector.
type CollectorConfig struct {
	IdentityStorePath string `toml:"identity_store_path"`
	AdminSocket       string `toml:"admin_socket"`
	ReleaseCachePath  string `toml:"release_cache_path"`
	ReleaseOwner      string `toml:"release_owner"`
	ReleaseRepo       string `toml:"release_repo"`
	Version           string `toml:"version"`
	LogLevel          string `toml:"log_level"`
}

// FleetConfig holds settings for the interactive Fleet CLI.
type FleetConfig struct {
	AdminSocket string `toml:"admin_socket"`
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Collector.IdentityStorePath = ExpandPath(cfg.Collector.IdentityStorePath)
	cfg.Collector.AdminSocket = ExpandPath(cfg.Collector.AdminSocket)
	cfg.Collector.ReleaseCachePath = ExpandPath(cfg.Collector.ReleaseCachePath)
	cfg.Fleet.AdminSocket = ExpandPath(cfg.Fleet.AdminSocket)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {
	// Agent defaults
	if cfg.Agent.StartPort == 0 {
		cfg.Agent.StartPort = 49990
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}

	// Collector defaults
	if cfg.Collector.IdentityStorePath == "" {
		cfg.Collector.IdentityStorePath = "~/.config/computerdash/machines.json"
	}
	if cfg.Collector.AdminSocket == "" {
		cfg.Collector.AdminSocket = "/tmp/computerdash/collector.sock"
	}
	if cfg.Collector.ReleaseCachePath == "" {
		cfg.Collector.ReleaseCachePath = "~/.config/computerdash/release_cache.db"
	}
	if cfg.Collector.ReleaseOwner == "" {
		cfg.Collector.ReleaseOwner = "acme"
	}
	if cfg.Collector.ReleaseRepo == "" {
		cfg.Collector.ReleaseRepo = "computerdashboard"
	}
	if cfg.Collector.Version == "" {
		cfg.Collector.Version = "0.0.0"
	}
	if cfg.Collector.LogLevel == "" {
		cfg.Collector.LogLevel = "info"
	}

	// Fleet defaults
	if cfg.Fleet.AdminSocket == "" {
		cfg.Fleet.AdminSocket = "/tmp/computerdash/collector.sock"
	}
}
