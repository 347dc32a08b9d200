// Package config loads and persists the mcplink configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaywire/mcplink/paths"
)

// Defaults applied when a field is absent from the file.
const (
	DefaultStartupTimeoutMS = 30_000
	DefaultCancelGraceMS    = 5_000
)

// ServerConfig describes one MCP server to spawn.
type ServerConfig struct {
	Name             string            `yaml:"name"`    // Unique identifier for the server
	Command          string            `yaml:"command"` // Executable command (e.g., "npx", "node")
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Dir              string            `yaml:"dir,omitempty"`               // Working directory for the child
	Quiet            bool              `yaml:"quiet,omitempty"`             // Discard the child's stderr
	StartupTimeoutMS int               `yaml:"startup_timeout_ms,omitempty"`
	MaxBufferSize    int               `yaml:"max_buffer_size,omitempty"` // Decoder buffer ceiling in bytes
}

// StartupTimeout returns the spawn deadline as a duration.
func (s ServerConfig) StartupTimeout() time.Duration {
	ms := s.StartupTimeoutMS
	if ms <= 0 {
		ms = DefaultStartupTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// Config holds the application configuration
type Config struct {
	Servers       []ServerConfig `yaml:"servers"`
	CancelGraceMS int            `yaml:"cancel_grace_ms,omitempty"` // How long cancelled request ids are remembered
	Debug         bool           `yaml:"debug,omitempty"`           // Enable debug logging

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Mostly for tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Servers:  []ServerConfig{},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills absent fields. Not thread-safe; only called during
// single-threaded initialization before the Config is shared.
func (c *Config) applyDefaults() {
	if c.Servers == nil {
		c.Servers = []ServerConfig{}
	}
	if c.CancelGraceMS <= 0 {
		c.CancelGraceMS = DefaultCancelGraceMS
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server with empty name found")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name: %s", s.Name)
		}
		seen[s.Name] = true

		if s.Command == "" {
			return fmt.Errorf("server %s has empty command", s.Name)
		}
		if s.StartupTimeoutMS < 0 {
			return fmt.Errorf("server %s has negative startup timeout", s.Name)
		}
		if s.MaxBufferSize < 0 {
			return fmt.Errorf("server %s has negative buffer size", s.Name)
		}
	}
	return nil
}

// Save writes the config back to disk atomically (write temp, then rename).
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := yaml.Marshal(c)
	path := c.filePath
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CancelGrace returns the grace window as a duration.
func (c *Config) CancelGrace() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := c.CancelGraceMS
	if ms <= 0 {
		ms = DefaultCancelGraceMS
	}
	return time.Duration(ms) * time.Millisecond
}

// GetServers returns a copy of the configured servers
func (c *Config) GetServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]ServerConfig, len(c.Servers))
	copy(servers, c.Servers)
	return servers
}

// GetServer returns the named server config, if present.
func (c *Config) GetServer(name string) (ServerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// AddServer adds a server (returns false if name already exists)
func (c *Config) AddServer(server ServerConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.Servers {
		if s.Name == server.Name {
			return false
		}
	}
	c.Servers = append(c.Servers, server)
	return true
}

// RemoveServer removes a server by name
func (c *Config) RemoveServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}
