package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mchalk/rudder-core/paths"
)

// Defaults applied when a field is unset in the config file.
const (
	DefaultMaxProcesses         = 10
	DefaultModel                = "sonnet"
	DefaultListenAddr           = "127.0.0.1:8721"
	DefaultPermissionTimeoutSec = 300
)

// Config holds the application configuration
type Config struct {
	BinaryPath           string `json:"binary_path,omitempty"`            // Explicit path to the claude binary (skips discovery)
	MaxProcesses         int    `json:"max_processes,omitempty"`          // Max concurrent CLI processes (default 10)
	DefaultModel         string `json:"default_model,omitempty"`          // Model used when a session doesn't specify one
	DefaultWorkDir       string `json:"default_work_dir,omitempty"`       // Working directory for sessions started without one
	ListenAddr           string `json:"listen_addr,omitempty"`            // Address for the realtime server
	PermissionTimeoutSec int    `json:"permission_timeout_sec,omitempty"` // Seconds to wait for a permission response before denying
	Debug                bool   `json:"debug,omitempty"`                  // Enables debug-level logging

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

// LoadFrom reads the config from an explicit path. A missing file yields a
// config with all defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.MaxProcesses < 0 {
		return fmt.Errorf("max_processes must not be negative, got %d", c.MaxProcesses)
	}
	if c.PermissionTimeoutSec < 0 {
		return fmt.Errorf("permission_timeout_sec must not be negative, got %d", c.PermissionTimeoutSec)
	}
	if c.BinaryPath != "" {
		info, err := os.Stat(c.BinaryPath)
		if err != nil {
			return fmt.Errorf("binary_path %q is not accessible: %w", c.BinaryPath, err)
		}
		if info.IsDir() {
			return fmt.Errorf("binary_path %q is a directory", c.BinaryPath)
		}
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetBinaryPath returns the explicit binary path override, or empty string
// when discovery should run.
func (c *Config) GetBinaryPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.BinaryPath
}

// SetBinaryPath sets the explicit binary path override
func (c *Config) SetBinaryPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BinaryPath = path
}

// GetMaxProcesses returns the max concurrent CLI processes, defaulting to 10
func (c *Config) GetMaxProcesses() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.MaxProcesses <= 0 {
		return DefaultMaxProcesses
	}
	return c.MaxProcesses
}

// SetMaxProcesses sets the max concurrent CLI processes
func (c *Config) SetMaxProcesses(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MaxProcesses = n
}

// GetDefaultModel returns the default model, defaulting to "sonnet"
func (c *Config) GetDefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultModel == "" {
		return DefaultModel
	}
	return c.DefaultModel
}

// SetDefaultModel sets the default model
func (c *Config) SetDefaultModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultModel = model
}

// GetDefaultWorkDir returns the default working directory for new sessions,
// falling back to the user's home directory.
func (c *Config) GetDefaultWorkDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultWorkDir != "" {
		return c.DefaultWorkDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// SetDefaultWorkDir sets the default working directory for new sessions
func (c *Config) SetDefaultWorkDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultWorkDir = dir
}

// GetListenAddr returns the realtime server address, defaulting to loopback
func (c *Config) GetListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ListenAddr == "" {
		return DefaultListenAddr
	}
	return c.ListenAddr
}

// SetListenAddr sets the realtime server address
func (c *Config) SetListenAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ListenAddr = addr
}

// GetPermissionTimeoutSec returns the permission response timeout in seconds,
// defaulting to 300.
func (c *Config) GetPermissionTimeoutSec() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.PermissionTimeoutSec <= 0 {
		return DefaultPermissionTimeoutSec
	}
	return c.PermissionTimeoutSec
}

// SetPermissionTimeoutSec sets the permission response timeout in seconds
func (c *Config) SetPermissionTimeoutSec(sec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionTimeoutSec = sec
}

// GetDebug returns whether debug logging is enabled
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug sets whether debug logging is enabled
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}
