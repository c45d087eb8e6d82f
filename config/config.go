package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/zhubert/studio-core/paths"
)

// Config holds the application configuration
type Config struct {
	Workspaces []Workspace `json:"workspaces"`

	LogLevel        string `json:"log_level,omitempty"`        // "debug", "info", "warn", "error" (default "info")
	DefaultTemplate string `json:"default_template,omitempty"` // Starter template name for new workspaces

	// Runtime boot settings
	BootMaxAttempts    int `json:"boot_max_attempts,omitempty"`     // Boot attempts before giving up (default 3)
	BootInitialDelayMS int `json:"boot_initial_delay_ms,omitempty"` // First retry delay in milliseconds (default 1000)
	SpawnMaxAttempts   int `json:"spawn_max_attempts,omitempty"`    // Process spawn attempts (default 2)

	// Circuit breaker settings for boot
	BreakerFailureThreshold int `json:"breaker_failure_threshold,omitempty"` // Consecutive failures before opening (default 3)
	BreakerResetTimeoutSec  int `json:"breaker_reset_timeout_sec,omitempty"` // Seconds before half-open probe (default 60)

	// File tree settings
	ReconcileIntervalSec int `json:"reconcile_interval_sec,omitempty"` // Tree poll interval in seconds (default 30)

	CommandTimeoutSec int `json:"command_timeout_sec,omitempty"` // Per-command execution timeout (default 300)

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist.
// Environment variables override file values (see applyEnvOverrides).
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by Load and by tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Workspaces: []Workspace{},
		filePath:   path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure slices are initialized (not nil) after unmarshaling
	if cfg.Workspaces == nil {
		cfg.Workspaces = []Workspace{}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies STUDIO_* environment variables on top of the
// loaded file values. Called during single-threaded initialization only.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STUDIO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STUDIO_RECONCILE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReconcileIntervalSec = n
		}
	}
	if v := os.Getenv("STUDIO_BOOT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BootMaxAttempts = n
		}
	}
	if v := os.Getenv("STUDIO_COMMAND_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.CommandTimeoutSec = n
		}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seenIDs := make(map[string]bool)
	for _, ws := range c.Workspaces {
		if ws.ID == "" {
			return fmt.Errorf("workspace with empty ID found")
		}
		if seenIDs[ws.ID] {
			return fmt.Errorf("duplicate workspace ID: %s", ws.ID)
		}
		seenIDs[ws.ID] = true

		if ws.Root == "" {
			return fmt.Errorf("workspace %s has empty root path", ws.ID)
		}
	}

	// Check for duplicate roots (filesystem-aware: handles case, symlinks)
	for i, ws := range c.Workspaces {
		for j := i + 1; j < len(c.Workspaces); j++ {
			if SamePath(ws.Root, c.Workspaces[j].Root) {
				return fmt.Errorf("duplicate workspace root: %s", ws.Root)
			}
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

// GetLogLevel returns the configured log level, defaulting to "info"
func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// SetLogLevel sets the log level
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogLevel = level
}

// GetDefaultTemplate returns the starter template name, defaulting to "vite-react"
func (c *Config) GetDefaultTemplate() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.DefaultTemplate == "" {
		return "vite-react"
	}
	return c.DefaultTemplate
}

// SetDefaultTemplate sets the starter template name
func (c *Config) SetDefaultTemplate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultTemplate = name
}

// GetBootMaxAttempts returns the boot attempt limit, defaulting to 3
func (c *Config) GetBootMaxAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BootMaxAttempts <= 0 {
		return 3
	}
	return c.BootMaxAttempts
}

// GetBootInitialDelay returns the first boot retry delay, defaulting to 1s
func (c *Config) GetBootInitialDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BootInitialDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(c.BootInitialDelayMS) * time.Millisecond
}

// GetSpawnMaxAttempts returns the process spawn attempt limit, defaulting to 2
func (c *Config) GetSpawnMaxAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.SpawnMaxAttempts <= 0 {
		return 2
	}
	return c.SpawnMaxAttempts
}

// GetBreakerFailureThreshold returns the breaker failure threshold, defaulting to 3
func (c *Config) GetBreakerFailureThreshold() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BreakerFailureThreshold <= 0 {
		return 3
	}
	return c.BreakerFailureThreshold
}

// GetBreakerResetTimeout returns the breaker reset timeout, defaulting to 60s
func (c *Config) GetBreakerResetTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BreakerResetTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.BreakerResetTimeoutSec) * time.Second
}

// GetReconcileInterval returns the tree poll interval, defaulting to 30s
func (c *Config) GetReconcileInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ReconcileIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

// GetCommandTimeout returns the per-command execution timeout, defaulting to 5m
func (c *Config) GetCommandTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CommandTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CommandTimeoutSec) * time.Second
}
