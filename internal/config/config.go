// Package config loads and validates the folder-mcp YAML configuration.
//
// Decoding is strict: unknown keys are rejected at load time rather than
// silently ignored.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/folder-mcp/folder-mcp/internal/logging"
)

// Default values applied to unset configuration fields.
const (
	DefaultDaemonPort              = 3002
	DefaultMaxConcurrentOperations = 2
	DefaultMaxQueueSize            = 100
	DefaultMaxRetries              = 3
	DefaultRetryDelayMs            = 1000
	DefaultMaxConcurrentTasks      = 2
	DefaultSyncIntervalMs          = 60000
	DefaultModelTimeoutMs          = 30000
	DefaultHealthCheckIntervalMs   = 30000
	DefaultMaxRestartAttempts      = 5
	DefaultRestartDelayMs          = 2000
	DefaultModelName               = "all-MiniLM-L6-v2"
)

// Config is the root configuration.
type Config struct {
	Folders   []FolderConfig `yaml:"folders"`
	Daemon    DaemonConfig   `yaml:"daemon"`
	Resources ResourceConfig `yaml:"resources"`
	Queue     QueueConfig    `yaml:"queue"`
	Sync      SyncConfig     `yaml:"sync"`
	Model     ModelConfig    `yaml:"model"`
}

// FolderConfig describes one indexed folder.
type FolderConfig struct {
	// Path is the folder root. Canonicalized to an absolute path on load;
	// the canonical path is the folder's identity.
	Path string `yaml:"path"`

	// Model overrides the global embedding model for this folder.
	Model string `yaml:"model"`

	// Excludes are glob patterns matched against paths relative to the root.
	Excludes []string `yaml:"excludes"`

	// Performance holds per-folder overrides.
	Performance PerformanceConfig `yaml:"performance"`
}

// PerformanceConfig holds per-folder performance overrides.
// Zero values fall back to the global queue settings.
type PerformanceConfig struct {
	MaxConcurrentTasks int `yaml:"maxConcurrentTasks"`
	BatchSize          int `yaml:"batchSize"`
}

// DaemonConfig configures the REST facade.
type DaemonConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
}

// ResourceConfig configures the global resource manager.
type ResourceConfig struct {
	MaxConcurrentOperations int `yaml:"maxConcurrentOperations"`
	MaxQueueSize            int `yaml:"maxQueueSize"`
}

// QueueConfig configures per-folder task queues.
type QueueConfig struct {
	MaxRetries         int `yaml:"maxRetries"`
	RetryDelayMs       int `yaml:"retryDelayMs"`
	MaxConcurrentTasks int `yaml:"maxConcurrentTasks"`
}

// SyncConfig configures the periodic sync service.
type SyncConfig struct {
	IntervalMs        int   `yaml:"intervalMs"`
	VecCleanupEnabled *bool `yaml:"vecCleanupEnabled"`
}

// ModelConfig configures the embedding model host.
type ModelConfig struct {
	Name                  string   `yaml:"name"`
	Command               string   `yaml:"command"`
	Args                  []string `yaml:"args"`
	TimeoutMs             int      `yaml:"timeoutMs"`
	MaxRetries            int      `yaml:"maxRetries"`
	HealthCheckIntervalMs int      `yaml:"healthCheckIntervalMs"`
	AutoRestart           *bool    `yaml:"autoRestart"`
	MaxRestartAttempts    int      `yaml:"maxRestartAttempts"`
	RestartDelayMs        int      `yaml:"restartDelayMs"`
}

// DefaultPath returns the default config file location (~/.folder-mcp/config.yaml).
func DefaultPath() string {
	return filepath.Join(logging.GlobalDir(), "config.yaml")
}

// Default returns a configuration populated with default values and no folders.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, decodes, and validates the config file at path.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := newStrictDecoder(data)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.Port == 0 {
		c.Daemon.Port = DefaultDaemonPort
	}
	if c.Daemon.LogLevel == "" {
		c.Daemon.LogLevel = "info"
	}
	if c.Resources.MaxConcurrentOperations == 0 {
		c.Resources.MaxConcurrentOperations = DefaultMaxConcurrentOperations
	}
	if c.Resources.MaxQueueSize == 0 {
		c.Resources.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Queue.RetryDelayMs == 0 {
		c.Queue.RetryDelayMs = DefaultRetryDelayMs
	}
	if c.Queue.MaxConcurrentTasks == 0 {
		c.Queue.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.Sync.IntervalMs == 0 {
		c.Sync.IntervalMs = DefaultSyncIntervalMs
	}
	if c.Sync.VecCleanupEnabled == nil {
		enabled := true
		c.Sync.VecCleanupEnabled = &enabled
	}
	if c.Model.Name == "" {
		c.Model.Name = DefaultModelName
	}
	if c.Model.TimeoutMs == 0 {
		c.Model.TimeoutMs = DefaultModelTimeoutMs
	}
	if c.Model.MaxRetries == 0 {
		c.Model.MaxRetries = DefaultMaxRetries
	}
	if c.Model.HealthCheckIntervalMs == 0 {
		c.Model.HealthCheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if c.Model.AutoRestart == nil {
		enabled := true
		c.Model.AutoRestart = &enabled
	}
	if c.Model.MaxRestartAttempts == 0 {
		c.Model.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	if c.Model.RestartDelayMs == 0 {
		c.Model.RestartDelayMs = DefaultRestartDelayMs
	}
}

// Validate checks value ranges and canonicalizes folder paths.
func (c *Config) Validate() error {
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be in 1..65535, got %d", c.Daemon.Port)
	}
	if c.Resources.MaxConcurrentOperations < 1 {
		return fmt.Errorf("resources.maxConcurrentOperations must be >= 1")
	}
	if c.Resources.MaxQueueSize < 1 {
		return fmt.Errorf("resources.maxQueueSize must be >= 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.maxRetries must be >= 0")
	}
	if c.Queue.RetryDelayMs <= 0 {
		return fmt.Errorf("queue.retryDelayMs must be > 0")
	}
	if c.Queue.MaxConcurrentTasks < 1 {
		return fmt.Errorf("queue.maxConcurrentTasks must be >= 1")
	}
	if c.Sync.IntervalMs <= 0 {
		return fmt.Errorf("sync.intervalMs must be > 0")
	}

	seen := make(map[string]struct{}, len(c.Folders))
	for i := range c.Folders {
		f := &c.Folders[i]
		if f.Path == "" {
			return fmt.Errorf("folders[%d].path is required", i)
		}
		abs, err := filepath.Abs(f.Path)
		if err != nil {
			return fmt.Errorf("folders[%d].path: %w", i, err)
		}
		f.Path = filepath.Clean(abs)
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("duplicate folder path: %s", f.Path)
		}
		seen[f.Path] = struct{}{}
		if f.Model == "" {
			f.Model = c.Model.Name
		}
	}
	return nil
}

// FolderByPath returns the folder config for a canonical path.
func (c *Config) FolderByPath(path string) (*FolderConfig, bool) {
	for i := range c.Folders {
		if c.Folders[i].Path == path {
			return &c.Folders[i], true
		}
	}
	return nil, false
}
