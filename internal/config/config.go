// Package config handles configuration loading, validation, and management for commitrelay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Environment variables that override file settings.
const (
	EnvEndpoint = "COMMITRELAY_ENDPOINT"
	EnvToken    = "COMMITRELAY_TOKEN"
	EnvStateDir = "COMMITRELAY_STATE_DIR"
	EnvLogLevel = "COMMITRELAY_LOG_LEVEL"
	EnvConfig   = "COMMITRELAY_CONFIG"
)

// File names inside the state directory.
const (
	QueueFileName   = "queue.json"
	JournalFileName = "journal.db"
	LockFileName    = "lock"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// StateDir holds the queue file, the journal and the instance lock.
	StateDir string `toml:"state_dir" json:"state_dir" yaml:"state_dir"`

	// Projects are the repositories to watch.
	Projects []ProjectConfig `toml:"projects" json:"projects" yaml:"projects"`

	// Delivery configures the collection service client.
	Delivery DeliveryConfig `toml:"delivery" json:"delivery" yaml:"delivery"`

	// Retry configures the per-request retry policy.
	Retry RetryConfig `toml:"retry" json:"retry" yaml:"retry"`

	// Queue configures the durable retry queue and its drain schedule.
	Queue QueueConfig `toml:"queue" json:"queue" yaml:"queue"`

	// Watch configures repository watching.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Status configures the local status API.
	Status StatusConfig `toml:"status" json:"status" yaml:"status"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu guards the fields during env overrides, cloning and encoding.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ProjectConfig binds a local repository to a remote project.
type ProjectConfig struct {
	// ID is the remote project identifier.
	ID string `toml:"id" json:"id" yaml:"id"`

	// Name is a human readable label sent along with pushes.
	Name string `toml:"name" json:"name" yaml:"name"`

	// Path is the working tree of the repository.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// DeliveryConfig holds collection service settings.
type DeliveryConfig struct {
	// Endpoint is the base URL of the collection service.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// Token is sent as a bearer token when set. Prefer COMMITRELAY_TOKEN.
	Token string `toml:"token" json:"token,omitempty" yaml:"token,omitempty"`

	// TimeoutSec is the per-request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// SessionCacheSec is how long an active session lookup is reused.
	SessionCacheSec int `toml:"session_cache_sec" json:"session_cache_sec" yaml:"session_cache_sec"`
}

// RetryConfig holds the exponential backoff settings.
type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	BaseDelayMs int     `toml:"base_delay_ms" json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int     `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
}

// QueueConfig holds retry queue settings.
type QueueConfig struct {
	// MaxItems bounds the number of queued payloads; the oldest are evicted first.
	MaxItems int `toml:"max_items" json:"max_items" yaml:"max_items"`

	// MaxAgeHours evicts payloads older than this.
	MaxAgeHours int `toml:"max_age_hours" json:"max_age_hours" yaml:"max_age_hours"`

	// MaxAttempts drops an item after this many failed deliveries. 0 disables.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// DrainIntervalSec is the period of the background drain.
	DrainIntervalSec int `toml:"drain_interval_sec" json:"drain_interval_sec" yaml:"drain_interval_sec"`

	// JournalRetentionDays prunes journal rows older than this. 0 keeps everything.
	JournalRetentionDays int `toml:"journal_retention_days" json:"journal_retention_days" yaml:"journal_retention_days"`
}

// WatchConfig holds repository watching settings.
type WatchConfig struct {
	// DebounceMs is the quiet period after the last HEAD change before extraction.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// SnapshotSize is the number of recent commits sent when no baseline exists.
	SnapshotSize int `toml:"snapshot_size" json:"snapshot_size" yaml:"snapshot_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used by the "file" and "both" outputs.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// StatusConfig holds the local status API settings.
type StatusConfig struct {
	// Address is the listen address. Empty disables the API.
	Address string `toml:"address" json:"address" yaml:"address"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the status API.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the configuration used for fields the file omits.
func DefaultConfig() *Config {
	dir := StateDir()

	return &Config{
		Version:  Version,
		StateDir: dir,
		Projects: []ProjectConfig{},
		Delivery: DeliveryConfig{
			Endpoint:        "http://localhost:3000",
			TimeoutSec:      30,
			SessionCacheSec: 300,
		},
		Retry: RetryConfig{
			MaxRetries:  5,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Multiplier:  2,
		},
		Queue: QueueConfig{
			MaxItems:             100,
			MaxAgeHours:          7 * 24,
			MaxAttempts:          0,
			DrainIntervalSec:     60,
			JournalRetentionDays: 30,
		},
		Watch: WatchConfig{
			DebounceMs:   2000,
			SnapshotSize: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "commitrelay.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Status: StatusConfig{
			Address: "127.0.0.1:7878",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
// COMMITRELAY_CONFIG takes precedence over the platform location.
func ConfigPath() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	dir := PlatformConfigDir()
	if found := findConfigFile(dir); found != "" {
		return found
	}
	return filepath.Join(dir, configNames[0])
}

// StateDir returns the default state directory.
// Uses platform-specific paths or the COMMITRELAY_STATE_DIR override.
func StateDir() string {
	if envDir := os.Getenv(EnvStateDir); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads path (or ConfigPath() when empty) with environment overrides
// applied. It does not validate; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate returns ValidationErrors for every fatal problem.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the state directory and the log directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{expandPath(c.StateDir)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(expandPath(c.Logging.FilePath)))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Delivery.Endpoint = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Delivery.Token = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		StateDir: c.StateDir,
		Projects: append([]ProjectConfig{}, c.Projects...),
		Delivery: c.Delivery,
		Retry:    c.Retry,
		Queue:    c.Queue,
		Watch:    c.Watch,
		Logging:  c.Logging,
		Status:   c.Status,
		Metrics:  c.Metrics,
	}
	return clone
}

// QueuePath returns the retry queue file.
func (c *Config) QueuePath() string {
	return filepath.Join(expandPath(c.StateDir), QueueFileName)
}

// JournalPath returns the delivery journal database.
func (c *Config) JournalPath() string {
	return filepath.Join(expandPath(c.StateDir), JournalFileName)
}

// LockPath returns the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(expandPath(c.StateDir), LockFileName)
}

// ProjectPaths returns the expanded repository path of each project.
func (c *Config) ProjectPaths() []string {
	paths := make([]string, 0, len(c.Projects))
	for _, p := range c.Projects {
		paths = append(paths, expandPath(p.Path))
	}
	return paths
}

// Timeout returns the request timeout.
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

// SessionTTL returns how long a session lookup is cached.
func (d DeliveryConfig) SessionTTL() time.Duration {
	return time.Duration(d.SessionCacheSec) * time.Second
}

// BaseDelay returns the first retry delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// MaxAge returns the queue item age bound.
func (q QueueConfig) MaxAge() time.Duration {
	return time.Duration(q.MaxAgeHours) * time.Hour
}

// DrainInterval returns the background drain period.
func (q QueueConfig) DrainInterval() time.Duration {
	return time.Duration(q.DrainIntervalSec) * time.Second
}

// JournalRetention returns the journal pruning horizon, zero when disabled.
func (q QueueConfig) JournalRetention() time.Duration {
	return time.Duration(q.JournalRetentionDays) * 24 * time.Hour
}

// Debounce returns the HEAD change quiet period.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}
