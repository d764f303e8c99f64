package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig matches any error returned by ValidateConfig.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one problem with one field.
type ValidationError struct {
	Field   string
	Message string

	// Warning marks problems that do not stop the relay from starting.
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning reports whether the problem is non-fatal.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// checker accumulates problems while walking a configuration.
type checker struct {
	found ValidationErrors
}

func (c *checker) fail(field, format string, args ...any) {
	c.found = append(c.found, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *checker) warn(field, format string, args ...any) {
	c.found = append(c.found, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Warning: true})
}

func (c *checker) within(field string, v, lo, hi int) {
	if v < lo || v > hi {
		c.fail(field, "value must be between %d and %d", lo, hi)
	}
}

func (c *checker) atLeast(field string, v, lo int, what string) {
	if v < lo {
		c.fail(field, "%s must be at least %d", what, lo)
	}
}

func (c *checker) oneOf(field, v string, valid ...string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	c.fail(field, "invalid value %q (valid: %s)", v, strings.Join(valid, ", "))
	return false
}

// ValidateConfig returns ValidationErrors listing every fatal problem, or nil.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chk checker

	if c.Version < 1 || c.Version > Version {
		chk.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		chk.fail("state_dir", "required field is missing")
	}

	chk.projects(c.Projects)
	chk.delivery(&c.Delivery)
	chk.retry(&c.Retry)
	chk.queue(&c.Queue)
	chk.watch(&c.Watch)
	chk.logging(&c.Logging)
	chk.status(&c.Status)

	if len(chk.found) == 0 {
		return nil
	}
	return chk.found
}

// Warnings returns the non-fatal issues of a configuration, such as project
// paths that do not exist yet.
func Warnings(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var chk checker
	for i, p := range c.Projects {
		path := expandPath(p.Path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			chk.warn(fmt.Sprintf("projects[%d].path", i), "cannot access %s: %v", path, err)
		}
	}
	return chk.found
}

func (c *checker) projects(projects []ProjectConfig) {
	ids := make(map[string]int, len(projects))
	paths := make(map[string]int, len(projects))

	for i, p := range projects {
		field := fmt.Sprintf("projects[%d]", i)

		if strings.TrimSpace(p.Path) == "" {
			c.fail(field+".path", "required field is missing")
		} else {
			clean := filepath.Clean(expandPath(p.Path))
			if j, dup := paths[clean]; dup {
				c.fail(field+".path", "duplicate of projects[%d].path", j)
			}
			paths[clean] = i
		}

		if p.ID == "" {
			continue
		}
		if j, dup := ids[p.ID]; dup {
			c.fail(field+".id", "duplicate of projects[%d].id", j)
		}
		ids[p.ID] = i
	}
}

func (c *checker) delivery(d *DeliveryConfig) {
	if !isValidURL(d.Endpoint) {
		c.fail("delivery.endpoint", "invalid endpoint URL %q (expected http or https)", d.Endpoint)
	}
	c.within("delivery.timeout_sec", d.TimeoutSec, 1, 300)
	c.atLeast("delivery.session_cache_sec", d.SessionCacheSec, 0, "session cache duration")
}

func (c *checker) retry(r *RetryConfig) {
	c.within("retry.max_retries", r.MaxRetries, 0, 20)
	c.atLeast("retry.base_delay_ms", r.BaseDelayMs, 1, "base delay")
	if r.MaxDelayMs < r.BaseDelayMs {
		c.fail("retry.max_delay_ms", "max delay cannot be below base delay")
	}
	if r.Multiplier < 1 {
		c.fail("retry.multiplier", "multiplier must be at least 1")
	}
}

func (c *checker) queue(q *QueueConfig) {
	c.atLeast("queue.max_items", q.MaxItems, 1, "max items")
	c.atLeast("queue.max_age_hours", q.MaxAgeHours, 1, "max age in hours")
	c.atLeast("queue.max_attempts", q.MaxAttempts, 0, "max attempts")
	c.atLeast("queue.drain_interval_sec", q.DrainIntervalSec, 1, "drain interval in seconds")
	c.atLeast("queue.journal_retention_days", q.JournalRetentionDays, 0, "journal retention")
}

func (c *checker) watch(w *WatchConfig) {
	c.within("watch.debounce_ms", w.DebounceMs, 0, 60000)
	c.within("watch.snapshot_size", w.SnapshotSize, 1, 1000)
}

func (c *checker) logging(l *LoggingConfig) {
	c.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	c.oneOf("logging.format", l.Format, "text", "json")
	if c.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both") &&
		(l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		c.fail("logging.file_path", "file path is required when output is %q", l.Output)
	}

	c.atLeast("logging.max_size_mb", l.MaxSizeMB, 1, "max size in MB")
	c.atLeast("logging.max_backups", l.MaxBackups, 0, "max backups")
	c.atLeast("logging.max_age_days", l.MaxAgeDays, 0, "max age in days")
}

// status accepts an empty address, which disables the API.
func (c *checker) status(s *StatusConfig) {
	if s.Address == "" {
		return
	}
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		c.fail("status.address", "invalid listen address: %v", err)
	}
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func isValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if raw == "" || err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
