package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"commitrelay/internal/debounce"
)

// ReloadDelay is the quiet period after the last write before a reload.
const ReloadDelay = 100 * time.Millisecond

// codec reads and writes one file format.
type codec struct {
	name   string
	decode func([]byte, *Config) error
	encode func(*Config) ([]byte, error)
}

var (
	tomlCodec = codec{
		name:   "TOML",
		decode: func(b []byte, c *Config) error { return toml.Unmarshal(b, c) },
		encode: func(c *Config) ([]byte, error) { return toml.Marshal(c) },
	}
	jsonCodec = codec{
		name:   "JSON",
		decode: func(b []byte, c *Config) error { return json.Unmarshal(b, c) },
		encode: func(c *Config) ([]byte, error) { return json.MarshalIndent(c, "", "  ") },
	}
	yamlCodec = codec{
		name:   "YAML",
		decode: func(b []byte, c *Config) error { return yaml.Unmarshal(b, c) },
		encode: func(c *Config) ([]byte, error) { return yaml.Marshal(c) },
	}
)

// codecs maps file extensions to formats. Unknown extensions are decoded by
// trying each format in turn and written as TOML.
var codecs = map[string]codec{
	".toml": tomlCodec,
	".json": jsonCodec,
	".yaml": yamlCodec,
	".yml":  yamlCodec,
}

// readFile returns the defaults overlaid with the file at path. A missing
// file yields the defaults.
func readFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if c, ok := codecs[strings.ToLower(filepath.Ext(path))]; ok {
		if err := c.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		return cfg, nil
	}

	for _, c := range []codec{tomlCodec, jsonCodec, yamlCodec} {
		candidate := DefaultConfig()
		if c.decode(data, candidate) == nil {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("parse config %s: not TOML, JSON or YAML", path)
}

// SaveConfig writes the configuration in the format implied by the extension.
// The file is private to the user since it may carry the delivery token.
func SaveConfig(cfg *Config, path string) error {
	c, ok := codecs[strings.ToLower(filepath.Ext(path))]
	if !ok {
		c = tomlCodec
	}

	cfg.mu.RLock()
	data, err := c.encode(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Loader owns the active configuration and reloads it when the file changes.
type Loader struct {
	path string

	mu       sync.RWMutex
	current  *Config
	onChange []func(old, new *Config)

	fsw      *fsnotify.Watcher
	reloader *debounce.Debouncer[struct{}]
	errs     chan error
	stop     chan struct{}
	done     chan struct{}
}

// NewLoader creates a loader for path, or for ConfigPath() when path is empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		stop: make(chan struct{}),
	}
}

// Path returns the configuration file.
func (l *Loader) Path() string {
	return l.path
}

// read parses, overrides from the environment and validates the file.
func (l *Loader) read() (*Config, error) {
	cfg, err := readFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads the file and makes it the current configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with the previous and the new
// configuration after every successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors delivers reload failures. Only the latest unread error is kept.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch reloads the configuration whenever the file is written. The parent
// directory is watched because editors often replace the file by rename.
func (l *Loader) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(l.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}

	l.fsw = fsw
	l.reloader = debounce.New(ReloadDelay, func(struct{}) { l.reload() })
	l.done = make(chan struct{})

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.stop:
			return
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.reloader.Trigger(struct{}{})
			}
		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload swaps in the new file. An unreadable or invalid file keeps the
// current configuration.
func (l *Loader) reload() {
	next, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = next
	callbacks := append([]func(old, new *Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(prev, next)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching. It is safe to call without Watch.
func (l *Loader) Close() error {
	select {
	case <-l.stop:
		return nil
	default:
		close(l.stop)
	}

	if l.reloader != nil {
		l.reloader.Stop()
	}
	if l.fsw == nil {
		return nil
	}
	err := l.fsw.Close()
	<-l.done
	return err
}
