// Package logging builds the slog logger shared by every relay component.
// There is no package-level default logger; the daemon builds one Logger at
// startup and hands it down.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the record encoding.
type Format int

const (
	// FormatText writes logfmt-style key=value records.
	FormatText Format = iota
	// FormatJSON writes one JSON object per record.
	FormatJSON
)

// Output destinations.
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both"
)

// redactedKeys are matched as substrings of lower-cased attribute keys.
var redactedKeys = []string{
	"password", "secret", "token", "credential", "authorization",
	"cookie", "api_key", "apikey", "bearer",
}

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of stdout, stderr, file or both (stderr and file).
	Output string

	// FilePath is required for the file and both outputs.
	FilePath string

	// Rotation limits passed to lumberjack.
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool

	AddSource bool

	// Component is attached to every record as "component".
	Component string
}

// DefaultConfig returns info-level text logging to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     OutputStderr,
		MaxSizeMB:  50,
		MaxAgeDays: 30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "commitrelay",
	}
}

// Logger is a slog.Logger that also owns the rotated log file, if any.
type Logger struct {
	*slog.Logger
	file *lumberjack.Logger
}

// New creates a Logger writing to cfg.Output.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		w    io.Writer
		file *lumberjack.Logger
	)
	switch strings.ToLower(cfg.Output) {
	case OutputStdout:
		w = os.Stdout
	case "", OutputStderr:
		w = os.Stderr
	case OutputFile, OutputBoth:
		f, err := openFile(cfg)
		if err != nil {
			return nil, err
		}
		file, w = f, f
		if strings.EqualFold(cfg.Output, OutputBoth) {
			w = io.MultiWriter(os.Stderr, f)
		}
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	return &Logger{Logger: slog.New(newHandler(w, cfg)), file: file}, nil
}

// NewWithWriter creates a Logger that writes to w regardless of cfg.Output.
func NewWithWriter(w io.Writer, cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Logger{Logger: slog.New(newHandler(w, cfg))}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

func openFile(cfg *Config) (*lumberjack.Logger, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("log output " + cfg.Output + " requires a file path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil
}

func newHandler(w io.Writer, cfg *Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return h
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, k := range redactedKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

// WithComponent returns a child logger tagged with a different component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

// With returns a child logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

// Close closes the log file. Child loggers share it, so only the root
// logger should be closed.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Rotate starts a new log file. It is a no-op for console output.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// ParseLevel accepts the slog level names in any case, plus "warning".
func ParseLevel(s string) (Level, error) {
	if strings.EqualFold(s, "warning") {
		return LevelWarn, nil
	}
	var level Level
	if s == "" || level.UnmarshalText([]byte(s)) != nil {
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
	return level, nil
}

// ParseFormat parses "text" or "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}
