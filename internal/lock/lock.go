// Package lock guards a state directory so only one daemon uses it at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock: held by another process")

// HeldError reports the process currently holding the lock, when known.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock %s: held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("lock %s: held by another process", e.Path)
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking and records the current
// pid in the file. The parent directory is created if needed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ok, err := tryLock(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		f.Close()
		pid, _ := Holder(path)
		return nil, &HeldError{Path: path, PID: pid}
	}

	if err := f.Truncate(0); err != nil {
		_ = unlock(f)
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		_ = unlock(f)
		f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file stays in place; the next owner rewrites it.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}

	// Truncate before unlocking so readers never see a stale pid.
	_ = l.f.Truncate(0)
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// Holder returns the pid recorded in the lock file, or 0 when none is recorded.
func Holder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse lock pid: %w", err)
	}
	return pid, nil
}
