package queue

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"commitrelay/internal/logging"
)

// FileName is the queue file inside the state directory.
const FileName = "queue.json"

const schemaURL = "queue-v1.schema.json"

//go:embed schema.json
var schemaJSON string

// Store loads and saves the whole queue at once.
type Store interface {
	Load() ([]Item, error)
	Save(items []Item) error
}

// LocalStorageError reports a failure to read or write the queue file.
type LocalStorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalStorageError) Error() string {
	return fmt.Sprintf("queue %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalStorageError) Unwrap() error {
	return e.Err
}

// itemChecker is implemented by stores that can reject an item before it is
// written, so one bad item never invalidates the whole file.
type itemChecker interface {
	Check(item Item) error
}

// FileStore keeps the queue as a JSON array in a single file.
type FileStore struct {
	path   string
	schema *jsonschema.Schema
	item   *jsonschema.Schema
	logger *logging.Logger
	now    func() time.Time
}

// NewFileStore returns a store backed by path. The file need not exist.
func NewFileStore(path string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add queue schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile queue schema: %w", err)
	}
	item, err := compiler.Compile(schemaURL + "#/items")
	if err != nil {
		return nil, fmt.Errorf("compile queue item schema: %w", err)
	}

	return &FileStore{
		path:   path,
		schema: schema,
		item:   item,
		logger: logger.WithComponent("queue"),
		now:    time.Now,
	}, nil
}

// Path returns the queue file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the queue. A missing file is an empty queue. A file that cannot
// be parsed or does not match the schema is moved aside and the queue starts
// empty.
func (s *FileStore) Load() ([]Item, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		s.quarantine(err)
		return nil, nil
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.quarantine(fmt.Errorf("parse: %w", err))
		return nil, nil
	}
	if err := s.schema.Validate(doc); err != nil {
		s.quarantine(fmt.Errorf("schema: %w", err))
		return nil, nil
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		s.quarantine(fmt.Errorf("decode: %w", err))
		return nil, nil
	}
	return items, nil
}

// Check validates one item against the schema the file is loaded with.
func (s *FileStore) Check(item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	if err := s.item.Validate(doc); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}
	return nil
}

// quarantine moves an unusable queue file out of the way so it can be inspected.
func (s *FileStore) quarantine(reason error) {
	dest := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dest); err != nil {
		s.logger.Warn("queue file unreadable, starting empty", "path", s.path, "error", reason, "rename_error", err)
		return
	}
	s.logger.Warn("queue file unreadable, moved aside and starting empty", "path", s.path, "moved_to", dest, "error", reason)
}

// Save replaces the queue file atomically.
func (s *FileStore) Save(items []Item) error {
	if items == nil {
		items = []Item{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return &LocalStorageError{Op: "encode", Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return &LocalStorageError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the destination
// directory, syncs it and renames it over path. Readers see either the old
// or the new content, never a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	abort := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := tmp.Chmod(perm); err != nil {
		return abort(fmt.Errorf("chmod: %w", err))
	}
	if _, err := tmp.Write(data); err != nil {
		return abort(fmt.Errorf("write: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
