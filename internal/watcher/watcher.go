// Package watcher detects new commits in a git repository and publishes them
// as batches.
//
// A Watcher keeps a baseline commit. Every time HEAD's reflog changes it waits
// for the repository to settle, lists the commits between the baseline and the
// new tip, and sends them oldest first on the channel it was built with.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"commitrelay/internal/debounce"
	"commitrelay/internal/gitlib"
	"commitrelay/internal/logging"
	"commitrelay/internal/payload"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultDebounce     = 2 * time.Second
	DefaultSnapshotSize = 5
)

var (
	// ErrAlreadyStarted is returned by Start on a running watcher.
	ErrAlreadyStarted = errors.New("watcher: already started")
	// ErrNotStarted is returned by Extract before Start succeeded.
	ErrNotStarted = errors.New("watcher: not started")
)

// Project identifies a watched repository and how it is reported remotely.
type Project struct {
	ID   string
	Name string
	Path string
}

// Batch is a set of commits detected in one repository, oldest first.
type Batch struct {
	Project Project
	Commits []payload.CommitData
}

// ExtractionError reports a commit whose file statistics could not be read.
// The commit is still published, with an empty file list.
type ExtractionError struct {
	SHA string
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.SHA, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Options tunes a Watcher.
type Options struct {
	// Debounce is the quiet period after the last HEAD change before extraction.
	Debounce time.Duration
	// SnapshotSize bounds the first batch when no baseline is known.
	SnapshotSize int
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.SnapshotSize <= 0 {
		o.SnapshotSize = DefaultSnapshotSize
	}
	return o
}

// Watcher monitors one repository.
type Watcher struct {
	project Project
	opts    Options
	out     chan<- Batch
	logger  *logging.Logger

	// mu guards the lifecycle fields.
	mu        sync.Mutex
	running   bool
	fsWatcher *fsnotify.Watcher
	debouncer *debounce.Debouncer[string]
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// publishMu holds extraction and publishing together so batches from
	// one repository are sent in the order they were extracted.
	publishMu sync.Mutex

	// extractMu serialises extraction and guards repo and baseline.
	extractMu sync.Mutex
	repo      *gitlib.Repository
	baseline  gitlib.Hash
}

// New creates an idle watcher that will publish to out.
func New(project Project, opts Options, out chan<- Batch, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		project: project,
		opts:    opts.withDefaults(),
		out:     out,
		logger:  logger.WithComponent("watcher").With("project", project.Name, "path", project.Path),
	}
}

// Project returns the project this watcher reports for.
func (w *Watcher) Project() Project {
	return w.project
}

// Start opens the repository, records the current tip as baseline and begins
// watching HEAD. A repository that cannot be opened leaves the watcher idle.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyStarted
	}

	repo, err := gitlib.Open(w.project.Path)
	if err != nil {
		return err
	}

	baseline, err := repo.Head()
	switch {
	case errors.Is(err, gitlib.ErrNoCommits):
		w.logger.Debug("repository has no commits yet")
	case err != nil:
		w.logger.Warn("could not read HEAD, starting without baseline", "error", err)
	}

	logsDir := filepath.Dir(repo.HeadLogPath())
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		repo.Free()
		return fmt.Errorf("create %s: %w", logsDir, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		repo.Free()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsWatcher.Add(logsDir); err != nil {
		fsWatcher.Close()
		repo.Free()
		return fmt.Errorf("watch %s: %w", logsDir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	w.extractMu.Lock()
	w.repo = repo
	w.baseline = baseline
	w.extractMu.Unlock()

	w.fsWatcher = fsWatcher
	w.cancel = cancel
	w.debouncer = debounce.New(w.opts.Debounce, func(string) { w.settled(runCtx) })
	w.running = true

	w.wg.Add(1)
	go w.eventLoop(runCtx, fsWatcher, w.debouncer)

	if !baseline.IsZero() {
		w.logger.Info("watching repository", "baseline", baseline.Short())
	} else {
		w.logger.Info("watching repository")
	}
	return nil
}

// Stop releases the watch and cancels a pending debounce. An extraction that
// is already running completes first. Calling Stop again is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.debouncer.Stop()
	w.cancel()
	_ = w.fsWatcher.Close()
	w.mu.Unlock()

	w.wg.Wait()

	w.extractMu.Lock()
	if w.repo != nil {
		w.repo.Free()
		w.repo = nil
	}
	w.extractMu.Unlock()

	w.logger.Info("stopped watching repository")
}

// Running reports whether the watcher is between Start and Stop.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Baseline returns the newest commit already reported, or the zero hash.
func (w *Watcher) Baseline() gitlib.Hash {
	w.extractMu.Lock()
	defer w.extractMu.Unlock()
	return w.baseline
}

// eventLoop forwards reflog writes to the debouncer.
func (w *Watcher) eventLoop(ctx context.Context, fsWatcher *fsnotify.Watcher, d *debounce.Debouncer[string]) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "HEAD" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			d.Trigger(event.Name)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// settled runs on the debounce timer once HEAD has been quiet. Stop waits
// for it, so a batch is never sent after the watcher has stopped.
func (w *Watcher) settled(ctx context.Context) {
	w.mu.Lock()
	if !w.running || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.publishMu.Lock()
	defer w.publishMu.Unlock()

	commits, err := w.Extract()
	if errors.Is(err, ErrNotStarted) {
		return
	}
	if err != nil {
		w.logger.Error("commit extraction failed", "error", err)
		return
	}
	if len(commits) == 0 {
		return
	}

	w.publish(ctx, Batch{Project: w.project, Commits: commits})
}

// publish sends b, preferring the send over cancellation when the channel
// has room. It reports whether b was sent.
func (w *Watcher) publish(ctx context.Context, b Batch) bool {
	head := b.Commits[len(b.Commits)-1].SHA

	select {
	case w.out <- b:
		w.logger.Debug("published batch", "commits", len(b.Commits), "head", head)
		return true
	default:
	}

	select {
	case w.out <- b:
		w.logger.Debug("published batch", "commits", len(b.Commits), "head", head)
		return true
	case <-ctx.Done():
		w.logger.Warn("shutdown before batch was published", "commits", len(b.Commits), "head", head)
		return false
	}
}

// Extract lists commits newer than the baseline in chronological order and
// advances the baseline to the newest one. With no baseline it returns the
// most recent SnapshotSize commits.
func (w *Watcher) Extract() ([]payload.CommitData, error) {
	w.extractMu.Lock()
	defer w.extractMu.Unlock()

	if w.repo == nil {
		return nil, ErrNotStarted
	}

	if _, err := w.repo.Head(); err != nil {
		if errors.Is(err, gitlib.ErrNoCommits) {
			return nil, nil
		}
		return nil, err
	}

	commits, err := w.listNew()
	if err != nil {
		return nil, err
	}

	data := make([]payload.CommitData, 0, len(commits))
	for i := len(commits) - 1; i >= 0; i-- {
		if commits[i].Hash == w.baseline {
			continue
		}
		data = append(data, w.commitData(commits[i]))
	}

	if len(data) > 0 {
		w.baseline = commits[0].Hash
	}
	return data, nil
}

// listNew returns candidate commits, newest first. Caller holds extractMu.
func (w *Watcher) listNew() ([]gitlib.Commit, error) {
	if w.baseline.IsZero() {
		return w.repo.Recent(w.opts.SnapshotSize)
	}
	if !w.repo.HasCommit(w.baseline) {
		w.logger.Warn("baseline commit no longer exists, falling back to recent history",
			"baseline", w.baseline.Short(), "snapshot", w.opts.SnapshotSize)
		return w.repo.Recent(w.opts.SnapshotSize)
	}
	return w.repo.CommitsSince(w.baseline)
}

// commitData converts a commit, degrading to an empty file list when its
// statistics cannot be computed.
func (w *Watcher) commitData(c gitlib.Commit) payload.CommitData {
	cd := payload.CommitData{
		SHA:         c.Hash.String(),
		Message:     strings.TrimRight(c.Message, "\n"),
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		AuthorDate:  c.Author.When,
		Files:       []payload.CommitFile{},
	}

	stats, err := w.repo.FileStats(c.Hash)
	if errors.Is(err, gitlib.ErrNoParent) {
		return cd
	}
	if err != nil {
		xerr := &ExtractionError{SHA: cd.SHA, Err: err}
		w.logger.Warn("file statistics unavailable", "error", xerr)
		return cd
	}

	for _, s := range stats {
		cd.Files = append(cd.Files, payload.NewCommitFile(s.Path, s.Insertions, s.Deletions))
	}
	return cd
}
