// Package dispatcher fans batches from repository watchers into delivery,
// falling back to the retry queue, and drains that queue on a schedule.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"commitrelay/internal/delivery"
	"commitrelay/internal/journal"
	"commitrelay/internal/logging"
	"commitrelay/internal/metrics"
	"commitrelay/internal/payload"
	"commitrelay/internal/queue"
	"commitrelay/internal/watcher"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultBufferSize    = 64
	DefaultDrainInterval = 60 * time.Second
	DefaultSessionTTL    = 5 * time.Minute
	// DefaultInFlightTimeout bounds the delivery of a batch that was already
	// taken off the channel when shutdown began.
	DefaultInFlightTimeout = 30 * time.Second
)

// Batch results reported to metrics.
const (
	resultDelivered   = "delivered"
	resultQueued      = "queued"
	resultRedelivered = "redelivered"
)

var (
	// ErrServiceUnavailable is returned by DrainNow when the health gate
	// finds the collection service still unreachable.
	ErrServiceUnavailable = errors.New("dispatcher: collection service unavailable")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("dispatcher: already running")
)

// Deliverer is the subset of the delivery client the dispatcher uses.
type Deliverer interface {
	GetActiveSession(ctx context.Context, projectHint string) (*payload.Session, error)
	PushStats(ctx context.Context, p *payload.PushStatsPayload) (bool, error)
	HealthCheck(ctx context.Context) bool
	Health() delivery.Health
}

// Recorder persists delivery outcomes. The journal implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tunes a Dispatcher.
type Options struct {
	// BufferSize is the capacity of the watcher fan-in channel.
	BufferSize int
	// DrainInterval is the period of the background queue drain.
	DrainInterval time.Duration
	// SessionTTL is how long an active session lookup is reused.
	SessionTTL time.Duration
	// JournalRetention prunes older journal rows daily. Zero keeps everything.
	JournalRetention time.Duration
	// Watch is passed to every watcher.
	Watch watcher.Options
	// InFlightTimeout bounds a batch delivery once shutdown has started.
	InFlightTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.InFlightTimeout <= 0 {
		o.InFlightTimeout = DefaultInFlightTimeout
	}
	return o
}

// WatcherStatus describes one configured repository.
type WatcherStatus struct {
	Project  watcher.Project `json:"project"`
	Running  bool            `json:"running"`
	Baseline string          `json:"baseline,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Connection delivery.Health `json:"connection"`
	QueueDepth int             `json:"queue_depth"`
	Draining   bool            `json:"draining"`
	Watchers   []WatcherStatus `json:"watchers"`
}

type entry struct {
	watcher *watcher.Watcher
	project watcher.Project
	err     error
}

// Dispatcher owns the watchers and routes their batches.
type Dispatcher struct {
	client  Deliverer
	queue   *queue.Queue
	journal Recorder
	metrics *metrics.Metrics
	base    *logging.Logger
	logger  *logging.Logger
	opts    Options

	batches  chan watcher.Batch
	sessions *cache.Cache

	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	watchers map[string]*entry
	pending  []watcher.Project
}

// New creates a Dispatcher. j and m may be nil.
func New(client Deliverer, q *queue.Queue, j Recorder, m *metrics.Metrics, logger *logging.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	opts = opts.withDefaults()

	return &Dispatcher{
		client:   client,
		queue:    q,
		journal:  j,
		metrics:  m,
		base:     logger,
		logger:   logger.WithComponent("dispatcher"),
		opts:     opts,
		batches:  make(chan watcher.Batch, opts.BufferSize),
		sessions: cache.New(opts.SessionTTL, 2*opts.SessionTTL),
		watchers: make(map[string]*entry),
	}
}

// Run starts watchers for projects, the batch consumer and the drain
// schedule, and blocks until ctx is cancelled or Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context, projects []watcher.Project) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.runCtx = runCtx
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		close(d.done)
		d.mu.Unlock()
	}()
	defer cancel()

	if projects == nil {
		projects = d.pending
	}
	d.Reconcile(projects)

	scheduler, err := d.schedule(runCtx)
	if err != nil {
		d.stopWatchers()
		return err
	}
	scheduler.Start()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		d.consume(gctx)
		return nil
	})

	g.Go(func() error {
		// Deliver whatever survived the last run before the first tick.
		d.drainLogged(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		<-scheduler.Stop().Done()
		d.stopWatchers()
		return nil
	})

	d.logger.Info("dispatcher started",
		"projects", len(projects),
		"drain_interval", d.opts.DrainInterval.String(),
	)

	err = g.Wait()
	d.flushBuffered()
	d.logger.Info("dispatcher stopped")
	return err
}

// Shutdown stops the dispatcher and waits for Run to return. The batch in
// flight completes (delivered or queued) before Run returns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) schedule(ctx context.Context) (*cron.Cron, error) {
	clog := cronLogger{d.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.SkipIfStillRunning(clog)),
	)

	spec := "@every " + d.opts.DrainInterval.String()
	if _, err := c.AddFunc(spec, func() { d.drainLogged(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule drain %q: %w", spec, err)
	}

	if d.journal != nil && d.opts.JournalRetention > 0 {
		if _, err := c.AddFunc("@daily", func() { d.prune(ctx) }); err != nil {
			return nil, fmt.Errorf("schedule journal prune: %w", err)
		}
		d.prune(ctx)
	}

	return c, nil
}

// consume handles batches one at a time in arrival order.
func (d *Dispatcher) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-d.batches:
			d.handle(ctx, b)
		}
	}
}

// flushBuffered queues batches still sitting in the channel at shutdown so
// they are retried on the next start.
func (d *Dispatcher) flushBuffered() {
	for {
		select {
		case b := <-d.batches:
			p := d.buildPayload(b, nil)
			d.enqueue(context.Background(), p, "shutdown before delivery")
		default:
			return
		}
	}
}

// handle delivers one batch, queueing it when delivery fails.
func (d *Dispatcher) handle(ctx context.Context, b watcher.Batch) {
	if len(b.Commits) == 0 {
		return
	}
	d.metrics.CommitsSeen(b.Project.Name, len(b.Commits))

	// A batch taken off the channel is delivered or queued even when
	// shutdown starts meanwhile; only the timeout can cut it short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.InFlightTimeout)
	defer cancel()

	p := d.buildPayload(b, d.session(ctx, b.Project))

	ok, err := d.client.PushStats(ctx, p)
	if ok {
		d.metrics.BatchHandled(b.Project.Name, resultDelivered)
		d.record(ctx, journal.Entry{
			ProjectID:   p.ProjectID,
			ProjectName: p.ProjectName,
			CommitCount: len(p.Commits),
			HeadSHA:     p.HeadSHA(),
			Outcome:     journal.OutcomeDelivered,
		})
		d.logger.Info("commits delivered",
			"project", b.Project.Name,
			"commits", len(p.Commits),
			"head", p.HeadSHA(),
		)
		return
	}

	reason := queue.ErrNotAcknowledged.Error()
	if err != nil {
		reason = err.Error()
	}
	d.enqueue(ctx, p, reason)
}

func (d *Dispatcher) buildPayload(b watcher.Batch, s *payload.Session) *payload.PushStatsPayload {
	p := &payload.PushStatsPayload{
		ProjectID:   b.Project.ID,
		ProjectName: b.Project.Name,
		Commits:     b.Commits,
	}
	if s != nil {
		p.SessionID = s.ID
		if p.ProjectID == "" {
			p.ProjectID = s.ProjectID
		}
	}
	return p
}

func (d *Dispatcher) enqueue(ctx context.Context, p *payload.PushStatsPayload, reason string) {
	item, err := d.queue.Enqueue(p, reason)
	if err != nil && item.ID == "" {
		// Nothing was queued; the commits are only in this log line.
		d.logger.Error("failed to queue payload",
			"project", p.ProjectName,
			"commits", len(p.Commits),
			"head", p.HeadSHA(),
			"error", err,
		)
		if errors.Is(err, queue.ErrInvalidItem) {
			d.record(ctx, journal.Entry{
				ProjectID:   p.ProjectID,
				ProjectName: p.ProjectName,
				CommitCount: len(p.Commits),
				HeadSHA:     p.HeadSHA(),
				Outcome:     journal.OutcomeDropped,
				Detail:      err.Error(),
			})
		}
		return
	}

	d.metrics.BatchHandled(p.ProjectName, resultQueued)
	d.record(ctx, journal.Entry{
		ItemID:      item.ID,
		ProjectID:   p.ProjectID,
		ProjectName: p.ProjectName,
		CommitCount: len(p.Commits),
		HeadSHA:     p.HeadSHA(),
		Outcome:     journal.OutcomeQueued,
		Detail:      reason,
	})
}

// session looks up the active session for a project, caching the answer
// (including "no session"). Lookup failures are logged and not cached.
func (d *Dispatcher) session(ctx context.Context, project watcher.Project) *payload.Session {
	key := project.ID
	if key == "" {
		key = "path:" + project.Path
	}

	if v, ok := d.sessions.Get(key); ok {
		s, _ := v.(*payload.Session)
		return s
	}

	s, err := d.client.GetActiveSession(ctx, project.ID)
	if err != nil {
		d.logger.Warn("active session lookup failed", "project", project.Name, "error", err)
		return nil
	}

	d.sessions.SetDefault(key, s)
	return s
}

// DrainNow runs one queue drain pass behind the health gate and returns the
// number of delivered items.
func (d *Dispatcher) DrainNow(ctx context.Context) (int, error) {
	if d.queue.Len() == 0 {
		return 0, nil
	}

	if d.client.Health().State == delivery.StateDisconnected {
		if !d.client.HealthCheck(ctx) {
			return 0, ErrServiceUnavailable
		}
		d.logger.Info("collection service reachable again")
	}

	return d.queue.Process(ctx, d.redeliver)
}

func (d *Dispatcher) drainLogged(ctx context.Context) {
	n, err := d.DrainNow(ctx)
	switch {
	case errors.Is(err, ErrServiceUnavailable):
		d.logger.Debug("skipping queue drain, service still unavailable", "depth", d.queue.Len())
	case errors.Is(err, queue.ErrBusy), errors.Is(err, context.Canceled):
	case err != nil:
		d.logger.Warn("queue drain stopped", "delivered", n, "remaining", d.queue.Len(), "error", err)
	case n > 0:
		d.logger.Info("queue drain complete", "delivered", n)
	}
}

func (d *Dispatcher) redeliver(ctx context.Context, p *payload.PushStatsPayload) (bool, error) {
	ok, err := d.client.PushStats(ctx, p)
	if ok {
		d.metrics.BatchHandled(p.ProjectName, resultRedelivered)
		d.record(ctx, journal.Entry{
			ProjectID:   p.ProjectID,
			ProjectName: p.ProjectName,
			CommitCount: len(p.Commits),
			HeadSHA:     p.HeadSHA(),
			Outcome:     journal.OutcomeDelivered,
			Detail:      "from retry queue",
		})
	}
	return ok, err
}

func (d *Dispatcher) prune(ctx context.Context) {
	cutoff := time.Now().Add(-d.opts.JournalRetention)
	n, err := d.journal.Prune(ctx, cutoff)
	if err != nil {
		d.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("journal pruned", "rows", n)
	}
}

func (d *Dispatcher) record(ctx context.Context, e journal.Entry) {
	if d.journal == nil {
		return
	}
	// Journal writes must not be lost to a shutdown in progress.
	if err := d.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Warn("journal write failed", "outcome", string(e.Outcome), "error", err)
	}
}

// Reconcile makes the running watchers match projects: new projects are
// started, removed ones stopped and changed ones restarted. A project whose
// repository cannot be opened is reported in Status and retried on the next
// Reconcile. Before Run the list is kept and applied when Run starts.
func (d *Dispatcher) Reconcile(projects []watcher.Project) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		d.pending = append([]watcher.Project(nil), projects...)
		return
	}

	want := make(map[string]watcher.Project, len(projects))
	for _, p := range projects {
		want[projectKey(p)] = p
	}

	for key, e := range d.watchers {
		p, keep := want[key]
		if keep && p == e.project && e.err == nil {
			continue
		}
		if e.watcher != nil {
			e.watcher.Stop()
		}
		delete(d.watchers, key)
		if !keep {
			d.logger.Info("stopped watching repository", "project", e.project.Name, "path", e.project.Path)
		}
	}

	for key, p := range want {
		if _, ok := d.watchers[key]; ok {
			continue
		}
		w := watcher.New(p, d.opts.Watch, d.batches, d.base)
		if err := w.Start(d.runCtx); err != nil {
			d.logger.Error("failed to watch repository", "project", p.Name, "path", p.Path, "error", err)
			d.watchers[key] = &entry{project: p, err: err}
			continue
		}
		d.watchers[key] = &entry{watcher: w, project: p}
		d.logger.Info("watching repository", "project", p.Name, "path", p.Path)
	}

	d.metrics.SetWatchers(d.activeLocked())
}

func projectKey(p watcher.Project) string {
	return filepath.Clean(p.Path)
}

func (d *Dispatcher) stopWatchers() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, e := range d.watchers {
		if e.watcher != nil {
			e.watcher.Stop()
		}
		delete(d.watchers, key)
	}
	d.metrics.SetWatchers(0)
}

func (d *Dispatcher) activeLocked() int {
	n := 0
	for _, e := range d.watchers {
		if e.watcher != nil && e.watcher.Running() {
			n++
		}
	}
	return n
}

// WatcherCounts returns the number of running and configured watchers.
func (d *Dispatcher) WatcherCounts() (running, configured int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return 0, len(d.pending)
	}
	return d.activeLocked(), len(d.watchers)
}

// Status returns a snapshot of the pipeline.
func (d *Dispatcher) Status() Status {
	s := Status{
		Connection: d.client.Health(),
		QueueDepth: d.queue.Len(),
		Draining:   d.queue.Processing(),
	}

	d.mu.Lock()
	for _, e := range d.watchers {
		ws := WatcherStatus{Project: e.project}
		if e.err != nil {
			ws.Error = e.err.Error()
		}
		if e.watcher != nil {
			ws.Running = e.watcher.Running()
			if b := e.watcher.Baseline(); !b.IsZero() {
				ws.Baseline = b.String()
			}
		}
		s.Watchers = append(s.Watchers, ws)
	}
	d.mu.Unlock()

	sort.Slice(s.Watchers, func(i, j int) bool {
		return s.Watchers[i].Project.Path < s.Watchers[j].Project.Path
	})
	return s
}

// Queue returns the retry queue.
func (d *Dispatcher) Queue() *queue.Queue {
	return d.queue
}

// cronLogger routes scheduler messages through the relay logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
