package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitrelay/internal/delivery"
	"commitrelay/internal/gitlib/gittest"
	"commitrelay/internal/journal"
	"commitrelay/internal/metrics"
	"commitrelay/internal/payload"
	"commitrelay/internal/queue"
	"commitrelay/internal/watcher"
)

type fakeClient struct {
	mu          sync.Mutex
	pushOK      bool
	pushErr     error
	pushes      []*payload.PushStatsPayload
	session     *payload.Session
	sessionErr  error
	lookups     int
	health      delivery.Health
	healthy     bool
	healthCalls int
}

func (f *fakeClient) GetActiveSession(context.Context, string) (*payload.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.session, f.sessionErr
}

func (f *fakeClient) PushStats(_ context.Context, p *payload.PushStatsPayload) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, p)
	return f.pushOK, f.pushErr
}

func (f *fakeClient) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if f.healthy {
		f.health = delivery.RecordSuccess(f.health, time.Now())
	}
	return f.healthy
}

func (f *fakeClient) Health() delivery.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeClient) set(fn func(*fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *memRecorder) Record(_ context.Context, e journal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *memRecorder) outcomes() []journal.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []journal.Outcome
	for _, e := range r.entries {
		out = append(out, e.Outcome)
	}
	return out
}

func newQueue(t *testing.T, opts queue.Options) *queue.Queue {
	t.Helper()
	store, err := queue.NewFileStore(filepath.Join(t.TempDir(), queue.FileName), nil)
	require.NoError(t, err)
	q, err := queue.New(store, opts)
	require.NoError(t, err)
	return q
}

func batch(name string, shas ...string) watcher.Batch {
	b := watcher.Batch{Project: watcher.Project{ID: "id-" + name, Name: name, Path: "/src/" + name}}
	for _, sha := range shas {
		b.Commits = append(b.Commits, payload.CommitData{SHA: sha, Message: "m", Files: []payload.CommitFile{}})
	}
	return b
}

func TestHandleDelivers(t *testing.T) {
	client := &fakeClient{pushOK: true, session: &payload.Session{ID: "s-1", ProjectID: "remote"}}
	rec := &memRecorder{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, rec, metrics.New(), nil, Options{})

	d.handle(context.Background(), batch("api", "a1", "a2"))
	d.handle(context.Background(), batch("api", "a3"))

	require.Equal(t, 2, client.pushCount())
	p := client.pushes[0]
	assert.Equal(t, "id-api", p.ProjectID)
	assert.Equal(t, "api", p.ProjectName)
	assert.Equal(t, "s-1", p.SessionID)
	assert.Equal(t, "a2", p.HeadSHA())

	assert.Equal(t, 1, client.lookups, "session lookups are cached per project")
	assert.Zero(t, q.Len())
	assert.Equal(t, []journal.Outcome{journal.OutcomeDelivered, journal.OutcomeDelivered}, rec.outcomes())
}

func TestHandleSkipsEmptyBatch(t *testing.T) {
	client := &fakeClient{pushOK: true}
	d := New(client, newQueue(t, queue.Options{}), nil, nil, nil, Options{})

	d.handle(context.Background(), batch("api"))
	assert.Zero(t, client.pushCount())
}

func TestHandleQueuesOnFailure(t *testing.T) {
	client := &fakeClient{pushErr: errors.New("push-stats after 6 attempts: boom")}
	rec := &memRecorder{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, rec, nil, nil, Options{})

	d.handle(context.Background(), batch("web", "w1"))

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "push-stats after 6 attempts: boom", items[0].Error)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "w1", items[0].Payload.HeadSHA())

	require.Len(t, rec.entries, 1)
	assert.Equal(t, journal.OutcomeQueued, rec.entries[0].Outcome)
	assert.Equal(t, items[0].ID, rec.entries[0].ItemID)
}

func TestHandleQueuesNegativeAcknowledgement(t *testing.T) {
	client := &fakeClient{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, nil, nil, nil, Options{})

	d.handle(context.Background(), batch("web", "w1"))

	require.Equal(t, 1, q.Len())
	assert.Equal(t, queue.ErrNotAcknowledged.Error(), q.Items()[0].Error)
}

func TestSessionLookupFailureIsNotCached(t *testing.T) {
	client := &fakeClient{pushOK: true, sessionErr: errors.New("unreachable")}
	d := New(client, newQueue(t, queue.Options{}), nil, nil, nil, Options{})

	d.handle(context.Background(), batch("api", "a1"))
	client.set(func(f *fakeClient) {
		f.sessionErr = nil
		f.session = &payload.Session{ID: "s-2"}
	})
	d.handle(context.Background(), batch("api", "a2"))

	assert.Equal(t, 2, client.lookups)
	assert.Empty(t, client.pushes[0].SessionID)
	assert.Equal(t, "s-2", client.pushes[1].SessionID)
}

func TestDrainHealthGate(t *testing.T) {
	client := &fakeClient{health: delivery.Health{State: delivery.StateDisconnected, ConsecutiveFailures: 3}}
	rec := &memRecorder{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, rec, nil, nil, Options{})

	n, err := d.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, client.healthCalls, "empty queue skips the gate")

	_, err = q.Enqueue(&payload.PushStatsPayload{ProjectName: "api", Commits: []payload.CommitData{{SHA: "x"}}}, "offline")
	require.NoError(t, err)

	n, err = d.DrainNow(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Zero(t, n)
	assert.Equal(t, 1, client.healthCalls)
	assert.Zero(t, client.pushCount(), "no push while the service is down")

	client.set(func(f *fakeClient) {
		f.healthy = true
		f.pushOK = true
	})

	n, err = d.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.Len())
	assert.Equal(t, []journal.Outcome{journal.OutcomeDelivered}, rec.outcomes())
}

func TestFlushBufferedQueuesPendingBatches(t *testing.T) {
	client := &fakeClient{pushOK: true}
	q := newQueue(t, queue.Options{})
	d := New(client, q, nil, nil, nil, Options{})

	d.batches <- batch("api", "a1")
	d.batches <- batch("web", "w1")
	d.flushBuffered()

	assert.Zero(t, client.pushCount())
	require.Equal(t, 2, q.Len())
	assert.Equal(t, "shutdown before delivery", q.Items()[0].Error)
}

func TestJournalEvictions(t *testing.T) {
	rec := &memRecorder{}
	obs := JournalEvictions(rec, nil)

	item := queue.Item{
		ID:      "0192",
		Payload: payload.PushStatsPayload{ProjectName: "api", Commits: []payload.CommitData{{SHA: "h"}}},
		Error:   "503",
	}
	obs.Evicted(item, queue.DroppedPoison)
	obs.Evicted(item, queue.EvictedAge)

	require.Len(t, rec.entries, 2)
	assert.Equal(t, journal.OutcomeDropped, rec.entries[0].Outcome)
	assert.Equal(t, journal.OutcomeEvicted, rec.entries[1].Outcome)
	assert.Equal(t, "age: 503", rec.entries[1].Detail)
	assert.Equal(t, "h", rec.entries[1].HeadSHA)
}

// A 503 on every attempt queues the batch; once the service recovers a
// drain delivers exactly that one item.
func TestUnavailableServiceThenDrain(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	var pushes atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/sessions/current":
			w.WriteHeader(http.StatusNotFound)
		case "/api/git/push-stats":
			pushes.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"data":{"commits_created":1,"commits_skipped":0}}`))
		}
	}))
	defer srv.Close()

	client := delivery.New(delivery.Config{
		Endpoint: srv.URL,
		Timeout:  time.Second,
		Retry: delivery.RetryPolicy{
			MaxRetries: 5,
			BaseDelay:  time.Millisecond,
			MaxDelay:   4 * time.Millisecond,
			Multiplier: 2,
		},
	}, nil, nil)

	rec := &memRecorder{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, rec, nil, nil, Options{})

	d.handle(context.Background(), batch("api", "c1"))

	require.Equal(t, 1, q.Len())
	assert.Equal(t, delivery.StateDisconnected, client.Health().State)

	down.Store(false)

	n, err := d.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, q.Len())
	assert.Equal(t, int32(1), pushes.Load())
	assert.Equal(t, delivery.StateConnected, client.Health().State)
	assert.Equal(t, []journal.Outcome{journal.OutcomeQueued, journal.OutcomeDelivered}, rec.outcomes())
}

func TestRunDeliversNewCommits(t *testing.T) {
	repo := gittest.New(t)
	repo.WriteFile("README.md", "hello\n")
	repo.Commit("initial")

	client := &fakeClient{pushOK: true}
	rec := &memRecorder{}
	d := New(client, newQueue(t, queue.Options{}), rec, nil, nil, Options{
		DrainInterval: time.Hour,
		Watch:         watcher.Options{Debounce: 20 * time.Millisecond},
	})

	project := watcher.Project{ID: "p", Name: "readme", Path: repo.Path}
	missing := watcher.Project{ID: "q", Name: "missing", Path: filepath.Join(t.TempDir(), "nope")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx, []watcher.Project{project, missing}) }()

	require.Eventually(t, func() bool {
		running, configured := d.WatcherCounts()
		return running == 1 && configured == 2
	}, 5*time.Second, 10*time.Millisecond)

	st := d.Status()
	require.Len(t, st.Watchers, 2)
	for _, w := range st.Watchers {
		if w.Project.Name == "missing" {
			assert.False(t, w.Running)
			assert.NotEmpty(t, w.Error)
		} else {
			assert.True(t, w.Running)
			assert.Equal(t, repo.Head().String(), w.Baseline)
		}
	}

	repo.WriteFile("README.md", "hello\nworld\n")
	second := repo.Commit("second")

	require.Eventually(t, func() bool { return client.pushCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	client.mu.Lock()
	p := client.pushes[0]
	client.mu.Unlock()
	require.Len(t, p.Commits, 1)
	assert.Equal(t, second.String(), p.Commits[0].SHA)
	assert.Equal(t, "readme", p.ProjectName)

	// Dropping the missing project and keeping the other leaves one watcher.
	d.Reconcile([]watcher.Project{project})
	running, configured := d.WatcherCounts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, configured)

	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, <-runErr)

	running, _ = d.WatcherCounts()
	assert.Zero(t, running)
	assert.NoError(t, d.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestRunTwice(t *testing.T) {
	d := New(&fakeClient{}, newQueue(t, queue.Options{}), nil, nil, nil, Options{DrainInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, nil) }()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.running
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, d.Run(ctx, nil), ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
}

type blockingClient struct {
	*fakeClient
	started chan struct{}
	release chan struct{}
	ctxErr  atomic.Value
}

func (b *blockingClient) PushStats(ctx context.Context, p *payload.PushStatsPayload) (bool, error) {
	close(b.started)
	<-b.release
	b.ctxErr.Store(fmt.Sprint(ctx.Err()))
	return b.fakeClient.PushStats(ctx, p)
}

func TestShutdownLetsInFlightBatchFinish(t *testing.T) {
	client := &blockingClient{
		fakeClient: &fakeClient{pushOK: true},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	rec := &memRecorder{}
	d := New(client, newQueue(t, queue.Options{}), rec, nil, nil, Options{DrainInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, []watcher.Project{}) }()

	d.batches <- batch("api", "a1")
	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("push never started")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(client.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.Equal(t, "<nil>", client.ctxErr.Load())
	assert.Equal(t, []journal.Outcome{journal.OutcomeDelivered}, rec.outcomes())
}

func TestUnqueueableBatchIsJournalledAsDropped(t *testing.T) {
	client := &fakeClient{pushErr: errors.New("503")}
	rec := &memRecorder{}
	q := newQueue(t, queue.Options{})
	d := New(client, q, rec, nil, nil, Options{})

	d.handle(context.Background(), batch("api", ""))

	assert.Zero(t, q.Len())
	assert.Equal(t, []journal.Outcome{journal.OutcomeDropped}, rec.outcomes())
}
