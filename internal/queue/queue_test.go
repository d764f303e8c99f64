package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commitrelay/internal/payload"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type evictionLog struct {
	mu      sync.Mutex
	reasons map[string]EvictionReason
}

func (l *evictionLog) Evicted(item Item, reason EvictionReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reasons == nil {
		l.reasons = make(map[string]EvictionReason)
	}
	l.reasons[item.Payload.ProjectName] = reason
}

func (l *evictionLog) get(name string) EvictionReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reasons[name]
}

func testPayload(name string) *payload.PushStatsPayload {
	return &payload.PushStatsPayload{
		ProjectName: name,
		Commits: []payload.CommitData{{
			SHA:        "0123456789abcdef0123456789abcdef01234567",
			Message:    "commit in " + name,
			AuthorDate: time.Date(2026, 3, 30, 10, 0, 0, 0, time.UTC),
			Files:      []payload.CommitFile{payload.NewCommitFile("main.go", 4, 1)},
		}},
	}
}

func newFileQueue(t *testing.T, dir string, opts Options) *Queue {
	t.Helper()
	store, err := NewFileStore(filepath.Join(dir, FileName), nil)
	require.NoError(t, err)
	q, err := New(store, opts)
	require.NoError(t, err)
	return q
}

func names(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Payload.ProjectName)
	}
	return out
}

func TestEnqueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()

	q := newFileQueue(t, dir, Options{Now: clk.Now})
	item, err := q.Enqueue(testPayload("alpha"), "server error 503")
	require.NoError(t, err)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "server error 503", item.Error)
	assert.Equal(t, clk.Now(), item.CreatedAt)

	reloaded := newFileQueue(t, dir, Options{Now: clk.Now})
	items := reloaded.Items()
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, *testPayload("alpha"), items[0].Payload)
	assert.True(t, item.CreatedAt.Equal(items[0].CreatedAt))
}

func TestEmptyPayloadDoesNotSpoilQueueFile(t *testing.T) {
	dir := t.TempDir()

	q := newFileQueue(t, dir, Options{})
	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(testPayload(name), "down")
		require.NoError(t, err)
	}
	_, err := q.Enqueue(&payload.PushStatsPayload{ProjectName: "empty"}, "down")
	require.NoError(t, err)

	p := testPayload("nofiles")
	p.Commits[0].Files = nil
	_, err = q.Enqueue(p, "down")
	require.NoError(t, err)

	reloaded := newFileQueue(t, dir, Options{})
	assert.Equal(t, []string{"a", "b", "c", "empty", "nofiles"}, names(reloaded.Items()))
	assert.NotNil(t, reloaded.Items()[3].Payload.Commits)

	matches, err := filepath.Glob(filepath.Join(dir, FileName) + ".corrupt-*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEnqueueRejectsItemsTheFileCannotHold(t *testing.T) {
	dir := t.TempDir()

	q := newFileQueue(t, dir, Options{})
	_, err := q.Enqueue(testPayload("good"), "down")
	require.NoError(t, err)

	bad := testPayload("bad")
	bad.Commits[0].SHA = ""
	_, err = q.Enqueue(bad, "down")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidItem))
	assert.Equal(t, 1, q.Len())

	assert.Equal(t, []string{"good"}, names(newFileQueue(t, dir, Options{}).Items()))
}

func TestIDsAreUniqueAndOrdered(t *testing.T) {
	q := newFileQueue(t, t.TempDir(), Options{})

	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 50; i++ {
		item, err := q.Enqueue(testPayload(fmt.Sprint(i)), "x")
		require.NoError(t, err)
		assert.False(t, seen[item.ID])
		seen[item.ID] = true
		assert.Greater(t, item.ID, prev)
		prev = item.ID
	}
}

func TestCountBoundKeepsNewest(t *testing.T) {
	evicted := &evictionLog{}
	q := newFileQueue(t, t.TempDir(), Options{MaxItems: 3, Observer: evicted})

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(testPayload(name), "down")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"c", "d", "e"}, names(q.Items()))
	assert.Equal(t, EvictedSize, evicted.get("a"))
	assert.Equal(t, EvictedSize, evicted.get("b"))
}

func TestAgeBoundOnLoadAndEnqueue(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()

	q := newFileQueue(t, dir, Options{Now: clk.Now})
	_, err := q.Enqueue(testPayload("old"), "down")
	require.NoError(t, err)

	clk.Advance(6 * 24 * time.Hour)
	_, err = q.Enqueue(testPayload("recent"), "down")
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	evicted := &evictionLog{}
	reloaded := newFileQueue(t, dir, Options{Now: clk.Now, Observer: evicted})
	assert.Equal(t, []string{"recent"}, names(reloaded.Items()))
	assert.Equal(t, EvictedAge, evicted.get("old"))

	again := newFileQueue(t, dir, Options{Now: clk.Now})
	assert.Equal(t, 1, again.Len(), "eviction on load is persisted")
}

func TestProcessDeliversOldestFirst(t *testing.T) {
	dir := t.TempDir()
	q := newFileQueue(t, dir, Options{})
	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(testPayload(name), "down")
		require.NoError(t, err)
	}

	var order []string
	n, err := q.Process(context.Background(), func(_ context.Context, p *payload.PushStatsPayload) (bool, error) {
		order = append(order, p.ProjectName)
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Zero(t, q.Len())
	assert.Zero(t, newFileQueue(t, dir, Options{}).Len())
}

func TestProcessStopsAtFirstFailure(t *testing.T) {
	clk := newClock()
	q := newFileQueue(t, t.TempDir(), Options{Now: clk.Now})
	for _, name := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(testPayload(name), "down")
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)

	var calls []string
	n, err := q.Process(context.Background(), func(_ context.Context, p *payload.PushStatsPayload) (bool, error) {
		calls = append(calls, p.ProjectName)
		if p.ProjectName == "b" {
			return false, errors.New("503")
		}
		return true, nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a", "b"}, calls)

	items := q.Items()
	assert.Equal(t, []string{"b", "c"}, names(items))
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, "503", items[0].Error)
	require.NotNil(t, items[0].LastAttemptAt)
	assert.Equal(t, clk.Now(), *items[0].LastAttemptAt)
	assert.Equal(t, 1, items[1].Attempts, "items after the failure are untouched")
	assert.Nil(t, items[1].LastAttemptAt)
}

func TestProcessTreatsFalseAndPanicAsFailure(t *testing.T) {
	q := newFileQueue(t, t.TempDir(), Options{})
	_, err := q.Enqueue(testPayload("a"), "down")
	require.NoError(t, err)

	n, err := q.Process(context.Background(), func(context.Context, *payload.PushStatsPayload) (bool, error) {
		return false, nil
	})
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrNotAcknowledged)

	n, err = q.Process(context.Background(), func(context.Context, *payload.PushStatsPayload) (bool, error) {
		panic("transport exploded")
	})
	assert.Zero(t, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport exploded")

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Attempts)
	assert.False(t, q.Processing())
}

func TestProcessEmptyQueue(t *testing.T) {
	q := newFileQueue(t, t.TempDir(), Options{})
	n, err := q.Process(context.Background(), func(context.Context, *payload.PushStatsPayload) (bool, error) {
		t.Fatal("push called on empty queue")
		return false, nil
	})
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessIsSingleFlight(t *testing.T) {
	q := newFileQueue(t, t.TempDir(), Options{})
	_, err := q.Enqueue(testPayload("a"), "down")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int)

	go func() {
		n, _ := q.Process(context.Background(), func(context.Context, *payload.PushStatsPayload) (bool, error) {
			close(entered)
			<-release
			return true, nil
		})
		done <- n
	}()

	<-entered
	assert.True(t, q.Processing())
	n, err := q.Process(context.Background(), func(context.Context, *payload.PushStatsPayload) (bool, error) {
		t.Error("second pass must not push")
		return true, nil
	})
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	assert.Equal(t, 1, <-done)
	assert.Zero(t, q.Len())
}

func TestPoisonItemsAreDropped(t *testing.T) {
	evicted := &evictionLog{}
	q := newFileQueue(t, t.TempDir(), Options{MaxAttempts: 3, Observer: evicted})
	_, err := q.Enqueue(testPayload("poison"), "bad")
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload("fine"), "down")
	require.NoError(t, err)

	fail := func(_ context.Context, p *payload.PushStatsPayload) (bool, error) {
		if p.ProjectName == "poison" {
			return false, errors.New("422")
		}
		return true, nil
	}

	_, err = q.Process(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, 2, q.Len())

	_, err = q.Process(context.Background(), fail)
	require.Error(t, err)
	assert.Equal(t, []string{"fine"}, names(q.Items()))
	assert.Equal(t, DroppedPoison, evicted.get("poison"))

	n, err := q.Process(context.Background(), fail)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCorruptFileIsMovedAside(t *testing.T) {
	for name, content := range map[string]string{
		"malformed": "{not json",
		"schema":    `[{"id": "x", "attempts": 0, "created_at": "2026-01-01T00:00:00Z", "payload": {"commits": []}}]`,
		"wrongtype": `{"id": "x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, FileName)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			q := newFileQueue(t, dir, Options{})
			assert.Zero(t, q.Len())

			matches, err := filepath.Glob(path + ".corrupt-*")
			require.NoError(t, err)
			require.Len(t, matches, 1)
			kept, err := os.ReadFile(matches[0])
			require.NoError(t, err)
			assert.Equal(t, content, string(kept))

			_, err = q.Enqueue(testPayload("after"), "down")
			require.NoError(t, err)
			assert.Equal(t, 1, newFileQueue(t, dir, Options{}).Len())
		})
	}
}

func TestRemoveAndPurge(t *testing.T) {
	evicted := &evictionLog{}
	q := newFileQueue(t, t.TempDir(), Options{Observer: evicted})
	a, err := q.Enqueue(testPayload("a"), "down")
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload("b"), "down")
	require.NoError(t, err)
	_, err = q.Enqueue(testPayload("c"), "down")
	require.NoError(t, err)

	ok, err := q.Remove(a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Purged, evicted.get("a"))

	ok, err = q.Remove("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, q.Len())
}

type failingStore struct{}

func (failingStore) Load() ([]Item, error) { return nil, nil }
func (failingStore) Save([]Item) error {
	return &LocalStorageError{Op: "write", Path: "/nowhere", Err: os.ErrPermission}
}

func TestPersistFailureKeepsItemInMemory(t *testing.T) {
	q, err := New(failingStore{}, Options{})
	require.NoError(t, err)

	item, err := q.Enqueue(testPayload("a"), "down")
	var lse *LocalStorageError
	require.True(t, errors.As(err, &lse))
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, q.Len())
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	q := newFileQueue(t, dir, Options{})
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(testPayload(fmt.Sprint(i)), "down")
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}
