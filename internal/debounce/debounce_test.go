package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 30 * time.Millisecond

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestBurstFiresOnceWithLastArgs(t *testing.T) {
	rec := &recorder{}
	d := New(testDelay, rec.record)

	for _, arg := range []string{"a", "b", "c", "d"} {
		d.Trigger(arg)
		time.Sleep(testDelay / 4)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testDelay)
	assert.Equal(t, []string{"d"}, rec.snapshot())
	assert.False(t, d.Pending())
}

func TestSeparatedTriggersFireSeparately(t *testing.T) {
	rec := &recorder{}
	d := New(testDelay, rec.record)

	d.Trigger("first")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	d.Trigger("second")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, rec.snapshot())
}

func TestDedupDropsRepeatedKey(t *testing.T) {
	rec := &recorder{}
	d := NewDedup(testDelay, rec.record, func(s string) string { return s })

	d.Trigger("same")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	d.Trigger("same")
	assert.False(t, d.Pending(), "identical key must be dropped before arming the timer")
	time.Sleep(3 * testDelay)
	assert.Equal(t, []string{"same"}, rec.snapshot())

	d.Trigger("other")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	d.Trigger("same")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"same", "other", "same"}, rec.snapshot())
}

func TestDedupDoesNotResetPendingTimer(t *testing.T) {
	rec := &recorder{}
	d := NewDedup(testDelay, rec.record, func(s string) string { return s })

	d.Trigger("x")
	require.True(t, d.Flush())

	d.Trigger("y")
	d.Trigger("x") // matches last fired key; must not replace the pending "y"

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x", "y"}, rec.snapshot())
}

func TestStopCancelsPending(t *testing.T) {
	rec := &recorder{}
	d := New(testDelay, rec.record)

	d.Trigger("never")
	d.Stop()
	d.Stop()
	d.Trigger("ignored")

	time.Sleep(3 * testDelay)
	assert.Empty(t, rec.snapshot())
	assert.False(t, d.Flush())
}

func TestFlush(t *testing.T) {
	rec := &recorder{}
	d := New(time.Hour, rec.record)

	assert.False(t, d.Flush())

	d.Trigger("now")
	assert.True(t, d.Pending())
	assert.True(t, d.Flush())
	assert.Equal(t, []string{"now"}, rec.snapshot())
	assert.False(t, d.Pending())
}
