// Package debounce coalesces bursts of triggers into a single trailing call.
//
// A Debouncer fires its function once the configured delay has passed with
// no further Trigger calls, using the argument of the last Trigger. The dedup
// variant also drops triggers whose key matches the last fired call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer is a trailing-edge coalescer for calls to fn.
type Debouncer[T any] struct {
	delay time.Duration
	fn    func(T)
	key   func(T) string

	mu         sync.Mutex
	timer      *time.Timer
	pending    T
	hasPending bool
	gen        uint64
	lastKey    string
	hasFired   bool
	stopped    bool
}

// New returns a debouncer that calls fn after delay of quiet.
func New[T any](delay time.Duration, fn func(T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fn: fn}
}

// NewDedup returns a debouncer that additionally drops a trigger whose key
// equals the key of the last fired call.
func NewDedup[T any](delay time.Duration, fn func(T), key func(T) string) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fn: fn, key: key}
}

// Trigger (re)starts the delay timer with arg as the pending argument.
func (d *Debouncer[T]) Trigger(arg T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.key != nil && d.hasFired && d.key(arg) == d.lastKey {
		return
	}

	d.pending = arg
	d.hasPending = true
	d.gen++
	gen := d.gen

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

// fire runs fn for the generation that armed the timer. A timer that lost a
// race with Trigger, Flush or Stop sees a newer generation and does nothing.
func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || !d.hasPending {
		d.mu.Unlock()
		return
	}
	arg := d.take()
	d.mu.Unlock()

	d.fn(arg)
}

// take clears the pending call and records its key. Caller holds mu.
func (d *Debouncer[T]) take() T {
	arg := d.pending
	var zero T
	d.pending = zero
	d.hasPending = false
	if d.key != nil {
		d.lastKey = d.key(arg)
		d.hasFired = true
	}
	return arg
}

// Flush fires a pending call immediately. It reports whether anything fired.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if d.stopped || !d.hasPending {
		d.mu.Unlock()
		return false
	}
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
	arg := d.take()
	d.mu.Unlock()

	d.fn(arg)
	return true
}

// Pending reports whether a call is waiting for its delay to elapse.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.gen++
	d.hasPending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
