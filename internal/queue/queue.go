// Package queue is the durable retry queue for payloads the collection
// service did not accept.
//
// The queue is an ordered list persisted as a whole on every mutation. It is
// bounded by age and by count, and drained oldest first; a drain pass stops at
// the first failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"commitrelay/internal/logging"
	"commitrelay/internal/metrics"
	"commitrelay/internal/payload"
)

// Defaults applied when Options leaves a field at zero.
const (
	DefaultMaxItems = 100
	DefaultMaxAge   = 7 * 24 * time.Hour
)

var (
	// ErrBusy is returned by Process while another pass is running.
	ErrBusy = errors.New("queue: drain already in progress")
	// ErrNotAcknowledged is recorded when a push reports false without an error.
	ErrNotAcknowledged = errors.New("push not acknowledged")
	// ErrInvalidItem is returned by Enqueue for a payload the store cannot persist.
	ErrInvalidItem = errors.New("queue: invalid item")
)

// Item is one queued payload.
type Item struct {
	ID            string                   `json:"id"`
	Payload       payload.PushStatsPayload `json:"payload"`
	Attempts      int                      `json:"attempts"`
	CreatedAt     time.Time                `json:"created_at"`
	LastAttemptAt *time.Time               `json:"last_attempt_at,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// EvictionReason says why an item left the queue without being delivered.
type EvictionReason string

// Eviction reasons.
const (
	EvictedAge    EvictionReason = "age"
	EvictedSize   EvictionReason = "size"
	DroppedPoison EvictionReason = "poison"
	Purged        EvictionReason = "purged"
)

// EvictionObserver is told about every item discarded without delivery.
type EvictionObserver interface {
	Evicted(item Item, reason EvictionReason)
}

// EvictionFunc adapts a function to EvictionObserver.
type EvictionFunc func(item Item, reason EvictionReason)

// Evicted calls f.
func (f EvictionFunc) Evicted(item Item, reason EvictionReason) {
	f(item, reason)
}

// PushFunc delivers one payload.
type PushFunc func(ctx context.Context, p *payload.PushStatsPayload) (bool, error)

// Options configures a Queue.
type Options struct {
	MaxItems int
	MaxAge   time.Duration
	// MaxAttempts drops an item once it has failed this many times.
	// Zero keeps items until they age out.
	MaxAttempts int
	Observer    EvictionObserver
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxItems <= 0 {
		o.MaxItems = DefaultMaxItems
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type eviction struct {
	item   Item
	reason EvictionReason
}

// Queue holds payloads waiting for redelivery.
type Queue struct {
	store  Store
	opts   Options
	logger *logging.Logger

	mu    sync.Mutex
	items []Item

	processing atomic.Bool
}

// New loads the queue from store and applies the age and size bounds.
func New(store Store, opts Options) (*Queue, error) {
	opts = opts.withDefaults()

	items, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	q := &Queue{
		store:  store,
		opts:   opts,
		logger: opts.Logger.WithComponent("queue"),
		items:  items,
	}

	q.mu.Lock()
	evicted := q.cleanupLocked()
	var saveErr error
	if len(evicted) > 0 {
		saveErr = q.persistLocked()
	}
	n := len(q.items)
	q.mu.Unlock()

	q.notify(evicted)
	q.opts.Metrics.SetQueueDepth(n)
	if saveErr != nil {
		q.logger.Error("failed to persist queue after cleanup", "error", saveErr)
	}
	if n > 0 {
		q.logger.Info("loaded retry queue", "items", n)
	}
	return q, nil
}

// Enqueue appends p with the failure that sent it here. The item stays in
// memory even if it cannot be persisted; the returned error reports that.
func (q *Queue) Enqueue(p *payload.PushStatsPayload, reason string) (Item, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, fmt.Errorf("generate queue id: %w", err)
	}

	item := Item{
		ID:        id.String(),
		Payload:   p.Normalized(),
		Attempts:  1,
		CreatedAt: q.opts.Now().UTC(),
		Error:     reason,
	}
	if c, ok := q.store.(itemChecker); ok {
		if err := c.Check(item); err != nil {
			return Item{}, fmt.Errorf("%w: %w", ErrInvalidItem, err)
		}
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	evicted := q.cleanupLocked()
	saveErr := q.persistLocked()
	n := len(q.items)
	q.mu.Unlock()

	q.notify(evicted)
	q.opts.Metrics.SetQueueDepth(n)

	q.logger.Info("payload queued for retry",
		"id", item.ID,
		"project", p.ProjectName,
		"commits", len(p.Commits),
		"reason", reason,
		"depth", n,
	)
	if saveErr != nil {
		q.logger.Error("failed to persist queue", "error", saveErr)
		return item, saveErr
	}
	return item, nil
}

// Process tries to deliver queued items oldest first and returns how many
// were delivered. The pass stops at the first failure, leaving later items
// for the next pass. A concurrent call returns ErrBusy immediately.
func (q *Queue) Process(ctx context.Context, push PushFunc) (int, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer q.processing.Store(false)

	snapshot := q.Items()
	if len(snapshot) == 0 {
		return 0, nil
	}

	delivered := 0
	for i := range snapshot {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		item := &snapshot[i]
		ok, err := safePush(ctx, push, &item.Payload)
		if ok && err == nil {
			q.delivered(item.ID)
			delivered++
			continue
		}
		if err == nil {
			err = ErrNotAcknowledged
		}

		q.failed(item.ID, err)
		q.opts.Metrics.Drained(delivered)
		return delivered, fmt.Errorf("deliver %s: %w", item.ID, err)
	}

	q.opts.Metrics.Drained(delivered)
	q.logger.Info("retry queue drained", "delivered", delivered)
	return delivered, nil
}

// Processing reports whether a drain pass is running.
func (q *Queue) Processing() bool {
	return q.processing.Load()
}

func safePush(ctx context.Context, push PushFunc, p *payload.PushStatsPayload) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("push panicked: %v", r)
		}
	}()
	return push(ctx, p)
}

// delivered removes a successfully pushed item.
func (q *Queue) delivered(id string) {
	q.mu.Lock()
	q.removeLocked(id)
	saveErr := q.persistLocked()
	n := len(q.items)
	q.mu.Unlock()

	q.opts.Metrics.SetQueueDepth(n)
	if saveErr != nil {
		q.logger.Error("failed to persist queue", "error", saveErr)
	}
}

// failed records a failed attempt and applies the poison policy.
func (q *Queue) failed(id string, cause error) {
	now := q.opts.Now().UTC()

	q.mu.Lock()
	var evicted []eviction
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		q.items[i].Attempts++
		q.items[i].LastAttemptAt = &now
		q.items[i].Error = cause.Error()

		if q.opts.MaxAttempts > 0 && q.items[i].Attempts >= q.opts.MaxAttempts {
			evicted = append(evicted, eviction{item: q.items[i], reason: DroppedPoison})
			q.items = append(q.items[:i], q.items[i+1:]...)
		}
		break
	}
	saveErr := q.persistLocked()
	n := len(q.items)
	q.mu.Unlock()

	q.notify(evicted)
	q.opts.Metrics.SetQueueDepth(n)
	q.logger.Warn("queued payload delivery failed", "id", id, "error", cause)
	if saveErr != nil {
		q.logger.Error("failed to persist queue", "error", saveErr)
	}
}

// Items returns a copy of the queue, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes one item by id and reports whether it existed.
func (q *Queue) Remove(id string) (bool, error) {
	q.mu.Lock()
	item, found := q.findLocked(id)
	if !found {
		q.mu.Unlock()
		return false, nil
	}
	q.removeLocked(id)
	saveErr := q.persistLocked()
	n := len(q.items)
	q.mu.Unlock()

	q.notify([]eviction{{item: item, reason: Purged}})
	q.opts.Metrics.SetQueueDepth(n)
	return true, saveErr
}

// Purge empties the queue and returns how many items were discarded.
func (q *Queue) Purge() (int, error) {
	q.mu.Lock()
	evicted := make([]eviction, 0, len(q.items))
	for _, item := range q.items {
		evicted = append(evicted, eviction{item: item, reason: Purged})
	}
	q.items = nil
	saveErr := q.persistLocked()
	q.mu.Unlock()

	q.notify(evicted)
	q.opts.Metrics.SetQueueDepth(0)
	return len(evicted), saveErr
}

// cleanupLocked drops items past MaxAge, then the oldest items beyond
// MaxItems. Caller holds mu.
func (q *Queue) cleanupLocked() []eviction {
	var evicted []eviction

	cutoff := q.opts.Now().Add(-q.opts.MaxAge)
	kept := q.items[:0]
	for _, item := range q.items {
		if item.CreatedAt.Before(cutoff) {
			evicted = append(evicted, eviction{item: item, reason: EvictedAge})
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	if excess := len(q.items) - q.opts.MaxItems; excess > 0 {
		for _, item := range q.items[:excess] {
			evicted = append(evicted, eviction{item: item, reason: EvictedSize})
		}
		q.items = append([]Item(nil), q.items[excess:]...)
	}
	return evicted
}

func (q *Queue) findLocked(id string) (Item, bool) {
	for _, item := range q.items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

func (q *Queue) removeLocked(id string) {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked() error {
	snapshot := make([]Item, len(q.items))
	copy(snapshot, q.items)
	return q.store.Save(snapshot)
}

// notify reports evictions to the log, metrics and observer. Called without mu.
func (q *Queue) notify(evicted []eviction) {
	for _, e := range evicted {
		q.logger.Warn("queued payload discarded without delivery",
			"id", e.item.ID,
			"reason", string(e.reason),
			"project", e.item.Payload.ProjectName,
			"commits", len(e.item.Payload.Commits),
			"attempts", e.item.Attempts,
		)
		q.opts.Metrics.Evicted(string(e.reason), 1)
		if q.opts.Observer != nil {
			q.opts.Observer.Evicted(e.item, e.reason)
		}
	}
}
