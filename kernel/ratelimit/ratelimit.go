// Package ratelimit implements a per-(principal,resource) rolling
// window token bucket. The exact admission decision is an in-memory
// deque of timestamped usage records, pruned lazily on every access;
// golang.org/x/time/rate.Limiter is layered on top the same way
// infrastructure/ratelimit/ratelimit.go uses it — RateLimiter.Wait
// paces a blocking caller rather than deciding admission outright.
// Here it paces the poll loop inside WaitForCapacity instead of
// busy-looping on a bare sleep, while the exact deque remains the
// single source of truth for every admission decision, so rolling
// window boundaries stay exact down to the nanosecond.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/agentsubstrate/kernel/kerrors"
)

// Resource names a rate-limited (renewable) resource, e.g. "llm_tokens".
type Resource string

// Limit configures one resource's rolling window.
type Limit struct {
	Capacity float64
	Window   time.Duration
	Enabled  bool
}

type record struct {
	at     time.Time
	amount float64
}

type bucket struct {
	mu      sync.Mutex
	records []record
}

// Tracker is the per-principal, per-resource rate limiter. The zero
// value is not usable; use New.
type Tracker struct {
	clock func() time.Time

	mu      sync.RWMutex
	limits  map[Resource]Limit
	buckets map[string]*bucket

	// pollLimiter paces WaitForCapacity's re-check loop instead of a
	// bare time.Sleep, the same role infrastructure/ratelimit.RateLimiter
	// plays for RateLimitedClient.Do.
	pollLimiter *rate.Limiter
}

// New creates a Tracker with no configured limits (unconfigured
// resources are unlimited).
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:       time.Now,
		limits:      make(map[Resource]Limit),
		buckets:     make(map[string]*bucket),
		pollLimiter: rate.NewLimiter(rate.Limit(50), 10), // up to 50 re-checks/sec
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClock overrides the time source (tests only).
func WithClock(c func() time.Time) Option {
	return func(t *Tracker) { t.clock = c }
}

// ConfigureLimit sets (or replaces) the window/capacity for a resource.
func (t *Tracker) ConfigureLimit(resource Resource, capacity float64, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[resource] = Limit{Capacity: capacity, Window: window, Enabled: true}
}

func (t *Tracker) limitFor(resource Resource) (Limit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limits[resource]
	return l, ok && l.Enabled
}

func (t *Tracker) bucketFor(principal string, resource Resource) *bucket {
	key := principal + "\x00" + string(resource)

	t.mu.RLock()
	b, ok := t.buckets[key]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	t.buckets[key] = b
	return b
}

// prune drops records older than now-window. Caller must hold b.mu.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(b.records); i++ {
		if b.records[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.records = append([]record(nil), b.records[i:]...)
	}
}

func (b *bucket) sum() float64 {
	var total float64
	for _, r := range b.records {
		total += r.amount
	}
	return total
}

// HasCapacity reports whether amount could currently be consumed,
// without consuming it. Unconfigured resources always have capacity.
func (t *Tracker) HasCapacity(principal string, resource Resource, amount float64) bool {
	limit, ok := t.limitFor(resource)
	if !ok {
		return true
	}

	b := t.bucketFor(principal, resource)
	now := t.clock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, limit.Window)
	return b.sum()+amount <= limit.Capacity
}

// Consume atomically checks and deducts capacity. It never allows a
// resource to go into debt: either the whole amount fits within the
// window or nothing is recorded.
func (t *Tracker) Consume(principal string, resource Resource, amount float64) error {
	limit, ok := t.limitFor(resource)
	if !ok {
		return nil
	}

	b := t.bucketFor(principal, resource)
	now := t.clock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, limit.Window)

	if b.sum()+amount > limit.Capacity {
		return kerrors.New(kerrors.RateLimited, "rate limit exceeded for "+string(resource)).
			WithDetail("resource", string(resource)).
			WithDetail("retry_after", t.timeUntilCapacityLocked(b, limit, amount, now))
	}

	b.records = append(b.records, record{at: now, amount: amount})
	return nil
}

// Remaining returns the capacity currently available for resource.
// Unconfigured resources report -1.
func (t *Tracker) Remaining(principal string, resource Resource) float64 {
	limit, ok := t.limitFor(resource)
	if !ok {
		return -1 // sentinel: unlimited; callers should check HasCapacity instead
	}

	b := t.bucketFor(principal, resource)
	now := t.clock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, limit.Window)
	remaining := limit.Capacity - b.sum()
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// TimeUntilCapacity returns how long until amount becomes available,
// or 0 if it already is.
func (t *Tracker) TimeUntilCapacity(principal string, resource Resource, amount float64) time.Duration {
	limit, ok := t.limitFor(resource)
	if !ok {
		return 0
	}

	b := t.bucketFor(principal, resource)
	now := t.clock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, limit.Window)
	return t.timeUntilCapacityLocked(b, limit, amount, now)
}

// timeUntilCapacityLocked assumes b.mu is held and b is already pruned.
func (t *Tracker) timeUntilCapacityLocked(b *bucket, limit Limit, amount float64, now time.Time) time.Duration {
	if b.sum()+amount <= limit.Capacity {
		return 0
	}
	if amount > limit.Capacity {
		// Can never fit; report when the window is fully clear.
		if len(b.records) == 0 {
			return 0
		}
		return b.records[len(b.records)-1].at.Add(limit.Window).Sub(now)
	}

	// Free enough of the oldest records until amount fits.
	freed := 0.0
	needed := b.sum() + amount - limit.Capacity
	for _, r := range b.records {
		freed += r.amount
		if freed >= needed {
			wait := r.at.Add(limit.Window).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}
	return 0
}

// WaitForCapacity blocks until amount of resource is available for
// principal, the deadline passes, or ctx is cancelled. It paces its
// re-checks through pollLimiter.Wait, the same pattern
// RateLimitedClient.Do uses for its outbound calls.
func (t *Tracker) WaitForCapacity(ctx context.Context, principal string, resource Resource, amount float64, deadline time.Time) error {
	for {
		if t.HasCapacity(principal, resource, amount) {
			return t.Consume(principal, resource, amount)
		}

		wait := t.TimeUntilCapacity(principal, resource, amount)
		now := t.clock()
		if !deadline.IsZero() && now.Add(wait).After(deadline) {
			return kerrors.New(kerrors.RateLimited, "deadline exceeded waiting for "+string(resource)).
				WithDetail("resource", string(resource))
		}

		if err := t.pollLimiter.Wait(ctx); err != nil {
			return kerrors.Wrap(kerrors.RateLimited, "wait cancelled", err)
		}
	}
}

// Snapshot/Restore support the kernel-level checkpoint hook.
type Snapshot struct {
	Limits  map[Resource]Limit
	Buckets map[string][]record
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	limits := make(map[Resource]Limit, len(t.limits))
	for k, v := range t.limits {
		limits[k] = v
	}
	buckets := make(map[string][]record, len(t.buckets))
	for key, b := range t.buckets {
		b.mu.Lock()
		buckets[key] = append([]record(nil), b.records...)
		b.mu.Unlock()
	}
	return Snapshot{Limits: limits, Buckets: buckets}
}

func (t *Tracker) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.limits = make(map[Resource]Limit, len(snap.Limits))
	for k, v := range snap.Limits {
		t.limits[k] = v
	}
	t.buckets = make(map[string]*bucket, len(snap.Buckets))
	for key, records := range snap.Buckets {
		t.buckets[key] = &bucket{records: append([]record(nil), records...)}
	}
}
