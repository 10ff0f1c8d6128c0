// Package pool implements the runtime's in-process TTL+LRU byte cache: the
// scratchpad tool outputs and intermediate artifacts are staged in between
// activity executions.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coreagent/platform/agents/runtime/apperrors"
	"github.com/coreagent/platform/agents/runtime/telemetry"
)

type (
	// Pool is a capacity-bounded, TTL+LRU keyed byte cache. A Pool is safe for
	// concurrent use; Retrieve takes the same write lock as Allocate because it
	// mutates access metadata used for eviction ordering.
	Pool struct {
		mu       sync.Mutex
		capacity int64
		slots    map[string]*slot

		currentSize   int64
		highWaterMark int64
		allocCount    int64

		pressureThreshold float64
		logger            telemetry.Logger
		metrics           telemetry.Metrics
		now               func() time.Time

		stopSweep chan struct{}
		sweepDone chan struct{}
	}

	slot struct {
		key          string
		bytes        []byte
		created      time.Time
		ttl          time.Duration
		accessCount  int64
		lastAccessed time.Time
	}

	// Stats snapshots the pool's current usage for callers of
	// GetUsageStats / health checks and for the sweeper's pressure signal.
	Stats struct {
		CurrentSizeBytes   int64
		CapacityBytes      int64
		HighWaterMarkBytes int64
		AllocationCount    int64
		EntryCount         int
	}

	// Option configures a Pool at construction time.
	Option func(*Pool)
)

// WithLogger attaches a structured logger used by the sweeper.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics attaches a metrics sink recording allocation/eviction counters.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithPressureThreshold sets the fraction of capacity (0,1] above which the
// sweeper considers the pool under pressure. Warn fires at 0.8x this value,
// critical at 0.95x. Default 0.9.
func WithPressureThreshold(frac float64) Option {
	return func(p *Pool) { p.pressureThreshold = frac }
}

// withClock overrides the pool's time source; used by tests to control TTL
// and LRU ordering deterministically.
func withClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New constructs a Pool with the given capacity in bytes.
func New(capacityBytes int64, opts ...Option) *Pool {
	p := &Pool{
		capacity:          capacityBytes,
		slots:             make(map[string]*slot),
		pressureThreshold: 0.9,
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// isExpired reports whether s has expired as of now: ttl == 0 means the
// entry is already expired (admit-and-sweep: it is stored, then removed on
// the next access or sweep rather than rejected at allocation time);
// otherwise it expires once now - created > ttl.
func (s *slot) isExpired(now time.Time) bool {
	if s.ttl == 0 {
		return true
	}
	return now.Sub(s.created) > s.ttl
}

// Allocate inserts bytes under key with the given TTL. If an entry already
// exists for key, its size is subtracted before the new entry is sized in.
// Expired entries are swept first; if there still isn't room, LRU entries
// are evicted until there is, or until no entries remain. Allocation fails
// with a KindResource error if the value still doesn't fit.
func (p *Pool) Allocate(_ context.Context, key string, data []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	if existing, ok := p.slots[key]; ok {
		p.currentSize -= int64(len(existing.bytes))
		delete(p.slots, key)
	}

	p.cleanupExpiredLocked(now)

	needed := int64(len(data))
	for p.currentSize+needed > p.capacity && len(p.slots) > 0 {
		if !p.evictOneLocked() {
			break
		}
	}

	if p.currentSize+needed > p.capacity {
		p.metrics.IncCounter("pool.allocations_failed_total", 1)
		return apperrors.Resource("memory pool exhausted", nil)
	}

	p.slots[key] = &slot{
		key:          key,
		bytes:        data,
		created:      now,
		ttl:          ttl,
		lastAccessed: now,
	}
	p.currentSize += needed
	p.allocCount++
	if p.currentSize > p.highWaterMark {
		p.highWaterMark = p.currentSize
	}
	p.metrics.IncCounter("pool.allocations_total", 1)
	p.metrics.RecordGauge("pool.current_size_bytes", float64(p.currentSize))
	return nil
}

// evictOneLocked evicts the slot with the oldest last-accessed time (ties
// broken by oldest created time, for deterministic behavior under equal
// timestamps). Returns false if there was nothing to evict. Caller must
// hold p.mu.
func (p *Pool) evictOneLocked() bool {
	if len(p.slots) == 0 {
		return false
	}
	keys := make([]string, 0, len(p.slots))
	for k := range p.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := p.slots[keys[i]], p.slots[keys[j]]
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.Before(b.lastAccessed)
		}
		return a.created.Before(b.created)
	})
	victim := p.slots[keys[0]]
	p.currentSize -= int64(len(victim.bytes))
	delete(p.slots, victim.key)
	p.metrics.IncCounter("pool.evictions_total", 1)
	return true
}

// Retrieve returns the bytes stored under key. If the entry has expired it
// is removed and Retrieve reports absent. On a live
// hit, the entry's access count and last-accessed time are bumped, which is
// why Retrieve takes the pool's write lock rather than a read lock.
func (p *Pool) Retrieve(_ context.Context, key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[key]
	if !ok {
		return nil, false
	}
	now := p.now()
	if s.isExpired(now) {
		p.currentSize -= int64(len(s.bytes))
		delete(p.slots, key)
		return nil, false
	}
	s.accessCount++
	s.lastAccessed = now
	return s.bytes, true
}

// Deallocate removes key unconditionally. Reports whether an entry existed.
func (p *Pool) Deallocate(_ context.Context, key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok {
		return false
	}
	p.currentSize -= int64(len(s.bytes))
	delete(p.slots, key)
	return true
}

// CleanupExpired removes every currently-expired entry and returns the
// count removed.
func (p *Pool) CleanupExpired(_ context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupExpiredLocked(p.now())
}

func (p *Pool) cleanupExpiredLocked(now time.Time) int {
	removed := 0
	for k, s := range p.slots {
		if s.isExpired(now) {
			p.currentSize -= int64(len(s.bytes))
			delete(p.slots, k)
			removed++
		}
	}
	return removed
}

// Clear removes every entry and resets the current size to zero. The
// high-water mark and the allocation count are kept.
func (p *Pool) Clear(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = make(map[string]*slot)
	p.currentSize = 0
}

// GetUsageStats returns a snapshot of the pool's current accounting state.
func (p *Pool) GetUsageStats(_ context.Context) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		CurrentSizeBytes:   p.currentSize,
		CapacityBytes:      p.capacity,
		HighWaterMarkBytes: p.highWaterMark,
		AllocationCount:    p.allocCount,
		EntryCount:         len(p.slots),
	}
}

// HealthCheck reports an error if the pool's invariants have been violated:
// the sum of live slot sizes must equal current_size, and current_size must
// not exceed capacity.
func (p *Pool) HealthCheck(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum int64
	for _, s := range p.slots {
		sum += int64(len(s.bytes))
	}
	if sum != p.currentSize {
		return apperrors.Integrity("memory pool accounting invariant violated", nil)
	}
	if p.currentSize > p.capacity {
		return apperrors.Integrity("memory pool over capacity", nil)
	}
	return nil
}
