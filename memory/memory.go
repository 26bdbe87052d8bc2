// Package memory implements the in-memory tier of the cache: a bounded LRU
// map with cost, count and age accounting plus a background trimmer.
package memory

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiercache/internal/worker"
	"github.com/wolfeidau/tiercache/lifecycle"
	"github.com/wolfeidau/tiercache/telemetry"
)

const (
	defaultAutoTrimInterval = 5 * time.Second

	// trimBackoff is how long a trim loop sleeps when it loses the race for
	// the cache mutex. Each loop iteration acquires and releases the lock so
	// client operations interleave with eviction.
	trimBackoff = 10 * time.Millisecond
)

// Cache is a thread-safe in-memory LRU cache generic over key and value.
// All limits are soft: the count limit is enforced on the next insert, the
// cost and age limits by the background trimmer.
//
// A limit of zero means unlimited.
type Cache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lruMap[K, V]

	countLimit atomic.Int64
	costLimit  atomic.Uint64
	ageLimit   atomic.Int64 // nanoseconds, 0 = unlimited
	trimEvery  atomic.Int64 // nanoseconds

	removeAllOnMemoryWarning   atomic.Bool
	removeAllOnEnterBackground atomic.Bool
	asyncRelease               atomic.Bool

	memoryWarningHook   func()
	enterBackgroundHook func()

	logger *slog.Logger
	now    func() time.Time

	// trims runs asynchronous cost trims dispatched from Set; releasers
	// drops evicted nodes off the critical path.
	trims     *worker.Pool
	releasers *worker.Pool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithCountLimit caps the number of entries. Zero means unlimited.
func WithCountLimit[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) { c.countLimit.Store(int64(n)) }
}

// WithCostLimit caps the total cost. Zero means unlimited.
func WithCostLimit[K comparable, V any](cost uint64) Option[K, V] {
	return func(c *Cache[K, V]) { c.costLimit.Store(cost) }
}

// WithAgeLimit caps entry age since last access. Zero means unlimited.
func WithAgeLimit[K comparable, V any](age time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.ageLimit.Store(int64(age)) }
}

// WithAutoTrimInterval sets how often the background trimmer runs.
func WithAutoTrimInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.trimEvery.Store(int64(d)) }
}

// WithRemoveAllOnMemoryWarning controls whether a memory-warning signal
// empties the cache. Defaults to true.
func WithRemoveAllOnMemoryWarning[K comparable, V any](v bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.removeAllOnMemoryWarning.Store(v) }
}

// WithRemoveAllOnEnterBackground controls whether entering the background
// empties the cache. Defaults to true.
func WithRemoveAllOnEnterBackground[K comparable, V any](v bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.removeAllOnEnterBackground.Store(v) }
}

// WithAsyncRelease controls whether evicted values are dropped on a
// background worker instead of inside the caller. Defaults to true.
func WithAsyncRelease[K comparable, V any](v bool) Option[K, V] {
	return func(c *Cache[K, V]) { c.asyncRelease.Store(v) }
}

// WithMemoryWarningHook invokes fn when a memory-warning signal arrives.
func WithMemoryWarningHook[K comparable, V any](fn func()) Option[K, V] {
	return func(c *Cache[K, V]) { c.memoryWarningHook = fn }
}

// WithEnterBackgroundHook invokes fn when the host enters the background.
func WithEnterBackgroundHook[K comparable, V any](fn func()) Option[K, V] {
	return func(c *Cache[K, V]) { c.enterBackgroundHook = fn }
}

// WithLogger sets the logger for the cache.
func WithLogger[K comparable, V any](logger *slog.Logger) Option[K, V] {
	return func(c *Cache[K, V]) { c.logger = logger }
}

// WithNow sets the time source, for tests.
func WithNow[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// WithLifecycle subscribes the cache to host lifecycle events.
func WithLifecycle[K comparable, V any](src *lifecycle.Broadcaster) Option[K, V] {
	return func(c *Cache[K, V]) {
		if src != nil {
			go c.watchLifecycle(src.Subscribe())
		}
	}
}

// New creates a memory cache and starts its background trimmer.
// Call Close to stop the trimmer and release workers.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		lru:       newLRUMap[K, V](),
		logger:    slog.Default(),
		now:       time.Now,
		trims:     worker.NewSerial(),
		releasers: worker.NewSerial(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.trimEvery.Store(int64(defaultAutoTrimInterval))
	c.removeAllOnMemoryWarning.Store(true)
	c.removeAllOnEnterBackground.Store(true)
	c.asyncRelease.Store(true)

	for _, opt := range opts {
		opt(c)
	}

	go c.autoTrim()
	return c
}

// CountLimit returns the entry count limit, zero meaning unlimited.
func (c *Cache[K, V]) CountLimit() int { return int(c.countLimit.Load()) }

// SetCountLimit changes the entry count limit at runtime.
func (c *Cache[K, V]) SetCountLimit(n int) { c.countLimit.Store(int64(n)) }

// CostLimit returns the total cost limit, zero meaning unlimited.
func (c *Cache[K, V]) CostLimit() uint64 { return c.costLimit.Load() }

// SetCostLimit changes the total cost limit at runtime.
func (c *Cache[K, V]) SetCostLimit(cost uint64) { c.costLimit.Store(cost) }

// AgeLimit returns the age limit, zero meaning unlimited.
func (c *Cache[K, V]) AgeLimit() time.Duration { return time.Duration(c.ageLimit.Load()) }

// SetAgeLimit changes the age limit at runtime.
func (c *Cache[K, V]) SetAgeLimit(age time.Duration) { c.ageLimit.Store(int64(age)) }

// AutoTrimInterval returns the background trim interval.
func (c *Cache[K, V]) AutoTrimInterval() time.Duration { return time.Duration(c.trimEvery.Load()) }

// SetAutoTrimInterval changes the background trim interval at runtime.
func (c *Cache[K, V]) SetAutoTrimInterval(d time.Duration) { c.trimEvery.Store(int64(d)) }

// SetRemoveAllOnMemoryWarning changes at runtime whether a memory-warning
// signal empties the cache.
func (c *Cache[K, V]) SetRemoveAllOnMemoryWarning(v bool) { c.removeAllOnMemoryWarning.Store(v) }

// SetRemoveAllOnEnterBackground changes at runtime whether entering the
// background empties the cache.
func (c *Cache[K, V]) SetRemoveAllOnEnterBackground(v bool) { c.removeAllOnEnterBackground.Store(v) }

// SetAsyncRelease changes at runtime whether evicted values are dropped on a
// background worker.
func (c *Cache[K, V]) SetAsyncRelease(v bool) { c.asyncRelease.Store(v) }

// Contains reports whether key has a live entry without refreshing it.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.lru.index[key]
	return ok
}

// Get returns the value for key. A hit refreshes the entry's access time
// and makes it the most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.lru.index[key]
	if !ok {
		telemetry.RecordMiss(telemetry.TierMemory)
		var zero V
		return zero, false
	}
	n.accessed = c.now()
	c.lru.bringToHead(n)
	telemetry.RecordHit(telemetry.TierMemory)
	return n.value, true
}

// Set stores value under key with zero cost.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithCost(key, value, 0)
}

// SetWithCost stores value under key. An existing entry is replaced in
// place and becomes the most recently used. Exceeding the cost limit
// schedules one asynchronous cost trim; exceeding the count limit evicts
// the current tail synchronously.
func (c *Cache[K, V]) SetWithCost(key K, value V, cost uint64) {
	c.mu.Lock()

	now := c.now()
	if n, ok := c.lru.index[key]; ok {
		c.lru.totalCost += cost - n.cost
		n.cost = cost
		n.value = value
		n.accessed = now
		c.lru.bringToHead(n)
	} else {
		c.lru.insertAtHead(&node[K, V]{key: key, value: value, cost: cost, accessed: now})
	}

	costLimit := c.costLimit.Load()
	overCost := costLimit > 0 && c.lru.totalCost > costLimit

	var evicted *node[K, V]
	if lim := c.countLimit.Load(); lim > 0 && int64(c.lru.len()) > lim {
		evicted = c.lru.removeTail()
	}
	c.mu.Unlock()

	if overCost {
		c.trims.TrySubmit(func() {
			if limit := c.costLimit.Load(); limit > 0 {
				c.TrimToCost(limit)
			}
		})
	}
	if evicted != nil {
		c.release("count", evicted)
	}
}

// Remove deletes the entry for key if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	n, ok := c.lru.index[key]
	if ok {
		c.lru.remove(n)
	}
	c.mu.Unlock()

	if ok {
		c.release("remove", n)
	}
}

// RemoveAll discards every entry. The old index is dropped on a background
// worker when async release is enabled.
func (c *Cache[K, V]) RemoveAll() {
	c.mu.Lock()
	old := c.lru.removeAll()
	c.mu.Unlock()

	if len(old) == 0 {
		return
	}
	telemetry.RecordEvictions(telemetry.TierMemory, "remove-all", len(old))
	if c.asyncRelease.Load() {
		if c.releasers.Submit(func() { clear(old) }) {
			return
		}
	}
	clear(old)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.len()
}

// Cost returns the total cost of live entries.
func (c *Cache[K, V]) Cost() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.totalCost
}

// TrimToCost evicts least recently used entries until the total cost is at
// most limit. Zero evicts everything with non-zero total cost down to zero.
func (c *Cache[K, V]) TrimToCost(limit uint64) {
	doomed := c.trimLoop(func() bool { return c.lru.totalCost <= limit })
	c.release("cost", doomed...)
}

// TrimToCount evicts least recently used entries until at most n remain.
func (c *Cache[K, V]) TrimToCount(n int) {
	doomed := c.trimLoop(func() bool { return c.lru.len() <= n })
	c.release("count", doomed...)
}

// TrimOlderThan evicts entries whose last access is older than age.
// A non-positive age evicts everything.
func (c *Cache[K, V]) TrimOlderThan(age time.Duration) {
	if age <= 0 {
		c.RemoveAll()
		return
	}
	cutoff := c.now().Add(-age)
	doomed := c.trimLoop(func() bool {
		return c.lru.tail == nil || !c.lru.tail.accessed.Before(cutoff)
	})
	c.release("age", doomed...)
}

// trimLoop removes tail nodes until done reports the target is met. Each
// iteration holds the lock only briefly, and a failed try-lock backs off so
// readers and writers are never starved by eviction.
func (c *Cache[K, V]) trimLoop(done func() bool) []*node[K, V] {
	var doomed []*node[K, V]
	for {
		if !c.mu.TryLock() {
			time.Sleep(trimBackoff)
			continue
		}
		if done() {
			c.mu.Unlock()
			break
		}
		n := c.lru.removeTail()
		c.mu.Unlock()
		if n == nil {
			break
		}
		doomed = append(doomed, n)
	}
	return doomed
}

// release drops evicted nodes, on the release worker when async release is
// enabled so destructors run off the critical path.
func (c *Cache[K, V]) release(reason string, doomed ...*node[K, V]) {
	if len(doomed) == 0 {
		return
	}
	telemetry.RecordEvictions(telemetry.TierMemory, reason, len(doomed))
	if c.asyncRelease.Load() {
		if c.releasers.Submit(func() {
			for i := range doomed {
				doomed[i] = nil
			}
		}) {
			return
		}
	}
	for i := range doomed {
		doomed[i] = nil
	}
}

func (c *Cache[K, V]) autoTrim() {
	defer close(c.doneCh)
	for {
		select {
		case <-time.After(c.AutoTrimInterval()):
			if limit := c.costLimit.Load(); limit > 0 {
				c.TrimToCost(limit)
			}
			if limit := c.countLimit.Load(); limit > 0 {
				c.TrimToCount(int(limit))
			}
			if age := c.AgeLimit(); age > 0 {
				c.TrimOlderThan(age)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[K, V]) watchLifecycle(events <-chan lifecycle.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev {
			case lifecycle.MemoryWarning:
				if fn := c.memoryWarningHook; fn != nil {
					fn()
				}
				if c.removeAllOnMemoryWarning.Load() {
					c.RemoveAll()
				}
			case lifecycle.DidEnterBackground:
				if fn := c.enterBackgroundHook; fn != nil {
					fn()
				}
				if c.removeAllOnEnterBackground.Load() {
					c.RemoveAll()
				}
			}
		case <-c.stopCh:
			return
		}
	}
}

// Close stops the background trimmer and workers. The cache remains usable
// for synchronous operations afterwards, but nothing trims it.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.trims.Close()
		c.releasers.Close()
	})
}
