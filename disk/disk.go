// Package disk implements the persistent tier of the cache. Each entry is
// stored either inline in an SQLite manifest or as an external file under
// data/, chosen by a size threshold. Eviction runs in the background by
// cost, count, age and free disk space.
package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiercache/internal/worker"
	"github.com/wolfeidau/tiercache/lifecycle"
	"github.com/wolfeidau/tiercache/telemetry"
)

// Placement selects where entry payloads are stored.
type Placement int

const (
	// PlacementAuto stores payloads up to the inline threshold in the
	// manifest and larger ones as external files. This is the default.
	PlacementAuto Placement = iota
	// PlacementInline stores every payload in the manifest.
	PlacementInline
	// PlacementFile stores every payload as an external file.
	PlacementFile
)

const (
	// DefaultInlineThreshold is the payload size, in bytes, above which
	// PlacementAuto switches to an external file. Around 20 KiB SQLite blob
	// reads stop being faster than the filesystem.
	DefaultInlineThreshold = 20 * 1024

	defaultAutoTrimInterval = 60 * time.Second
	defaultWorkers          = 4

	// trimBatchSize is how many oldest rows each eviction pass fetches.
	trimBatchSize = 16
)

var (
	// ErrInvalid is returned for an empty key or empty value.
	ErrInvalid = errors.New("tiercache: empty key or value")
	// ErrClosed is returned after the cache has been closed.
	ErrClosed = errors.New("tiercache: cache is closed")

	errManifestClosed = errors.New("tiercache: manifest store not open")
)

// Entry is a single persisted record. Exactly one of the inline payload or
// the external file referenced by Filename carries the bytes; Value holds
// them either way once read back.
type Entry struct {
	Key        string
	Value      []byte
	Filename   string
	Size       int64
	ModTime    int64 // unix seconds, set on save
	AccessTime int64 // unix seconds, bumped on every successful read
	Extended   []byte
}

// Cache is the on-disk tier. All blocking operations serialise on one
// mutex; completion-based variants run the blocking form on a worker pool.
type Cache struct {
	path string

	mu       sync.Mutex
	manifest *manifestStore
	blobs    *blobStore
	closed   bool

	placement       Placement
	inlineThreshold int
	fileNamer       func(key string) string

	countLimit    atomic.Int64 // 0 = unlimited
	costLimit     atomic.Int64 // bytes, 0 = unlimited
	ageLimit      atomic.Int64 // nanoseconds, 0 = unlimited
	freeDiskLimit atomic.Int64 // bytes, 0 = disabled
	trimEvery     atomic.Int64 // nanoseconds

	workers      int
	lifecycleSrc *lifecycle.Broadcaster

	pool   *worker.Pool
	trash  *worker.Pool
	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Cache at open time.
type Option func(*Cache)

// WithInlineThreshold sets the auto-placement size threshold in bytes.
func WithInlineThreshold(n int) Option {
	return func(c *Cache) { c.inlineThreshold = n }
}

// WithPlacement forces inline-only or file-only payload placement.
func WithPlacement(p Placement) Option {
	return func(c *Cache) { c.placement = p }
}

// WithFileNamer overrides the default external filename derivation
// (SHA-256 hex of the key).
func WithFileNamer(fn func(key string) string) Option {
	return func(c *Cache) { c.fileNamer = fn }
}

// WithCountLimit caps the number of entries. Zero means unlimited.
func WithCountLimit(n int64) Option {
	return func(c *Cache) { c.countLimit.Store(n) }
}

// WithCostLimit caps the total payload bytes. Zero means unlimited.
func WithCostLimit(n int64) Option {
	return func(c *Cache) { c.costLimit.Store(n) }
}

// WithAgeLimit caps entry age since last access. Zero means unlimited.
func WithAgeLimit(age time.Duration) Option {
	return func(c *Cache) { c.ageLimit.Store(int64(age)) }
}

// WithFreeDiskSpaceLimit evicts oldest entries while the volume's free
// space is below the limit. Zero disables the check.
func WithFreeDiskSpaceLimit(n int64) Option {
	return func(c *Cache) { c.freeDiskLimit.Store(n) }
}

// WithAutoTrimInterval sets how often the background trimmer runs.
func WithAutoTrimInterval(d time.Duration) Option {
	return func(c *Cache) { c.trimEvery.Store(int64(d)) }
}

// WithWorkers sets the size of the completion worker pool.
func WithWorkers(n int) Option {
	return func(c *Cache) { c.workers = n }
}

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithNow sets the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLifecycle subscribes the cache to host lifecycle events; the
// manifest store is closed cleanly on WillTerminate.
func WithLifecycle(src *lifecycle.Broadcaster) Option {
	return func(c *Cache) { c.lifecycleSrc = src }
}

// defaultFileName derives the external filename for a key: 64 lowercase
// hex characters of its SHA-256 digest.
func defaultFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// newCache constructs and starts a disk cache rooted at path. Callers go
// through Open, which consults the process-wide registry first.
func newCache(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		path:            path,
		inlineThreshold: DefaultInlineThreshold,
		fileNamer:       defaultFileName,
		logger:          slog.Default(),
		now:             time.Now,
		workers:         defaultWorkers,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	c.trimEvery.Store(int64(defaultAutoTrimInterval))
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	c.trash = worker.NewSerial()
	blobs, err := newBlobStore(path, c.trash, c.logger)
	if err != nil {
		c.trash.Close()
		return nil, err
	}
	c.blobs = blobs

	c.manifest = newManifestStore(filepath.Join(path, manifestFile), c.logger, c.now)
	if err := c.manifest.open(); err != nil {
		// Full reset: drop the database files and the data directory, then
		// try once more. Refuse construction if that also fails.
		c.logger.Debug("manifest open failed, resetting", "path", path, "error", err)
		_ = c.manifest.destroy()
		_ = c.blobs.moveAllToTrash()
		c.blobs.emptyTrashInBackground()
		if err := c.manifest.open(); err != nil {
			c.trash.Close()
			return nil, fmt.Errorf("opening cache at %s: %w", path, err)
		}
	}

	c.pool = worker.NewPool(c.workers, 0)

	if c.lifecycleSrc != nil {
		go c.watchLifecycle(c.lifecycleSrc.Subscribe())
	}
	go c.autoTrim()
	return c, nil
}

// Path returns the cache root directory.
func (c *Cache) Path() string { return c.path }

// SetCountLimit changes the entry count limit at runtime.
func (c *Cache) SetCountLimit(n int64) { c.countLimit.Store(n) }

// CountLimit returns the entry count limit, zero meaning unlimited.
func (c *Cache) CountLimit() int64 { return c.countLimit.Load() }

// SetCostLimit changes the total byte limit at runtime.
func (c *Cache) SetCostLimit(n int64) { c.costLimit.Store(n) }

// CostLimit returns the total byte limit, zero meaning unlimited.
func (c *Cache) CostLimit() int64 { return c.costLimit.Load() }

// SetAgeLimit changes the age limit at runtime.
func (c *Cache) SetAgeLimit(age time.Duration) { c.ageLimit.Store(int64(age)) }

// AgeLimit returns the age limit, zero meaning unlimited.
func (c *Cache) AgeLimit() time.Duration { return time.Duration(c.ageLimit.Load()) }

// SetFreeDiskSpaceLimit changes the free disk floor at runtime.
func (c *Cache) SetFreeDiskSpaceLimit(n int64) { c.freeDiskLimit.Store(n) }

// FreeDiskSpaceLimit returns the free disk floor, zero meaning disabled.
func (c *Cache) FreeDiskSpaceLimit() int64 { return c.freeDiskLimit.Load() }

// Contains reports whether key has a row in the manifest.
func (c *Cache) Contains(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	e, err := c.manifest.get(key, true)
	return err == nil && e != nil
}

// Get returns the payload for key.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.GetEntry(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetEntry returns the full entry for key, assembling the payload from the
// manifest or the external file. A row whose file has gone missing is
// deleted and reported as absent. A hit bumps the entry's access time.
func (c *Cache) GetEntry(key string) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}

	e, err := c.manifest.get(key, false)
	if err != nil || e == nil {
		telemetry.RecordMiss(telemetry.TierDisk)
		return nil, false
	}
	if e.Filename != "" {
		data, err := c.blobs.read(e.Filename)
		if err != nil {
			// The manifest references a blob that no longer exists; drop
			// the row so the divergence heals.
			c.logger.Debug("blob missing, deleting row", "key", key, "filename", e.Filename)
			_ = c.manifest.deleteKey(key)
			telemetry.RecordMiss(telemetry.TierDisk)
			return nil, false
		}
		e.Value = data
	}
	_ = c.manifest.touch(key)
	e.AccessTime = c.now().Unix()
	telemetry.RecordHit(telemetry.TierDisk)
	telemetry.RecordBytesRead(len(e.Value))
	return e, true
}

// Set stores value under key.
func (c *Cache) Set(key string, value []byte) error {
	return c.SetEntry(Entry{Key: key, Value: value})
}

// SetEntry stores e.Value under e.Key, optionally with extended metadata
// bytes. External payloads are written to their file before the manifest
// row so no row ever references a missing blob; if the manifest save fails
// the file is deleted again.
func (c *Cache) SetEntry(e Entry) error {
	if e.Key == "" || len(e.Value) == 0 {
		return ErrInvalid
	}

	filename := e.Filename
	external := false
	switch c.placement {
	case PlacementInline:
	case PlacementFile:
		external = true
	default:
		external = len(e.Value) > c.inlineThreshold
	}
	if external && filename == "" {
		filename = c.fileNamer(e.Key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if external {
		if err := c.blobs.write(filename, e.Value); err != nil {
			return err
		}
		if err := c.manifest.save(e.Key, e.Value, filename, e.Extended); err != nil {
			_ = c.blobs.remove(filename)
			return err
		}
		telemetry.RecordBytesWritten(len(e.Value))
		return nil
	}

	// Inline placement replacing an entry that may have been external:
	// delete the stale file before the row is replaced.
	if c.placement != PlacementInline {
		if old, err := c.manifest.getFilename(e.Key); err == nil && old != "" {
			_ = c.blobs.remove(old)
		}
	}
	if err := c.manifest.save(e.Key, e.Value, "", e.Extended); err != nil {
		return err
	}
	telemetry.RecordBytesWritten(len(e.Value))
	return nil
}

// Remove deletes the entry for key, including its external file.
func (c *Cache) Remove(key string) error {
	if key == "" {
		return ErrInvalid
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if name, err := c.manifest.getFilename(key); err == nil && name != "" {
		if err := c.blobs.remove(name); err != nil {
			return err
		}
	}
	return c.manifest.deleteKey(key)
}

// RemoveAll deletes every entry by dropping the database files and moving
// the data directory to trash, which is drained in the background.
func (c *Cache) RemoveAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.removeAllLocked()
}

func (c *Cache) removeAllLocked() error {
	if err := c.manifest.destroy(); err != nil {
		return err
	}
	if err := c.blobs.moveAllToTrash(); err != nil {
		return err
	}
	c.blobs.emptyTrashInBackground()
	return c.manifest.open()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n, err := c.manifest.count()
	if err != nil {
		return 0
	}
	return int(n)
}

// Size returns the total payload bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	total, err := c.manifest.totalSize()
	if err != nil {
		return 0
	}
	return total
}

// TrimToCost evicts oldest entries until the total payload bytes are at
// most limit.
func (c *Cache) TrimToCost(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.trimToCostLocked(limit)
}

// TrimToCount evicts oldest entries until at most limit remain.
func (c *Cache) TrimToCount(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.trimToCountLocked(limit)
}

// TrimOlderThan evicts entries whose last access is older than age.
// A non-positive age evicts everything.
func (c *Cache) TrimOlderThan(age time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.trimOlderThanLocked(age)
}

// TrimToFreeDiskSpace evicts oldest entries until the volume's available
// capacity is at least limit bytes.
func (c *Cache) TrimToFreeDiskSpace(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.trimToFreeDiskLocked(limit)
}

// trimToCostLocked deletes oldest rows in batches until the running total
// is at most limit, stopping early if a batch is empty or a deletion
// fails. A checkpoint compacts the WAL after any deletions.
func (c *Cache) trimToCostLocked(limit int64) {
	total, err := c.manifest.totalSize()
	if err != nil || total <= limit {
		return
	}
	evicted := 0
loop:
	for total > limit {
		infos, err := c.manifest.sizeInfos(trimBatchSize)
		if err != nil || len(infos) == 0 {
			break
		}
		for _, in := range infos {
			if total <= limit {
				break loop
			}
			if in.filename != "" {
				if err := c.blobs.remove(in.filename); err != nil {
					break loop
				}
			}
			if err := c.manifest.deleteKey(in.key); err != nil {
				break loop
			}
			total -= in.size
			evicted++
		}
	}
	if evicted > 0 {
		telemetry.RecordEvictions(telemetry.TierDisk, "cost", evicted)
		_ = c.manifest.checkpoint()
	}
}

func (c *Cache) trimToCountLocked(limit int64) {
	total, err := c.manifest.count()
	if err != nil || total <= limit {
		return
	}
	evicted := 0
loop:
	for total > limit {
		infos, err := c.manifest.sizeInfos(trimBatchSize)
		if err != nil || len(infos) == 0 {
			break
		}
		for _, in := range infos {
			if total <= limit {
				break loop
			}
			if in.filename != "" {
				if err := c.blobs.remove(in.filename); err != nil {
					break loop
				}
			}
			if err := c.manifest.deleteKey(in.key); err != nil {
				break loop
			}
			total--
			evicted++
		}
	}
	if evicted > 0 {
		telemetry.RecordEvictions(telemetry.TierDisk, "count", evicted)
		_ = c.manifest.checkpoint()
	}
}

// trimOlderThanLocked deletes rows last accessed before now minus age:
// their files first, then the rows, then a checkpoint.
func (c *Cache) trimOlderThanLocked(age time.Duration) {
	if age <= 0 {
		_ = c.removeAllLocked()
		return
	}
	cutoff := c.now().Add(-age).Unix()
	names, err := c.manifest.filenamesOlderThan(cutoff)
	if err != nil {
		return
	}
	for _, name := range names {
		_ = c.blobs.remove(name)
	}
	if err := c.manifest.deleteOlderThan(cutoff); err != nil {
		return
	}
	_ = c.manifest.checkpoint()
}

func (c *Cache) trimToFreeDiskLocked(limit int64) {
	if limit <= 0 {
		return
	}
	free, ok := freeDiskSpace(c.path)
	if !ok || free >= limit {
		return
	}
	needed := limit - free
	total, err := c.manifest.totalSize()
	if err != nil {
		return
	}
	target := total - needed
	if target < 0 {
		target = 0
	}
	c.trimToCostLocked(target)
}

// autoTrim runs the four eviction passes in order on every tick, holding
// the lock once per tick.
func (c *Cache) autoTrim() {
	defer close(c.doneCh)
	for {
		select {
		case <-time.After(time.Duration(c.trimEvery.Load())):
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				continue
			}
			if limit := c.costLimit.Load(); limit > 0 {
				c.trimToCostLocked(limit)
			}
			if limit := c.countLimit.Load(); limit > 0 {
				c.trimToCountLocked(limit)
			}
			if age := time.Duration(c.ageLimit.Load()); age > 0 {
				c.trimOlderThanLocked(age)
			}
			if limit := c.freeDiskLimit.Load(); limit > 0 {
				c.trimToFreeDiskLocked(limit)
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) watchLifecycle(events <-chan lifecycle.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev == lifecycle.WillTerminate {
				c.mu.Lock()
				_ = c.manifest.close()
				c.closed = true
				c.mu.Unlock()
			}
		case <-c.stopCh:
			return
		}
	}
}

// GetAsync runs Get on the worker pool and calls fn with the result.
func (c *Cache) GetAsync(key string, fn func(key string, value []byte, ok bool)) {
	c.pool.Submit(func() {
		v, ok := c.Get(key)
		if fn != nil {
			fn(key, v, ok)
		}
	})
}

// GetEntryAsync runs GetEntry on the worker pool and calls fn with the result.
func (c *Cache) GetEntryAsync(key string, fn func(e *Entry, ok bool)) {
	c.pool.Submit(func() {
		e, ok := c.GetEntry(key)
		if fn != nil {
			fn(e, ok)
		}
	})
}

// SetAsync runs Set on the worker pool and calls fn when the write lands.
func (c *Cache) SetAsync(key string, value []byte, fn func(key string, err error)) {
	c.pool.Submit(func() {
		err := c.Set(key, value)
		if fn != nil {
			fn(key, err)
		}
	})
}

// ContainsAsync runs Contains on the worker pool.
func (c *Cache) ContainsAsync(key string, fn func(key string, ok bool)) {
	c.pool.Submit(func() {
		ok := c.Contains(key)
		if fn != nil {
			fn(key, ok)
		}
	})
}

// RemoveAsync runs Remove on the worker pool.
func (c *Cache) RemoveAsync(key string, fn func(key string, err error)) {
	c.pool.Submit(func() {
		err := c.Remove(key)
		if fn != nil {
			fn(key, err)
		}
	})
}

// RemoveAllAsync runs RemoveAll on the worker pool.
func (c *Cache) RemoveAllAsync(fn func(err error)) {
	c.pool.Submit(func() {
		err := c.RemoveAll()
		if fn != nil {
			fn(err)
		}
	})
}

// TrimToCostAsync runs TrimToCost on the worker pool.
func (c *Cache) TrimToCostAsync(limit int64, fn func()) {
	c.pool.Submit(func() {
		c.TrimToCost(limit)
		if fn != nil {
			fn()
		}
	})
}

// TrimToCountAsync runs TrimToCount on the worker pool.
func (c *Cache) TrimToCountAsync(limit int64, fn func()) {
	c.pool.Submit(func() {
		c.TrimToCount(limit)
		if fn != nil {
			fn()
		}
	})
}

// TrimOlderThanAsync runs TrimOlderThan on the worker pool.
func (c *Cache) TrimOlderThanAsync(age time.Duration, fn func()) {
	c.pool.Submit(func() {
		c.TrimOlderThan(age)
		if fn != nil {
			fn()
		}
	})
}

// Close stops the background trimmer and workers, closes the manifest and
// removes the cache from the registry so a later Open starts fresh.
func (c *Cache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		c.pool.Close()
		c.trash.Close()

		c.mu.Lock()
		err = c.manifest.close()
		c.closed = true
		c.mu.Unlock()

		deregister(c.path)
	})
	return err
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
