// Package tiercache implements a two-tier key-value cache for a single
// process: a bounded in-memory LRU tier fronting a persistent on-disk tier.
// Hot entries are served from memory in sub-millisecond time; cold entries
// survive process restarts on disk and are promoted back into memory on
// read.
package tiercache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wolfeidau/tiercache/disk"
	"github.com/wolfeidau/tiercache/internal/worker"
	"github.com/wolfeidau/tiercache/lifecycle"
	"github.com/wolfeidau/tiercache/memory"
)

// ErrInvalidName is returned when a cache is created with an empty name.
var ErrInvalidName = errors.New("tiercache: empty cache name")

const facadeWorkers = 2

type config struct {
	logger     *slog.Logger
	lifecycle  *lifecycle.Broadcaster
	memoryOpts []memory.Option[string, []byte]
	diskOpts   []disk.Option
}

// Option configures a Cache.
type Option func(*config)

// WithLogger sets the logger for both tiers.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithLifecycle subscribes both tiers to host lifecycle events.
func WithLifecycle(src *lifecycle.Broadcaster) Option {
	return func(c *config) { c.lifecycle = src }
}

// WithMemoryOptions passes extra options to the memory tier.
func WithMemoryOptions(opts ...memory.Option[string, []byte]) Option {
	return func(c *config) { c.memoryOpts = append(c.memoryOpts, opts...) }
}

// WithDiskOptions passes extra options to the disk tier.
func WithDiskOptions(opts ...disk.Option) Option {
	return func(c *config) { c.diskOpts = append(c.diskOpts, opts...) }
}

// Cache composes a memory tier and a disk tier under one API. Values are
// opaque byte slices; serialization of user types is the caller's concern.
type Cache struct {
	name   string
	path   string
	memory *memory.Cache[string, []byte]
	disk   *disk.Cache
	pool   *worker.Pool
}

// New opens a cache named name rooted in the platform per-user caches
// directory.
func New(name string, opts ...Option) (*Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolving user cache dir: %w", err)
	}
	return OpenPath(filepath.Join(base, name), opts...)
}

// OpenPath opens a cache rooted at path; its name is the last path
// component.
func OpenPath(path string, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, ErrInvalidName
	}
	cfg := &config{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	diskOpts := append([]disk.Option{disk.WithLogger(cfg.logger)}, cfg.diskOpts...)
	memOpts := append([]memory.Option[string, []byte]{memory.WithLogger[string, []byte](cfg.logger)}, cfg.memoryOpts...)
	if cfg.lifecycle != nil {
		diskOpts = append(diskOpts, disk.WithLifecycle(cfg.lifecycle))
		memOpts = append(memOpts, memory.WithLifecycle[string, []byte](cfg.lifecycle))
	}

	d, err := disk.Open(path, diskOpts...)
	if err != nil {
		return nil, err
	}

	return &Cache{
		name:   filepath.Base(path),
		path:   d.Path(),
		memory: memory.New(memOpts...),
		disk:   d,
		pool:   worker.NewPool(facadeWorkers, 0),
	}, nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Path returns the cache root directory.
func (c *Cache) Path() string { return c.path }

// Memory returns the in-memory tier.
func (c *Cache) Memory() *memory.Cache[string, []byte] { return c.memory }

// Disk returns the on-disk tier.
func (c *Cache) Disk() *disk.Cache { return c.disk }

// Contains reports whether key is present in either tier.
func (c *Cache) Contains(key string) bool {
	return c.memory.Contains(key) || c.disk.Contains(key)
}

// Get returns the value for key, consulting memory first. A disk hit is
// promoted into the memory tier so subsequent reads are fast.
func (c *Cache) Get(key string) ([]byte, bool) {
	if v, ok := c.memory.Get(key); ok {
		return v, true
	}
	v, ok := c.disk.Get(key)
	if ok {
		c.memory.SetWithCost(key, v, uint64(len(v)))
	}
	return v, ok
}

// Set writes value through both tiers, memory first. A nil value removes
// the key.
func (c *Cache) Set(key string, value []byte) error {
	if value == nil {
		return c.Remove(key)
	}
	if key == "" || len(value) == 0 {
		return disk.ErrInvalid
	}
	c.memory.SetWithCost(key, value, uint64(len(value)))
	return c.disk.Set(key, value)
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(key string) error {
	c.memory.Remove(key)
	return c.disk.Remove(key)
}

// RemoveAll empties both tiers.
func (c *Cache) RemoveAll() error {
	c.memory.RemoveAll()
	return c.disk.RemoveAll()
}

// ContainsAsync runs Contains on a worker and calls fn with the result.
func (c *Cache) ContainsAsync(key string, fn func(key string, ok bool)) {
	c.pool.Submit(func() {
		ok := c.Contains(key)
		if fn != nil {
			fn(key, ok)
		}
	})
}

// GetAsync runs the read path on a worker and calls fn with the result.
// The disk value is promoted only if the key is still absent from memory,
// so a concurrently written fresher value is never overwritten.
func (c *Cache) GetAsync(key string, fn func(key string, value []byte, ok bool)) {
	c.pool.Submit(func() {
		if v, ok := c.memory.Get(key); ok {
			if fn != nil {
				fn(key, v, true)
			}
			return
		}
		v, ok := c.disk.Get(key)
		if ok && !c.memory.Contains(key) {
			c.memory.SetWithCost(key, v, uint64(len(v)))
		}
		if fn != nil {
			fn(key, v, ok)
		}
	})
}

// SetAsync writes to memory synchronously, then completes the disk leg on
// a worker before calling fn.
func (c *Cache) SetAsync(key string, value []byte, fn func(key string, err error)) {
	if value == nil {
		c.RemoveAsync(key, fn)
		return
	}
	if key == "" || len(value) == 0 {
		c.pool.Submit(func() {
			if fn != nil {
				fn(key, disk.ErrInvalid)
			}
		})
		return
	}
	c.memory.SetWithCost(key, value, uint64(len(value)))
	c.pool.Submit(func() {
		err := c.disk.Set(key, value)
		if fn != nil {
			fn(key, err)
		}
	})
}

// RemoveAsync removes from memory synchronously, then completes the disk
// leg on a worker before calling fn.
func (c *Cache) RemoveAsync(key string, fn func(key string, err error)) {
	c.memory.Remove(key)
	c.pool.Submit(func() {
		err := c.disk.Remove(key)
		if fn != nil {
			fn(key, err)
		}
	})
}

// RemoveAllAsync empties memory synchronously, then completes the disk leg
// on a worker before calling fn.
func (c *Cache) RemoveAllAsync(fn func(err error)) {
	c.memory.RemoveAll()
	c.pool.Submit(func() {
		err := c.disk.RemoveAll()
		if fn != nil {
			fn(err)
		}
	})
}

// Close stops both tiers and the completion workers.
func (c *Cache) Close() error {
	c.pool.Close()
	c.memory.Close()
	return c.disk.Close()
}
