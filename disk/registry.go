package disk

import (
	"fmt"
	"path/filepath"
	"sync"
	"weak"
)

// The manifest store is single-writer, so at most one live Cache may exist
// per directory. The registry maps canonical paths to weak references; a
// dropped cache does not keep its slot alive.
var (
	registryMu sync.Mutex
	registry   = make(map[string]weak.Pointer[Cache])
)

// Open returns the disk cache for path, creating it on first use. Opening
// the same directory again returns the same instance; options are applied
// only by the call that constructs it.
func Open(path string, opts ...Option) (*Cache, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving cache path: %w", err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if wp, ok := registry[abs]; ok {
		if c := wp.Value(); c != nil && !c.isClosed() {
			return c, nil
		}
		delete(registry, abs)
	}

	c, err := newCache(abs, opts...)
	if err != nil {
		return nil, err
	}
	registry[abs] = weak.Make(c)
	return c, nil
}

func deregister(path string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, path)
}
