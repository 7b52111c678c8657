// Package arena supplies the contiguous memory blocks that buffer pools carve
// into fixed-size slots. Backends only obtain and return memory; placing it
// on a particular NUMA node is left to the host.
package arena

import (
	"fmt"
	"strings"

	"github.com/irctrakz/pktpool/pkg/core"
)

// Backend names accepted by New.
const (
	BackendHeap = "heap"
	BackendMmap = "mmap"
)

// Allocator obtains and releases whole arenas.
type Allocator interface {
	// Alloc returns a zeroed block of exactly size bytes.
	Alloc(size int) ([]byte, error)

	// Free releases a block returned by Alloc. The block must not be used
	// afterwards.
	Free(b []byte) error

	// Name identifies the backend in diagnostics.
	Name() string
}

// Options tune the mmap backend. The heap backend ignores them.
type Options struct {
	// HugePages requests 2MB pages, falling back to normal pages when the
	// host has none reserved.
	HugePages bool

	// Populate pre-faults the mapping so the first packet does not pay for
	// page faults.
	Populate bool
}

// New returns the allocator for a backend name. An empty name selects the heap.
func New(backend string, opts Options) (Allocator, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendHeap:
		return Heap{}, nil
	case BackendMmap:
		return newMmap(opts)
	default:
		return nil, fmt.Errorf("%w: unknown arena backend %q", core.ErrInvalidConfig, backend)
	}
}

// Heap allocates arenas from the Go heap. Limit, when non-zero, caps the size
// of a single arena.
type Heap struct {
	Limit int
}

// Alloc implements Allocator.
func (h Heap) Alloc(size int) (b []byte, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid arena size %d", core.ErrArenaAlloc, size)
	}
	if h.Limit > 0 && size > h.Limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds heap arena limit %d", core.ErrArenaAlloc, size, h.Limit)
	}
	defer func() {
		// makeslice panics when size is beyond what the runtime can address.
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", core.ErrArenaAlloc, r)
		}
	}()
	return make([]byte, size), nil
}

// Free implements Allocator. Heap arenas are reclaimed by the garbage collector.
func (Heap) Free([]byte) error { return nil }

// Name implements Allocator.
func (Heap) Name() string { return BackendHeap }
