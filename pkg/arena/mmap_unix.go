//go:build unix

package arena

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
)

const hugePageSize = 2 * 1024 * 1024

// Mmap maps anonymous private memory for each arena. It counts how many
// arenas actually got huge pages so Name reports what was mapped.
type Mmap struct {
	opts Options

	hugeMapped atomic.Uint64
	fallbacks  atomic.Uint64
}

func newMmap(opts Options) (Allocator, error) {
	return &Mmap{opts: opts}, nil
}

// Alloc implements Allocator. The mapping is rounded up to whole pages; the
// returned slice has length size and keeps the mapping's capacity so Free can
// unmap it.
func (m *Mmap) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid arena size %d", core.ErrArenaAlloc, size)
	}
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if m.opts.Populate {
		flags |= mapPopulate
	}

	if m.opts.HugePages {
		if mapHugeTLB != 0 {
			b, err := unix.Mmap(-1, 0, roundUp(size, hugePageSize), prot, flags|mapHugeTLB)
			if err == nil {
				m.hugeMapped.Add(1)
				return b[:size], nil
			}
			logging.Component("arena").WithError(err).Debugf("huge page mapping of %d bytes failed, using normal pages", size)
		}
		m.fallbacks.Add(1)
	}

	b, err := unix.Mmap(-1, 0, roundUp(size, os.Getpagesize()), prot, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", core.ErrArenaAlloc, size, err)
	}
	return b[:size], nil
}

// Free implements Allocator.
func (m *Mmap) Free(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		return fmt.Errorf("munmap arena: %w", err)
	}
	return nil
}

// Name implements Allocator. With huge pages requested it is
// "mmap+hugepages" only while every arena got them.
func (m *Mmap) Name() string {
	if !m.opts.HugePages {
		return BackendMmap
	}
	huge, fallbacks := m.hugeMapped.Load(), m.fallbacks.Load()
	switch {
	case huge > 0 && fallbacks == 0:
		return BackendMmap + "+hugepages"
	case huge > 0:
		return BackendMmap + "+hugepages(partial)"
	default:
		return BackendMmap + "(hugepages requested)"
	}
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
