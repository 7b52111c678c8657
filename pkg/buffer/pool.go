package buffer

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/pktpool/pkg/arena"
	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
)

// slotAlign keeps every slot on its own cache lines.
const slotAlign = 64

// Option configures a Pool.
type Option func(*Pool)

// WithAllocator selects the arena backend. The default is the Go heap.
func WithAllocator(a arena.Allocator) Option {
	return func(p *Pool) {
		if a != nil {
			p.alloc = a
		}
	}
}

// Pool owns one arena of equally sized buffers for a single
// (payload, headroom, tailroom, node) configuration.
type Pool struct {
	cfg    core.PoolConfig
	node   int
	stride int
	alloc  arena.Allocator
	log    *logrus.Entry

	mem  []byte
	bufs []PacketBuffer
	meta []core.Metadata

	mu        sync.Mutex
	free      []int32 // LIFO stack of slot indices
	inUse     int
	highWater int
	closed    bool

	allocCount   atomic.Uint64
	deallocCount atomic.Uint64
}

// NewPool allocates the arena and carves cfg.InitialCount buffers tagged with
// node. It fails without retaining memory when the configuration is unusable
// or the arena cannot be obtained.
func NewPool(cfg core.PoolConfig, node int, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:   cfg,
		node:  node,
		alloc: arena.Heap{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logging.Component("pool").WithFields(logrus.Fields{
		"node":    node,
		"payload": cfg.PayloadSize,
	})

	region := cfg.RegionSize()
	if region <= 0 || region > math.MaxInt-slotAlign {
		return nil, fmt.Errorf("%w: region of %d bytes is too large", core.ErrInvalidConfig, region)
	}
	p.stride = (region + slotAlign - 1) &^ (slotAlign - 1)
	if cfg.InitialCount > math.MaxInt32 || cfg.InitialCount > math.MaxInt/p.stride {
		return nil, fmt.Errorf("%w: %d buffers of %d bytes overflow the arena size",
			core.ErrInvalidConfig, cfg.InitialCount, p.stride)
	}

	mem, err := p.alloc.Alloc(p.stride * cfg.InitialCount)
	if err != nil {
		return nil, fmt.Errorf("pool %d bytes on node %d: %w", cfg.PayloadSize, node, err)
	}
	p.mem = mem

	n := cfg.InitialCount
	p.bufs = make([]PacketBuffer, n)
	p.meta = make([]core.Metadata, n)
	p.free = make([]int32, 0, n)
	// Push in reverse so the first allocation takes slot 0.
	for i := n - 1; i >= 0; i-- {
		start := i * p.stride
		p.meta[i].Reset()
		p.bufs[i].init(p, mem[start:start+region:start+region], cfg.Headroom, cfg.Tailroom, &p.meta[i], node, int32(i))
		p.free = append(p.free, int32(i))
	}

	p.log.WithFields(logrus.Fields{
		"count":   n,
		"stride":  p.stride,
		"backend": p.alloc.Name(),
	}).Debug("pool arena carved")
	return p, nil
}

// Allocate pops a free buffer and hands it out with one reference. It returns
// nil when the free list is empty or the pool is closed.
func (p *Pool) Allocate() *PacketBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	b := &p.bufs[idx]
	b.refs.Store(1)
	b.meta.SetState(core.StateAllocated)
	p.allocCount.Add(1)
	p.inUse++
	if p.inUse > p.highWater {
		p.highWater = p.inUse
	}
	return b
}

// deallocate puts a buffer whose last reference was released back on the
// free list. PacketBuffer.Release is its only caller.
func (p *Pool) deallocate(b *PacketBuffer) {
	if b.slot < 0 || int(b.slot) >= len(p.bufs) || &p.bufs[b.slot] != b {
		p.log.WithField("slot", b.slot).Error("buffer returned to a pool that does not own it")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b.meta.SetState(core.StateFree)
	p.free = append(p.free, b.slot)
	p.inUse--
	p.deallocCount.Add(1)
}

// PayloadSize returns the configured payload capacity of each buffer.
func (p *Pool) PayloadSize() int { return p.cfg.PayloadSize }

// InitialCount returns the number of buffers carved at construction.
func (p *Pool) InitialCount() int { return p.cfg.InitialCount }

// NUMANode returns the node tag stamped on every buffer.
func (p *Pool) NUMANode() int { return p.node }

// HeadroomSize returns the configured headroom.
func (p *Pool) HeadroomSize() int { return p.cfg.Headroom }

// TailroomSize returns the configured tailroom.
func (p *Pool) TailroomSize() int { return p.cfg.Tailroom }

// Config returns the configuration the pool was built from.
func (p *Pool) Config() core.PoolConfig { return p.cfg }

// FreeCount returns the number of buffers on the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// AllocCount returns the number of allocations served.
func (p *Pool) AllocCount() uint64 { return p.allocCount.Load() }

// DeallocCount returns the number of buffers returned.
func (p *Pool) DeallocCount() uint64 { return p.deallocCount.Load() }

// HighWaterMark returns the largest number of buffers ever out at once.
func (p *Pool) HighWaterMark() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

// Stats is a consistent snapshot of a pool's counters.
type Stats struct {
	NUMANode      int    `json:"numa_node"`
	PayloadSize   int    `json:"payload_size"`
	Headroom      int    `json:"headroom"`
	Tailroom      int    `json:"tailroom"`
	InitialCount  int    `json:"initial_count"`
	Free          int    `json:"free"`
	InUse         int    `json:"in_use"`
	HighWaterMark int    `json:"high_water_mark"`
	AllocCount    uint64 `json:"alloc_count"`
	DeallocCount  uint64 `json:"dealloc_count"`
	ArenaBytes    int    `json:"arena_bytes"`
	Backend       string `json:"backend"`
	Closed        bool   `json:"closed"`
}

// Stats returns the pool counters taken under the pool lock, so
// Free + AllocCount - DeallocCount == InitialCount holds within a snapshot,
// before and after Close.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		NUMANode:      p.node,
		PayloadSize:   p.cfg.PayloadSize,
		Headroom:      p.cfg.Headroom,
		Tailroom:      p.cfg.Tailroom,
		InitialCount:  p.cfg.InitialCount,
		Free:          len(p.free),
		InUse:         p.inUse,
		HighWaterMark: p.highWater,
		AllocCount:    p.allocCount.Load(),
		DeallocCount:  p.deallocCount.Load(),
		ArenaBytes:    p.stride * p.cfg.InitialCount,
		Backend:       p.alloc.Name(),
		Closed:        p.closed,
	}
}

// Close returns the arena to its backend. It refuses while any buffer is
// still referenced; closing twice is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if p.inUse > 0 {
		n := p.inUse
		p.mu.Unlock()
		return fmt.Errorf("%w: %d buffers still referenced", core.ErrPoolBusy, n)
	}
	p.closed = true
	mem := p.mem
	p.mem = nil
	p.mu.Unlock()

	if err := p.alloc.Free(mem); err != nil {
		return fmt.Errorf("pool %d bytes on node %d: %w", p.cfg.PayloadSize, p.node, err)
	}
	return nil
}
