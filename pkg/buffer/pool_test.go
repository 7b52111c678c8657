package buffer

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/pktpool/pkg/arena"
	"github.com/irctrakz/pktpool/pkg/core"
)

// countingAllocator wraps the heap and counts arena traffic.
type countingAllocator struct {
	allocs, frees int
	failWith      error
}

func (c *countingAllocator) Alloc(size int) ([]byte, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.allocs++
	return make([]byte, size), nil
}

func (c *countingAllocator) Free([]byte) error {
	c.frees++
	return nil
}

func (c *countingAllocator) Name() string { return "counting" }

func newTestPool(t *testing.T, cfg core.PoolConfig, node int) *Pool {
	t.Helper()
	p, err := NewPool(cfg, node)
	require.NoError(t, err)
	return p
}

func assertCountersConsistent(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	assert.Equal(t, uint64(s.InitialCount), uint64(s.Free)+s.AllocCount-s.DeallocCount,
		"free=%d alloc=%d dealloc=%d", s.Free, s.AllocCount, s.DeallocCount)
}

func TestPoolInitializationAndGetters(t *testing.T) {
	cfg := core.PoolConfig{PayloadSize: 256, InitialCount: 5, Headroom: 64, Tailroom: 16}
	p := newTestPool(t, cfg, 0)

	assert.Equal(t, 256, p.PayloadSize())
	assert.Equal(t, 5, p.InitialCount())
	assert.Equal(t, 0, p.NUMANode())
	assert.Equal(t, 64, p.HeadroomSize())
	assert.Equal(t, 16, p.TailroomSize())
	assert.Equal(t, cfg, p.Config())
	assert.Equal(t, 5, p.FreeCount())
	assert.Equal(t, uint64(0), p.AllocCount())
	assert.Equal(t, uint64(0), p.DeallocCount())
	assert.Equal(t, 0, p.HighWaterMark())

	s := p.Stats()
	assert.Equal(t, arena.BackendHeap, s.Backend)
	// 64+256+16 rounded up to a cache line multiple.
	assert.Equal(t, 384*5, s.ArenaBytes)
}

func TestPoolAllocateAndRelease(t *testing.T) {
	p := newTestPool(t, core.PoolConfig{PayloadSize: 128, InitialCount: 3, Headroom: 32}, 1)

	b1 := p.Allocate()
	require.NotNil(t, b1)
	assert.Equal(t, 2, p.FreeCount())
	assert.Equal(t, uint64(1), p.AllocCount())
	assert.Equal(t, 1, b1.RefCount())
	assert.Same(t, p, b1.Pool())
	assert.Equal(t, 1, b1.NUMANode())
	assert.Equal(t, 128, b1.Capacity())
	assert.Equal(t, core.StateAllocated, b1.Metadata().State())

	b2 := p.Allocate()
	require.NotNil(t, b2)
	assert.NotSame(t, b1, b2)
	assert.Equal(t, 1, p.FreeCount())

	b1.Release()
	assert.Equal(t, 2, p.FreeCount())
	assert.Equal(t, uint64(1), p.DeallocCount())
	assert.Equal(t, core.StateFree, b1.Metadata().State())
	assertCountersConsistent(t, p)

	// The free list is a stack: the unit just returned is served next.
	b3 := p.Allocate()
	assert.Same(t, b1, b3)
	assert.Equal(t, uint64(3), p.AllocCount())

	b2.Release()
	b3.Release()
	assert.Equal(t, 3, p.FreeCount())
	assert.Equal(t, uint64(3), p.DeallocCount())
	assert.Equal(t, 2, p.HighWaterMark())
	assertCountersConsistent(t, p)
}

func TestPoolExhaustion(t *testing.T) {
	const n = 5
	p := newTestPool(t, core.NewPoolConfig(128, n), core.NodeGlobal)

	bufs := make([]*PacketBuffer, 0, n)
	for i := 0; i < n; i++ {
		b := p.Allocate()
		require.NotNil(t, b, "allocation %d", i+1)
		bufs = append(bufs, b)
	}
	assert.Equal(t, 0, p.FreeCount())
	assert.Nil(t, p.Allocate())
	assert.Equal(t, uint64(n), p.AllocCount())

	for _, b := range bufs {
		b.Release()
	}
	assert.Equal(t, n, p.FreeCount())
	assert.Equal(t, p.AllocCount(), p.DeallocCount())
	assert.Equal(t, n, p.HighWaterMark())
}

// TestPoolSlotsAreDisjoint fills every buffer's full region and checks that
// no write leaks into a neighbour.
func TestPoolSlotsAreDisjoint(t *testing.T) {
	cfg := core.PoolConfig{PayloadSize: 100, InitialCount: 4, Headroom: 10, Tailroom: 6}
	p := newTestPool(t, cfg, 0)

	var bufs []*PacketBuffer
	for i := 0; i < cfg.InitialCount; i++ {
		b := p.Allocate()
		require.NotNil(t, b)
		require.NotNil(t, b.ReserveHeadroom(b.Headroom()))
		b.SetDataLen(1 << 20)
		require.Equal(t, cfg.RegionSize(), b.DataLen())
		for j := range b.Data() {
			b.Data()[j] = byte(i + 1)
		}
		bufs = append(bufs, b)
	}
	for i, b := range bufs {
		for _, v := range b.Data() {
			require.Equal(t, byte(i+1), v)
		}
		// The region slice cannot be grown past its slot.
		assert.Equal(t, len(b.region), cap(b.region))
		b.Release()
	}
}

func TestPoolReleaseResetsWindow(t *testing.T) {
	p := newTestPool(t, core.PoolConfig{PayloadSize: 64, InitialCount: 1, Headroom: 16, Tailroom: 8}, 0)

	b := p.Allocate()
	require.NotNil(t, b)
	b.SetDataLen(40)
	require.NotNil(t, b.ReserveHeadroom(16))
	require.NotNil(t, b.ReserveTailroom(8))
	b.Release()

	b = p.Allocate()
	require.NotNil(t, b)
	assert.Equal(t, 16, b.Headroom())
	assert.Equal(t, 0, b.DataLen())
	assert.Equal(t, 64+8, b.Tailroom())
	b.Release()
}

func TestNewPoolInvalidConfig(t *testing.T) {
	for _, cfg := range []core.PoolConfig{
		{PayloadSize: 0, InitialCount: 1},
		{PayloadSize: 64, InitialCount: 0},
		{PayloadSize: 64, InitialCount: 1, Headroom: -1},
	} {
		_, err := NewPool(cfg, 0)
		assert.True(t, errors.Is(err, core.ErrInvalidConfig), "%v", cfg)
	}

	// The region size itself overflows.
	_, err := NewPool(core.NewPoolConfig(math.MaxInt-8, 1), 0)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	// Three large parts wrap around to a small positive region.
	third := math.MaxInt/3 + 1
	_, err = NewPool(core.PoolConfig{PayloadSize: third, InitialCount: 1, Headroom: third, Tailroom: third}, 0)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))

	// count * stride overflows.
	_, err = NewPool(core.NewPoolConfig(math.MaxInt/2, 4), 0)
	assert.True(t, errors.Is(err, core.ErrInvalidConfig))
}

func TestNewPoolArenaFailure(t *testing.T) {
	alloc := &countingAllocator{failWith: core.ErrArenaAlloc}
	p, err := NewPool(core.NewPoolConfig(128, 4), 0, WithAllocator(alloc))
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, core.ErrArenaAlloc))

	_, err = NewPool(core.NewPoolConfig(4096, 1024), 0, WithAllocator(arena.Heap{Limit: 4096}))
	assert.True(t, errors.Is(err, core.ErrArenaAlloc))
}

func TestPoolClose(t *testing.T) {
	alloc := &countingAllocator{}
	p, err := NewPool(core.NewPoolConfig(128, 2), 0, WithAllocator(alloc))
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.allocs)
	assert.Equal(t, "counting", p.Stats().Backend)

	b := p.Allocate()
	require.NotNil(t, b)
	err = p.Close()
	assert.True(t, errors.Is(err, core.ErrPoolBusy))
	assert.Equal(t, 0, alloc.frees)

	b.Release()
	require.NoError(t, p.Close())
	assert.Equal(t, 1, alloc.frees)
	assert.True(t, p.Stats().Closed)
	assert.Equal(t, 2, p.Stats().Free)
	assertCountersConsistent(t, p)
	assert.Nil(t, p.Allocate())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, alloc.frees)
}

func TestPoolMmapBackend(t *testing.T) {
	alloc, err := arena.New(arena.BackendMmap, arena.Options{})
	if err != nil {
		t.Skipf("mmap backend unavailable: %v", err)
	}
	p, err := NewPool(core.NewPoolConfig(1500, 64), 0, WithAllocator(alloc))
	require.NoError(t, err)

	b := p.Allocate()
	require.NotNil(t, b)
	copy(b.ReserveTailroom(4), []byte("ping"))
	assert.Equal(t, []byte("ping"), b.Data())
	b.Release()

	require.NoError(t, p.Close())
}

func TestPoolConcurrentAllocateRelease(t *testing.T) {
	const n = 16
	p := newTestPool(t, core.NewPoolConfig(256, n), 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b := p.Allocate()
				if b == nil {
					continue
				}
				b.SetDataLen(w + 1)
				shared := b.AddRef()
				done := make(chan struct{})
				go func() {
					shared.Release()
					close(done)
				}()
				b.Release()
				<-done
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, n, p.FreeCount())
	assert.Equal(t, p.AllocCount(), p.DeallocCount())
	assert.LessOrEqual(t, p.HighWaterMark(), n)
	assertCountersConsistent(t, p)
}
