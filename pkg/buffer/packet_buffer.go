package buffer

import (
	"sync/atomic"

	"github.com/irctrakz/pktpool/pkg/core"
	"github.com/irctrakz/pktpool/pkg/logging"
)

// owner takes a buffer back once its last reference is gone.
type owner interface {
	deallocate(b *PacketBuffer)
}

// PacketBuffer is a reference-counted view over one pool slot. The live data
// window starts off bytes into region and spans length bytes; it slides into
// the headroom and tailroom without copying.
//
// AddRef, Release and the read accessors are safe for concurrent use. Calls
// that move the window (SetDataLen, ReserveHeadroom, ReserveTailroom,
// ResetDataPtr) must be serialized by the caller.
type PacketBuffer struct {
	region   []byte
	off      int
	length   int
	headroom int
	tailroom int

	refs  atomic.Int32
	next  *PacketBuffer
	meta  *core.Metadata
	node  int
	owner owner
	slot  int32
}

// newPacketBuffer builds a standalone buffer header, mainly for tests; pools
// initialize headers in place.
func newPacketBuffer(o owner, region []byte, headroom, tailroom int, meta *core.Metadata, node int) *PacketBuffer {
	b := &PacketBuffer{}
	b.init(o, region, headroom, tailroom, meta, node, -1)
	return b
}

func (b *PacketBuffer) init(o owner, region []byte, headroom, tailroom int, meta *core.Metadata, node int, slot int32) {
	b.region = region
	b.headroom = headroom
	b.tailroom = tailroom
	b.meta = meta
	b.node = node
	b.slot = slot
	b.owner = o
	b.off = headroom
	b.length = 0
	b.next = nil
	b.refs.Store(0)
}

// AddRef takes another reference for a new holder. The caller must already
// hold one.
func (b *PacketBuffer) AddRef() *PacketBuffer {
	b.refs.Add(1)
	return b
}

// Release drops one reference. Dropping the last one resets the data window,
// clears the chain link, marks the metadata Released and hands the buffer back
// to its pool. A buffer without a pool is left untouched: its window and
// metadata keep their last values.
//
// Releasing a buffer that holds no references is logged and ignored, so the
// slot can never enter the free list twice.
func (b *PacketBuffer) Release() {
	for {
		n := b.refs.Load()
		if n <= 0 {
			logging.Component("buffer").WithField("node", b.node).
				WithField("slot", b.slot).Error("release of a buffer with no references")
			return
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				b.reclaim()
			}
			return
		}
	}
}

func (b *PacketBuffer) reclaim() {
	if b.owner == nil {
		return
	}
	b.off = b.headroom
	b.length = 0
	b.next = nil
	if b.meta != nil {
		b.meta.SetState(core.StateReleased)
	}
	b.owner.deallocate(b)
}

// RefCount returns the current number of holders.
func (b *PacketBuffer) RefCount() int {
	return int(b.refs.Load())
}

// Data returns the live data window. The slice aliases pool memory and is
// only valid while the caller holds a reference.
func (b *PacketBuffer) Data() []byte {
	return b.region[b.off : b.off+b.length]
}

// Capacity is the configured payload size.
func (b *PacketBuffer) Capacity() int {
	return len(b.region) - b.headroom - b.tailroom
}

// DataLen returns the live data length.
func (b *PacketBuffer) DataLen() int {
	return b.length
}

// SetDataLen sets the live length and returns the length actually applied.
// Requests beyond the end of the region are truncated to the space left after
// the current data start; negative requests become zero.
func (b *PacketBuffer) SetDataLen(n int) int {
	if n < 0 {
		n = 0
	}
	if limit := len(b.region) - b.off; n > limit {
		n = limit
	}
	b.length = n
	return n
}

// HeadroomSize returns the configured headroom, not the space still free.
func (b *PacketBuffer) HeadroomSize() int { return b.headroom }

// TailroomSize returns the configured tailroom, not the space still free.
func (b *PacketBuffer) TailroomSize() int { return b.tailroom }

// Headroom returns the unused space in front of the data window.
func (b *PacketBuffer) Headroom() int { return b.off }

// Tailroom returns the unused space after the data window.
func (b *PacketBuffer) Tailroom() int { return len(b.region) - b.off - b.length }

// ReserveHeadroom grows the window n bytes towards the region start, for
// prepending a header, and returns those n bytes. It returns nil when fewer
// than n bytes of headroom remain.
func (b *PacketBuffer) ReserveHeadroom(n int) []byte {
	if n < 0 || n > b.off {
		return nil
	}
	b.off -= n
	b.length += n
	return b.region[b.off : b.off+n : b.off+n]
}

// ReserveTailroom grows the window n bytes at its end and returns the new
// bytes for writing. It returns nil when fewer than n bytes of tailroom remain.
func (b *PacketBuffer) ReserveTailroom(n int) []byte {
	if n < 0 || n > b.Tailroom() {
		return nil
	}
	end := b.off + b.length
	b.length += n
	return b.region[end : end+n : end+n]
}

// ResetDataPtr moves the data start back to its default position after the
// configured headroom. The length is kept, clamped to the space available
// from the new start.
func (b *PacketBuffer) ResetDataPtr() {
	b.off = b.headroom
	if limit := len(b.region) - b.off; b.length > limit {
		b.length = limit
	}
}

// Next returns the following segment of a multi-segment packet. Segments are
// referenced independently; releasing one never releases the next.
func (b *PacketBuffer) Next() *PacketBuffer { return b.next }

// SetNext links the following segment.
func (b *PacketBuffer) SetNext(next *PacketBuffer) { b.next = next }

// Metadata returns the record paired with this buffer.
func (b *PacketBuffer) Metadata() *core.Metadata { return b.meta }

// NUMANode returns the node tag of the owning pool.
func (b *PacketBuffer) NUMANode() int { return b.node }

// Pool returns the owning pool, or nil for a standalone buffer.
func (b *PacketBuffer) Pool() *Pool {
	p, _ := b.owner.(*Pool)
	return p
}
