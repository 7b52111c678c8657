package core

import (
	"sync/atomic"
	"time"
)

// BufferState is the lifecycle tag of a pooled buffer.
type BufferState int32

const (
	// StateFree means the buffer sits on its pool's free list.
	StateFree BufferState = iota
	// StateAllocated means the pool handed the buffer out.
	StateAllocated
	// StateInUse is available to consumers that want to mark a buffer as
	// being processed. The pool never sets it.
	StateInUse
	// StateReleased means the last reference was dropped and the buffer is
	// on its way back to the pool.
	StateReleased
)

func (s BufferState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateInUse:
		return "in-use"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Metadata is the per-buffer protocol and lifecycle record. It lives next to
// its buffer for the whole life of the pool. Setters store unconditionally;
// nothing is range checked.
type Metadata struct {
	ingressPort uint16
	vlanID      uint16
	rxTimestamp time.Time
	custom      any
	state       atomic.Int32
}

// NewMetadata returns a Free record stamped with the current time.
func NewMetadata() *Metadata {
	m := &Metadata{}
	m.Reset()
	return m
}

// Reset restores the freshly constructed state.
func (m *Metadata) Reset() {
	m.ingressPort = 0
	m.vlanID = 0
	m.rxTimestamp = time.Now()
	m.custom = nil
	m.state.Store(int32(StateFree))
}

func (m *Metadata) IngressPort() uint16     { return m.ingressPort }
func (m *Metadata) SetIngressPort(p uint16) { m.ingressPort = p }

func (m *Metadata) VLANID() uint16      { return m.vlanID }
func (m *Metadata) SetVLANID(id uint16) { m.vlanID = id }

func (m *Metadata) RxTimestamp() time.Time      { return m.rxTimestamp }
func (m *Metadata) SetRxTimestamp(ts time.Time) { m.rxTimestamp = ts }

// Custom returns the opaque value attached by the application.
func (m *Metadata) Custom() any { return m.custom }

// SetCustom attaches an opaque value. The pool does not clear it on release.
func (m *Metadata) SetCustom(v any) { m.custom = v }

// State may be read while another goroutine releases the buffer.
func (m *Metadata) State() BufferState     { return BufferState(m.state.Load()) }
func (m *Metadata) SetState(s BufferState) { m.state.Store(int32(s)) }
