// Package buffer implements pre-allocated packet buffers and the fixed-size
// pools that own them.
//
// A Pool carves one contiguous arena into equal slots. Each slot holds a
// [headroom|payload|tailroom] region; the PacketBuffer header and its
// core.Metadata record live in slices indexed by the same slot number. A
// buffer is handed out with a reference count of one, shared with AddRef, and
// returns to its pool's free list by itself when the last holder calls
// Release. Pools never grow: an empty free list makes Allocate return nil.
package buffer
