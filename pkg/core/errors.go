package core

import "errors"

// Errors shared by the pool layers.
var (
	ErrInvalidConfig = errors.New("invalid pool configuration")
	ErrArenaAlloc    = errors.New("arena allocation failed")
	ErrNoPool        = errors.New("no pool matches the requested size")
	ErrPoolExhausted = errors.New("pool exhausted")
	ErrPoolBusy      = errors.New("pool has outstanding buffers")
	ErrPoolClosed    = errors.New("pool is closed")
)
