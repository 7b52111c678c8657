package core

import (
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// NodeGlobal is the NUMA tag for pools that are not bound to a node. It is
// also the fallback target when a node-specific lookup misses.
const NodeGlobal = -1

// Default data window reservations.
const (
	DefaultHeadroom = 64
	DefaultTailroom = 0
)

// MaxRegionSize bounds headroom + payload + tailroom so that a slot rounded
// up to a cache line still fits in an int.
const MaxRegionSize = math.MaxInt - 64

// PoolConfig describes one pool tier: a fixed payload size and the number of
// buffers carved up front.
type PoolConfig struct {
	// PayloadSize is the usable payload capacity of each buffer in bytes.
	PayloadSize int `json:"payload_size" yaml:"payloadSize"`

	// InitialCount is the number of buffers allocated when the pool is built.
	InitialCount int `json:"initial_count" yaml:"initialCount"`

	// Headroom is the space reserved in front of the payload.
	Headroom int `json:"headroom" yaml:"headroom"`

	// Tailroom is the space reserved after the payload.
	Tailroom int `json:"tailroom" yaml:"tailroom"`
}

// NewPoolConfig returns a configuration with the default headroom and tailroom.
func NewPoolConfig(payloadSize, initialCount int) PoolConfig {
	return PoolConfig{
		PayloadSize:  payloadSize,
		InitialCount: initialCount,
		Headroom:     DefaultHeadroom,
		Tailroom:     DefaultTailroom,
	}
}

// Validate checks that every size is usable.
func (c PoolConfig) Validate() error {
	if c.PayloadSize <= 0 {
		return fmt.Errorf("%w: payload size must be positive, got %d", ErrInvalidConfig, c.PayloadSize)
	}
	if c.InitialCount <= 0 {
		return fmt.Errorf("%w: initial count must be positive, got %d", ErrInvalidConfig, c.InitialCount)
	}
	if c.Headroom < 0 {
		return fmt.Errorf("%w: negative headroom %d", ErrInvalidConfig, c.Headroom)
	}
	if c.Tailroom < 0 {
		return fmt.Errorf("%w: negative tailroom %d", ErrInvalidConfig, c.Tailroom)
	}
	if c.Headroom > MaxRegionSize-c.PayloadSize || c.Tailroom > MaxRegionSize-c.PayloadSize-c.Headroom {
		return fmt.Errorf("%w: headroom %d + payload %d + tailroom %d exceeds %d bytes",
			ErrInvalidConfig, c.Headroom, c.PayloadSize, c.Tailroom, MaxRegionSize)
	}
	return nil
}

// RegionSize is headroom + payload + tailroom.
func (c PoolConfig) RegionSize() int {
	return c.Headroom + c.PayloadSize + c.Tailroom
}

// String renders the configuration for log lines.
func (c PoolConfig) String() string {
	return fmt.Sprintf("payload=%d count=%d headroom=%d tailroom=%d",
		c.PayloadSize, c.InitialCount, c.Headroom, c.Tailroom)
}

// poolConfigFields avoids recursion in the decoders below.
type poolConfigFields PoolConfig

// UnmarshalYAML fills omitted reservations with their defaults, so a missing
// headroom becomes DefaultHeadroom while an explicit 0 is kept.
func (c *PoolConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := poolConfigFields(NewPoolConfig(0, 0))
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = PoolConfig(raw)
	return nil
}

// UnmarshalJSON is the JSON counterpart of UnmarshalYAML.
func (c *PoolConfig) UnmarshalJSON(data []byte) error {
	raw := poolConfigFields(NewPoolConfig(0, 0))
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = PoolConfig(raw)
	return nil
}
