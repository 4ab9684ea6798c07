// Package id generates opaque unique tokens for listener registrations.
package id

import (
	"strconv"

	"github.com/maxpert/retopic/hlc"
)

// Generator provides unique tokens. Tokens are unique across processes
// sharing distinct node ids and roughly time-ordered.
type Generator interface {
	NextID() string
}

// HLCGenerator generates tokens from the hybrid logical clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a generator backed by the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID returns a unique token, hex-encoded for use as an opaque string.
func (g *HLCGenerator) NextID() string {
	return strconv.FormatUint(g.clock.Now().ToID(), 16)
}
