// Package hlc implements a hybrid logical clock. Retopic uses it for
// publish timestamps (monotonic wall-clock milliseconds) and as the
// uniqueness source for listener registration ids.
package hlc

import (
	"sync"
	"time"
)

// LogicalBits is the number of bits reserved for the logical counter in
// packed ids. 16 bits = ~65k ids per millisecond per node.
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits.
const LogicalMask = (1 << LogicalBits) - 1

// NodeIDBits is the number of bits reserved for the node id in packed ids.
const NodeIDBits = 6

// NodeIDMask masks the node id to 6 bits.
const NodeIDMask = (1 << NodeIDBits) - 1

// TotalShiftBits is the total bits to shift wall time when packing ids.
const TotalShiftBits = NodeIDBits + LogicalBits // 22 bits

// MaxLogical is the maximum value of the logical counter before overflow.
const MaxLogical = LogicalMask

// Clock is a monotonic hybrid logical clock. Reads never go backwards even
// when the wall clock does.
type Clock struct {
	nodeID   uint64
	wallTime int64 // nanoseconds
	logical  int32
	lastMS   int64 // logical resets when the millisecond changes
	mu       sync.Mutex
}

// Timestamp is a single clock reading.
type Timestamp struct {
	WallTime int64 // nanoseconds
	Logical  int32
	NodeID   uint64
}

// NewClock creates a clock for the given node id.
func NewClock(nodeID uint64) *Clock {
	now := time.Now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: now,
		lastMS:   now / 1_000_000,
	}
}

// Now returns a new timestamp, strictly greater than every previous one
// from this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	currentMS := physicalNow / 1_000_000

	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
	}

	// Reset logical when the millisecond changes so it never overflows
	// into the physical bits of packed ids.
	if currentMS > c.lastMS {
		c.lastMS = currentMS
		c.logical = 0
	}

	// Exhausted the logical counter for this millisecond: wait for the
	// next one so packed ids stay unique.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		now := time.Now().UnixNano()
		nowMS := now / 1_000_000
		if nowMS > c.lastMS {
			c.wallTime = now
			c.lastMS = nowMS
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// UnixMilli returns the wall-clock component in milliseconds.
func (t Timestamp) UnixMilli() int64 {
	return t.WallTime / 1_000_000
}

// PhysicalTime returns the wall-clock component as time.Time.
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// ToID packs the timestamp into a unique 64-bit id.
// Format: (physical_ms << 22) | (node_id << 16) | logical.
//
// Bit allocation: 42 bits of wall-clock milliseconds (~139 years from
// epoch), 6 bits of node id, 16 bits of logical counter.
func (t Timestamp) ToID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	nodeID := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (nodeID << LogicalBits) | logical
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
func Compare(a, b Timestamp) int {
	if a.WallTime != b.WallTime {
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	}
	if a.Logical != b.Logical {
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	}
	if a.NodeID != b.NodeID {
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}
