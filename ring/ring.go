// Package ring provides capacity- and TTL-bounded, sequence-addressed
// append logs ("ringbuffers"). Entries are assigned monotonically increasing
// sequences on append; the oldest entries are evicted once capacity or TTL
// pressure builds, independent of whether any reader consumed them.
//
// Three backends ship with the package: an in-process memory ring, a
// Pebble-backed durable ring, and a NATS JetStream-backed remote ring.
package ring

import (
	"context"
	"errors"
	"fmt"
)

// OverflowMode controls how an append behaves when the ring has no free
// capacity. "No free capacity" means the ring cannot accept the item(s)
// without evicting entries that are still inside their TTL window; entries
// whose TTL already expired never count as occupied.
type OverflowMode int

const (
	// OverflowFail rejects the append with ErrNoSpace, leaving the ring
	// unchanged.
	OverflowFail OverflowMode = iota
	// OverflowEvict evicts the oldest entries to make room. Appends with
	// this mode always succeed.
	OverflowEvict
)

// ErrNoSpace is returned by Add/AddAll under OverflowFail when the ring is
// at capacity and the oldest retained entry has not expired.
var ErrNoSpace = errors.New("ring: no free capacity")

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("ring: closed")

// ErrSequenceAhead is returned by reads that start beyond tail+1.
var ErrSequenceAhead = errors.New("ring: sequence ahead of tail")

// StaleSequenceError signals that a read started below the current head:
// the requested entries were evicted before the reader consumed them. Head
// carries the oldest sequence still retained so the reader can resume there.
type StaleSequenceError struct {
	Requested int64
	Head      int64
}

func (e *StaleSequenceError) Error() string {
	return fmt.Sprintf("ring: sequence %d below head %d (entries evicted)", e.Requested, e.Head)
}

// Entry is a single stored item together with its assigned sequence.
type Entry struct {
	Sequence int64
	Payload  []byte
}

// ReadResult is the outcome of a ReadMany call. Items are ordered by
// strictly increasing sequence. NextSequence is the cursor position a
// reader should continue from.
type ReadResult struct {
	Items        []Entry
	NextSequence int64
}

// Ringbuffer is a sequence-addressed bounded log.
//
// Sequences are assigned by the ring starting at its backend-defined base
// and only ever move forward. At any instant the retained window is
// [HeadSequence, TailSequence]; an empty ring has TailSequence < HeadSequence.
//
// ReadMany returns immediately with up to maxCount available entries and
// may return fewer than minCount (including none) when the backend cannot
// wait server-side; callers poll in that case. The memory backend waits for
// minCount entries until ctx is done.
type Ringbuffer interface {
	Capacity() int64
	Size(ctx context.Context) (int64, error)
	HeadSequence(ctx context.Context) (int64, error)
	TailSequence(ctx context.Context) (int64, error)

	// Add appends one payload and returns its sequence. Under OverflowFail
	// it returns ErrNoSpace when the ring has no free capacity.
	Add(ctx context.Context, payload []byte, mode OverflowMode) (int64, error)

	// AddAll appends the payloads as one indivisible unit, preserving their
	// relative order, and returns the sequence of the last item. Under
	// OverflowFail the whole batch is rejected with ErrNoSpace if it does
	// not fit; no partial append ever happens.
	AddAll(ctx context.Context, payloads [][]byte, mode OverflowMode) (int64, error)

	// ReadOne returns the entry at the given sequence, a StaleSequenceError
	// if it was evicted, or ErrSequenceAhead if it was never written.
	ReadOne(ctx context.Context, seq int64) (Entry, error)

	// ReadMany reads entries starting at start, up to maxCount. A start
	// below the current head yields a StaleSequenceError carrying the head.
	// start == tail+1 is valid and yields an empty result.
	ReadMany(ctx context.Context, start int64, minCount, maxCount int) (ReadResult, error)

	Close() error
}
