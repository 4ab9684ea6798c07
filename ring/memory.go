package ring

import (
	"context"
	"sync"
	"time"
)

// memEntry is a stored payload with its assigned sequence and expiry.
type memEntry struct {
	seq      int64
	payload  []byte
	expireAt time.Time // zero when the ring has no TTL
}

// MemoryRing is an in-process Ringbuffer. Capacity is a hard bound on the
// number of retained entries; entries older than ttl are lazily expired on
// the next operation that inspects the ring.
//
// Sequences start at 0. An empty ring reports head == nextSeq and
// tail == nextSeq-1.
type MemoryRing struct {
	mu       sync.Mutex
	entries  []memEntry
	nextSeq  int64
	capacity int64
	ttl      time.Duration
	closed   bool

	// waitCh is closed and replaced on every append so that all blocked
	// readers wake up.
	waitCh chan struct{}

	// now is swapped out by tests
	now func() time.Time
}

// NewMemoryRing creates a memory ring with the given capacity and TTL.
// ttl == 0 disables time-based expiry; retention is then bounded by
// capacity alone.
func NewMemoryRing(capacity int64, ttl time.Duration) *MemoryRing {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryRing{
		entries:  make([]memEntry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		waitCh:   make(chan struct{}),
		now:      time.Now,
	}
}

func (rb *MemoryRing) Capacity() int64 { return rb.capacity }

func (rb *MemoryRing) Size(ctx context.Context) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return 0, ErrClosed
	}
	rb.expireLocked()
	return int64(len(rb.entries)), nil
}

func (rb *MemoryRing) HeadSequence(ctx context.Context) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return 0, ErrClosed
	}
	rb.expireLocked()
	return rb.headLocked(), nil
}

func (rb *MemoryRing) TailSequence(ctx context.Context) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return 0, ErrClosed
	}
	return rb.nextSeq - 1, nil
}

// headLocked returns the oldest retained sequence, or nextSeq when empty.
func (rb *MemoryRing) headLocked() int64 {
	if len(rb.entries) == 0 {
		return rb.nextSeq
	}
	return rb.entries[0].seq
}

// expireLocked drops entries whose TTL elapsed. Eviction advances the head
// regardless of reader progress.
func (rb *MemoryRing) expireLocked() {
	if rb.ttl <= 0 {
		return
	}
	now := rb.now()
	i := 0
	for ; i < len(rb.entries); i++ {
		if rb.entries[i].expireAt.After(now) {
			break
		}
	}
	if i > 0 {
		rb.entries = rb.entries[i:]
	}
}

func (rb *MemoryRing) Add(ctx context.Context, payload []byte, mode OverflowMode) (int64, error) {
	return rb.AddAll(ctx, [][]byte{payload}, mode)
}

func (rb *MemoryRing) AddAll(ctx context.Context, payloads [][]byte, mode OverflowMode) (int64, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return 0, ErrClosed
	}
	if len(payloads) == 0 {
		return rb.nextSeq - 1, nil
	}

	rb.expireLocked()

	n := int64(len(payloads))
	free := rb.capacity - int64(len(rb.entries))
	if free < n {
		if mode == OverflowFail {
			return 0, ErrNoSpace
		}
		// Evict oldest entries to make room. A batch larger than the whole
		// ring keeps only its newest capacity items.
		evict := n - free
		if evict > int64(len(rb.entries)) {
			evict = int64(len(rb.entries))
		}
		rb.entries = rb.entries[evict:]
		if over := n - rb.capacity; over > 0 {
			// Sequences are still consumed by the items that never land.
			rb.nextSeq += over
			payloads = payloads[over:]
		}
	}

	var expireAt time.Time
	if rb.ttl > 0 {
		expireAt = rb.now().Add(rb.ttl)
	}
	for _, p := range payloads {
		rb.entries = append(rb.entries, memEntry{seq: rb.nextSeq, payload: p, expireAt: expireAt})
		rb.nextSeq++
	}

	// Wake all blocked readers.
	close(rb.waitCh)
	rb.waitCh = make(chan struct{})

	return rb.nextSeq - 1, nil
}

func (rb *MemoryRing) ReadOne(ctx context.Context, seq int64) (Entry, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return Entry{}, ErrClosed
	}
	rb.expireLocked()

	head := rb.headLocked()
	if seq < head {
		return Entry{}, &StaleSequenceError{Requested: seq, Head: head}
	}
	if seq >= rb.nextSeq {
		return Entry{}, ErrSequenceAhead
	}
	e := rb.entries[seq-head]
	return Entry{Sequence: e.seq, Payload: e.payload}, nil
}

// ReadMany blocks until at least minCount entries are readable from start,
// ctx is done, or the ring is closed. On ctx expiry it returns whatever is
// available, which may be nothing.
func (rb *MemoryRing) ReadMany(ctx context.Context, start int64, minCount, maxCount int) (ReadResult, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	if minCount > maxCount {
		minCount = maxCount
	}

	for {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			return ReadResult{}, ErrClosed
		}
		rb.expireLocked()

		head := rb.headLocked()
		if start < head {
			rb.mu.Unlock()
			return ReadResult{}, &StaleSequenceError{Requested: start, Head: head}
		}
		if start > rb.nextSeq {
			rb.mu.Unlock()
			return ReadResult{}, ErrSequenceAhead
		}

		available := int(rb.nextSeq - start)
		if available >= minCount || minCount <= 0 {
			count := available
			if count > maxCount {
				count = maxCount
			}
			res := ReadResult{NextSequence: start}
			if count > 0 {
				offset := start - head
				res.Items = make([]Entry, 0, count)
				for _, e := range rb.entries[offset : offset+int64(count)] {
					res.Items = append(res.Items, Entry{Sequence: e.seq, Payload: e.payload})
				}
				res.NextSequence = res.Items[count-1].Sequence + 1
			}
			rb.mu.Unlock()
			return res, nil
		}

		wait := rb.waitCh
		rb.mu.Unlock()

		select {
		case <-ctx.Done():
			// Best effort: hand back what is there instead of failing.
			return rb.snapshot(start, maxCount)
		case <-wait:
		}
	}
}

// snapshot collects available entries without waiting.
func (rb *MemoryRing) snapshot(start int64, maxCount int) (ReadResult, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return ReadResult{}, ErrClosed
	}
	rb.expireLocked()

	head := rb.headLocked()
	if start < head {
		return ReadResult{}, &StaleSequenceError{Requested: start, Head: head}
	}
	res := ReadResult{NextSequence: start}
	if start >= rb.nextSeq {
		return res, nil
	}
	count := int(rb.nextSeq - start)
	if count > maxCount {
		count = maxCount
	}
	offset := start - head
	res.Items = make([]Entry, 0, count)
	for _, e := range rb.entries[offset : offset+int64(count)] {
		res.Items = append(res.Items, Entry{Sequence: e.seq, Payload: e.payload})
	}
	res.NextSequence = res.Items[count-1].Sequence + 1
	return res, nil
}

func (rb *MemoryRing) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return ErrClosed
	}
	rb.closed = true
	close(rb.waitCh)
	return nil
}
