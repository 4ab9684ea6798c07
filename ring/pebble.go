package ring

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/encoding"
)

// Pebble configuration constants, tuned for sequential appends.
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// PebbleStore hosts any number of named durable rings inside one Pebble
// database. Ring keys are namespaced by an xxhash of the ring name so that
// every ring occupies a contiguous, fixed-width key range.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.Mutex
	rings  map[string]*PebbleRing
	closed bool
}

// OpenPebbleStore opens (or creates) the store at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ring store at %s: %w", dir, err)
	}
	return &PebbleStore{db: db, rings: make(map[string]*PebbleRing)}, nil
}

// Ring opens the named ring, creating its metadata on first use. Repeated
// calls with the same name return the same instance.
func (s *PebbleStore) Ring(name string, capacity int64, ttl time.Duration) (*PebbleRing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r, ok := s.rings[name]; ok {
		return r, nil
	}

	r := &PebbleRing{
		store:    s,
		name:     name,
		ns:       xxhash.Sum64String(name),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
	if r.capacity < 1 {
		r.capacity = 1
	}
	if err := r.loadMeta(); err != nil {
		return nil, fmt.Errorf("failed to load ring %q: %w", name, err)
	}
	s.rings[name] = r

	log.Debug().Str("ring", name).Int64("head", r.head).Int64("next", r.nextSeq).
		Msg("Opened durable ring")
	return r, nil
}

// Close closes the underlying database. All rings served by the store
// become unusable.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	for _, r := range s.rings {
		r.markClosed()
	}
	return s.db.Close()
}

// pebbleEntry is the stored representation of one ring entry.
type pebbleEntry struct {
	StoredAt int64  `msgpack:"at"` // unix ms
	Payload  []byte `msgpack:"p"`
}

// ringMeta persists the retained window bounds across restarts.
type ringMeta struct {
	Head    int64 `msgpack:"h"`
	NextSeq int64 `msgpack:"n"`
}

// PebbleRing is a durable Ringbuffer backed by a PebbleStore. A ring is
// owned by a single process; head/nextSeq are authoritative in memory and
// persisted on every append and trim.
type PebbleRing struct {
	store    *PebbleStore
	name     string
	ns       uint64
	capacity int64
	ttl      time.Duration

	mu      sync.Mutex
	head    int64
	nextSeq int64
	closed  bool

	now func() time.Time
}

func (r *PebbleRing) loadMeta() error {
	val, closer, err := r.store.db.Get(r.metaKey())
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var meta ringMeta
	if err := encoding.Unmarshal(val, &meta); err != nil {
		return fmt.Errorf("corrupted ring metadata: %w", err)
	}
	r.head = meta.Head
	r.nextSeq = meta.NextSeq
	return nil
}

func (r *PebbleRing) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *PebbleRing) Capacity() int64 { return r.capacity }

func (r *PebbleRing) Size(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if err := r.expireLocked(); err != nil {
		return 0, err
	}
	return r.nextSeq - r.head, nil
}

func (r *PebbleRing) HeadSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if err := r.expireLocked(); err != nil {
		return 0, err
	}
	return r.head, nil
}

func (r *PebbleRing) TailSequence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	return r.nextSeq - 1, nil
}

func (r *PebbleRing) Add(ctx context.Context, payload []byte, mode OverflowMode) (int64, error) {
	return r.AddAll(ctx, [][]byte{payload}, mode)
}

func (r *PebbleRing) AddAll(ctx context.Context, payloads [][]byte, mode OverflowMode) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	if len(payloads) == 0 {
		return r.nextSeq - 1, nil
	}
	if err := r.expireLocked(); err != nil {
		return 0, err
	}

	n := int64(len(payloads))
	newHead := r.head
	free := r.capacity - (r.nextSeq - r.head)
	if free < n {
		if mode == OverflowFail {
			return 0, ErrNoSpace
		}
		evict := n - free
		if evict > r.nextSeq-r.head {
			evict = r.nextSeq - r.head
		}
		newHead = r.head + evict
	}

	nextSeq := r.nextSeq
	if over := n - r.capacity; over > 0 {
		// Over-capacity batch: only the newest capacity items land, but
		// every item consumes a sequence.
		nextSeq += over
		payloads = payloads[over:]
		newHead = nextSeq
	}

	batch := r.store.db.NewBatch()
	defer batch.Close()

	storedAt := r.now().UnixMilli()
	for _, p := range payloads {
		val, err := encoding.Marshal(&pebbleEntry{StoredAt: storedAt, Payload: p})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal ring entry: %w", err)
		}
		if err := batch.Set(r.entryKey(nextSeq), val, pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to write ring entry: %w", err)
		}
		nextSeq++
	}
	if newHead > r.head {
		if err := batch.DeleteRange(r.entryKey(r.head), r.entryKey(newHead), pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to trim ring: %w", err)
		}
	}
	if err := r.writeMeta(batch, newHead, nextSeq); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit ring batch: %w", err)
	}

	// Only advance in-memory bounds after a successful commit.
	r.head = newHead
	r.nextSeq = nextSeq
	return r.nextSeq - 1, nil
}

func (r *PebbleRing) ReadOne(ctx context.Context, seq int64) (Entry, error) {
	res, err := r.ReadMany(ctx, seq, 1, 1)
	if err != nil {
		return Entry{}, err
	}
	if len(res.Items) == 0 {
		return Entry{}, ErrSequenceAhead
	}
	return res.Items[0], nil
}

func (r *PebbleRing) ReadMany(ctx context.Context, start int64, minCount, maxCount int) (ReadResult, error) {
	if maxCount < 1 {
		maxCount = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ReadResult{}, ErrClosed
	}
	if err := r.expireLocked(); err != nil {
		return ReadResult{}, err
	}
	if start < r.head {
		return ReadResult{}, &StaleSequenceError{Requested: start, Head: r.head}
	}
	if start > r.nextSeq {
		return ReadResult{}, ErrSequenceAhead
	}

	res := ReadResult{NextSequence: start}
	if start == r.nextSeq {
		return res, nil
	}

	iter, err := r.store.db.NewIter(&pebble.IterOptions{
		LowerBound: r.entryKey(start),
		UpperBound: r.entryKey(r.nextSeq),
	})
	if err != nil {
		return ReadResult{}, err
	}
	defer iter.Close()

	seq := start
	for iter.First(); iter.Valid() && len(res.Items) < maxCount; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return ReadResult{}, err
		}
		var e pebbleEntry
		if err := encoding.Unmarshal(val, &e); err != nil {
			// Skip corrupted entries rather than wedging the reader.
			log.Warn().Err(err).Str("ring", r.name).Msg("Failed to unmarshal ring entry")
			seq++
			continue
		}
		seq = r.seqFromKey(iter.Key())
		res.Items = append(res.Items, Entry{Sequence: seq, Payload: e.Payload})
		seq++
	}
	if err := iter.Error(); err != nil {
		return ReadResult{}, err
	}
	res.NextSequence = seq
	return res, nil
}

// Close marks the ring unusable. The underlying database is owned by the
// store and stays open for other rings.
func (r *PebbleRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	return nil
}

// expireLocked trims entries whose TTL elapsed, advancing the head.
func (r *PebbleRing) expireLocked() error {
	if r.ttl <= 0 || r.head == r.nextSeq {
		return nil
	}
	cutoff := r.now().Add(-r.ttl).UnixMilli()

	newHead := r.head
	iter, err := r.store.db.NewIter(&pebble.IterOptions{
		LowerBound: r.entryKey(r.head),
		UpperBound: r.entryKey(r.nextSeq),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, verr := iter.ValueAndErr()
		if verr != nil {
			return verr
		}
		var e pebbleEntry
		if uerr := encoding.Unmarshal(val, &e); uerr == nil && e.StoredAt > cutoff {
			break
		}
		newHead = r.seqFromKey(iter.Key()) + 1
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if newHead == r.head {
		return nil
	}

	batch := r.store.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(r.entryKey(r.head), r.entryKey(newHead), pebble.Sync); err != nil {
		return err
	}
	if err := r.writeMeta(batch, newHead, r.nextSeq); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	r.head = newHead
	return nil
}

func (r *PebbleRing) writeMeta(batch *pebble.Batch, head, nextSeq int64) error {
	val, err := encoding.Marshal(&ringMeta{Head: head, NextSeq: nextSeq})
	if err != nil {
		return fmt.Errorf("failed to marshal ring metadata: %w", err)
	}
	if err := batch.Set(r.metaKey(), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write ring metadata: %w", err)
	}
	return nil
}

// Key layout: r/{8-byte name hash}/e/{8-byte big-endian seq} for entries,
// r/{8-byte name hash}/m for metadata. Big-endian sequences keep iteration
// order equal to sequence order.
func (r *PebbleRing) entryKey(seq int64) []byte {
	key := make([]byte, 0, 2+8+2+8)
	key = append(key, 'r', '/')
	key = binary.BigEndian.AppendUint64(key, r.ns)
	key = append(key, '/', 'e')
	key = binary.BigEndian.AppendUint64(key, uint64(seq))
	return key
}

func (r *PebbleRing) metaKey() []byte {
	key := make([]byte, 0, 2+8+2)
	key = append(key, 'r', '/')
	key = binary.BigEndian.AppendUint64(key, r.ns)
	key = append(key, '/', 'm')
	return key
}

func (r *PebbleRing) seqFromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}
