package ring

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRingSequencesStartAtZero(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	defer rb.Close()
	ctx := context.Background()

	head, err := rb.HeadSequence(ctx)
	require.NoError(t, err)
	tail, err := rb.TailSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
	assert.Equal(t, int64(-1), tail)

	seq, err := rb.Add(ctx, []byte("a"), OverflowFail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	seq, err = rb.Add(ctx, []byte("b"), OverflowFail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	size, err := rb.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestMemoryRingOverflowFail(t *testing.T) {
	rb := NewMemoryRing(3, 0)
	defer rb.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rb.Add(ctx, []byte{byte(i)}, OverflowFail)
		require.NoError(t, err)
	}

	_, err := rb.Add(ctx, []byte("overflow"), OverflowFail)
	assert.ErrorIs(t, err, ErrNoSpace)

	// Stored entries are untouched by the rejected add.
	head, err := rb.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
	tail, err := rb.TailSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tail)
}

func TestMemoryRingOverflowEvict(t *testing.T) {
	rb := NewMemoryRing(3, 0)
	defer rb.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rb.Add(ctx, []byte{byte(i)}, OverflowFail)
		require.NoError(t, err)
	}

	seq, err := rb.Add(ctx, []byte("d"), OverflowEvict)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	// Oldest entry is gone, head advanced.
	head, err := rb.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	_, err = rb.ReadOne(ctx, 0)
	var stale *StaleSequenceError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, int64(0), stale.Requested)
	assert.Equal(t, int64(1), stale.Head)
}

func TestMemoryRingBatchLargerThanCapacity(t *testing.T) {
	rb := NewMemoryRing(3, 0)
	defer rb.Close()
	ctx := context.Background()

	batch := make([][]byte, 5)
	for i := range batch {
		batch[i] = []byte{byte(i)}
	}

	last, err := rb.AddAll(ctx, batch, OverflowEvict)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	// Only the newest capacity items survive, and sequences for the items
	// that never landed are still consumed.
	head, err := rb.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)

	e, err := rb.ReadOne(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, e.Payload)
}

func TestMemoryRingBatchAtomicUnderOverflowFail(t *testing.T) {
	rb := NewMemoryRing(3, 0)
	defer rb.Close()
	ctx := context.Background()

	_, err := rb.Add(ctx, []byte("a"), OverflowFail)
	require.NoError(t, err)

	// Batch of 3 needs 3 slots, only 2 free; nothing lands.
	_, err = rb.AddAll(ctx, [][]byte{{1}, {2}, {3}}, OverflowFail)
	assert.ErrorIs(t, err, ErrNoSpace)

	size, err := rb.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestMemoryRingTTLExpiry(t *testing.T) {
	rb := NewMemoryRing(10, time.Minute)
	defer rb.Close()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	rb.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := rb.Add(ctx, []byte{byte(i)}, OverflowFail)
		require.NoError(t, err)
	}

	// Before expiry everything is readable.
	size, err := rb.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	now = now.Add(2 * time.Minute)

	size, err = rb.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	// Head advanced past the expired entries, sequences are not reused.
	head, err := rb.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	seq, err := rb.Add(ctx, []byte("fresh"), OverflowFail)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestMemoryRingTTLFreesSpaceForOverflowFail(t *testing.T) {
	rb := NewMemoryRing(2, time.Minute)
	defer rb.Close()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	rb.now = func() time.Time { return now }

	_, err := rb.Add(ctx, []byte("a"), OverflowFail)
	require.NoError(t, err)
	_, err = rb.Add(ctx, []byte("b"), OverflowFail)
	require.NoError(t, err)

	_, err = rb.Add(ctx, []byte("c"), OverflowFail)
	assert.ErrorIs(t, err, ErrNoSpace)

	now = now.Add(2 * time.Minute)

	seq, err := rb.Add(ctx, []byte("c"), OverflowFail)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestMemoryRingReadOneBounds(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	defer rb.Close()
	ctx := context.Background()

	_, err := rb.Add(ctx, []byte("a"), OverflowFail)
	require.NoError(t, err)

	_, err = rb.ReadOne(ctx, 5)
	assert.ErrorIs(t, err, ErrSequenceAhead)

	e, err := rb.ReadOne(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Sequence)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestMemoryRingReadManyOrdering(t *testing.T) {
	rb := NewMemoryRing(100, 0)
	defer rb.Close()
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := rb.Add(ctx, []byte(fmt.Sprintf("item-%d", i)), OverflowFail)
		require.NoError(t, err)
	}

	res, err := rb.ReadMany(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 10)
	for i, item := range res.Items {
		assert.Equal(t, int64(i), item.Sequence)
		assert.Equal(t, []byte(fmt.Sprintf("item-%d", i)), item.Payload)
	}
	assert.Equal(t, int64(10), res.NextSequence)

	res, err = rb.ReadMany(ctx, res.NextSequence, 1, 100)
	require.NoError(t, err)
	require.Len(t, res.Items, 10)
	assert.Equal(t, int64(10), res.Items[0].Sequence)
	assert.Equal(t, int64(20), res.NextSequence)
}

func TestMemoryRingReadManyWakesOnAppend(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	defer rb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan ReadResult, 1)
	go func() {
		res, err := rb.ReadMany(ctx, 0, 1, 10)
		if err == nil {
			resultCh <- res
		}
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := rb.Add(context.Background(), []byte("wake"), OverflowFail)
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.Len(t, res.Items, 1)
		assert.Equal(t, []byte("wake"), res.Items[0].Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not wake up after append")
	}
}

func TestMemoryRingReadManyReturnsAvailableOnDeadline(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	defer rb.Close()

	_, err := rb.Add(context.Background(), []byte("only"), OverflowFail)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// minCount 5 can never be satisfied; deadline hands back what exists.
	res, err := rb.ReadMany(ctx, 0, 5, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, int64(1), res.NextSequence)
}

func TestMemoryRingReadManyStale(t *testing.T) {
	rb := NewMemoryRing(3, 0)
	defer rb.Close()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := rb.Add(ctx, []byte{byte(i)}, OverflowEvict)
		require.NoError(t, err)
	}

	_, err := rb.ReadMany(ctx, 0, 1, 10)
	var stale *StaleSequenceError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, int64(3), stale.Head)
}

func TestMemoryRingClose(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	ctx := context.Background()

	require.NoError(t, rb.Close())
	assert.ErrorIs(t, rb.Close(), ErrClosed)

	_, err := rb.Add(ctx, []byte("a"), OverflowFail)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = rb.ReadMany(ctx, 0, 1, 10)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryRingCloseWakesBlockedReaders(t *testing.T) {
	rb := NewMemoryRing(10, 0)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := rb.ReadMany(ctx, 0, 1, 10)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rb.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader did not observe close")
	}
}
