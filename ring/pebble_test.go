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

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPebbleRingAppendAndRead(t *testing.T) {
	store := openTestStore(t)
	r, err := store.Ring("events", 100, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := r.Add(ctx, []byte(fmt.Sprintf("payload-%d", i)), OverflowFail)
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	res, err := r.ReadMany(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	for i, item := range res.Items {
		assert.Equal(t, int64(i), item.Sequence)
		assert.Equal(t, []byte(fmt.Sprintf("payload-%d", i)), item.Payload)
	}
	assert.Equal(t, int64(5), res.NextSequence)
}

func TestPebbleRingOverflow(t *testing.T) {
	store := openTestStore(t)
	r, err := store.Ring("bounded", 3, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Add(ctx, []byte{byte(i)}, OverflowFail)
		require.NoError(t, err)
	}

	_, err = r.Add(ctx, []byte("full"), OverflowFail)
	assert.ErrorIs(t, err, ErrNoSpace)

	seq, err := r.Add(ctx, []byte("evicted in"), OverflowEvict)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	head, err := r.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	// The trimmed entry is physically gone.
	_, err = r.ReadMany(ctx, 0, 1, 10)
	var stale *StaleSequenceError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, int64(1), stale.Head)
}

func TestPebbleRingTTLExpiry(t *testing.T) {
	store := openTestStore(t)
	r, err := store.Ring("expiring", 100, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Unix(5000, 0)
	r.now = func() time.Time { return now }

	_, err = r.Add(ctx, []byte("old"), OverflowFail)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = r.Add(ctx, []byte("newer"), OverflowFail)
	require.NoError(t, err)

	now = now.Add(45 * time.Second)

	// First entry is past its TTL, second is not.
	head, err := r.HeadSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	res, err := r.ReadMany(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, []byte("newer"), res.Items[0].Payload)
}

func TestPebbleRingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenPebbleStore(dir)
	require.NoError(t, err)
	r, err := store.Ring("durable", 10, 0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := r.Add(ctx, []byte{byte(i)}, OverflowFail)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	store, err = OpenPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	r, err = store.Ring("durable", 10, 0)
	require.NoError(t, err)

	head, err := r.HeadSequence(ctx)
	require.NoError(t, err)
	tail, err := r.TailSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
	assert.Equal(t, int64(3), tail)

	// Sequence numbering continues where it left off.
	seq, err := r.Add(ctx, []byte("after restart"), OverflowFail)
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestPebbleRingIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.Ring("topic-a", 10, 0)
	require.NoError(t, err)
	b, err := store.Ring("topic-b", 10, 0)
	require.NoError(t, err)

	_, err = a.Add(ctx, []byte("for a"), OverflowFail)
	require.NoError(t, err)

	sizeB, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sizeB)

	resA, err := a.ReadMany(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, resA.Items, 1)
	assert.Equal(t, []byte("for a"), resA.Items[0].Payload)
}

func TestPebbleRingBatchAtomicity(t *testing.T) {
	store := openTestStore(t)
	r, err := store.Ring("batched", 5, 0)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.AddAll(ctx, [][]byte{{1}, {2}, {3}}, OverflowFail)
	require.NoError(t, err)

	// 3 more items do not fit; nothing from the batch lands.
	_, err = r.AddAll(ctx, [][]byte{{4}, {5}, {6}}, OverflowFail)
	assert.ErrorIs(t, err, ErrNoSpace)

	size, err := r.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}
