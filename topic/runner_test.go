package topic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/retopic/ring"
)

// flakyRing wraps a memory ring and fails reads until failCount drains.
type flakyRing struct {
	*ring.MemoryRing
	failCount atomic.Int32
	readErr   error
}

func (f *flakyRing) ReadMany(ctx context.Context, start int64, minCount, maxCount int) (ring.ReadResult, error) {
	if f.failCount.Load() > 0 {
		f.failCount.Add(-1)
		return ring.ReadResult{}, f.readErr
	}
	return f.MemoryRing.ReadMany(ctx, start, minCount, maxCount)
}

// testRunnerConfig wires a runner straight to a ring, bypassing the topic.
func testRunnerConfig(rb ring.Ringbuffer, handler MessageHandler) runnerConfig {
	return runnerConfig{
		id:           "test-runner",
		topic:        "runner-topic",
		ring:         rb,
		handler:      handler,
		batchSize:    10,
		pollInterval: 10 * time.Millisecond,
		retryInitial: 5 * time.Millisecond,
		retryMax:     20 * time.Millisecond,
		maxRetries:   3,
		onExit:       func(*Runner) {},
	}
}

func publishRaw(t *testing.T, rb ring.Ringbuffer, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		frame, err := encodeEnvelope(&Message{Payload: []byte(p)}, 0)
		require.NoError(t, err)
		_, err = rb.Add(context.Background(), frame, ring.OverflowEvict)
		require.NoError(t, err)
	}
}

func waitForState(t *testing.T, r *Runner, want RunnerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner state = %s, want %s", r.State(), want)
}

func TestRunnerCancellation(t *testing.T) {
	rb := ring.NewMemoryRing(10, 0)
	defer rb.Close()

	exited := make(chan struct{})
	cfg := testRunnerConfig(rb, func(*Message) {})
	cfg.onExit = func(*Runner) { close(exited) }

	r := newRunner(cfg)
	r.start(0)
	waitForState(t, r, StateRunning)

	r.cancel()
	r.cancel() // idempotent
	r.awaitDone()

	assert.Equal(t, StateCancelled, r.State())
	select {
	case <-exited:
	default:
		t.Fatal("onExit was not invoked")
	}
}

func TestRunnerTerminatesOnStaleSequence(t *testing.T) {
	rb := ring.NewMemoryRing(2, 0)
	defer rb.Close()

	// Fill past capacity so sequence 0 is evicted before the runner starts.
	publishRaw(t, rb, "a", "b", "c", "d")

	var terminal atomic.Pointer[TerminalError]
	cfg := testRunnerConfig(rb, func(*Message) {})
	cfg.onError = func(err error) {
		var terr *TerminalError
		if errors.As(err, &terr) {
			terminal.Store(terr)
		}
	}

	r := newRunner(cfg)
	r.start(0)
	r.awaitDone()

	assert.Equal(t, StateTerminated, r.State())
	terr := terminal.Load()
	require.NotNil(t, terr)
	assert.Equal(t, "stale_sequence", terr.Reason)
	assert.Equal(t, "test-runner", terr.RegistrationID)

	var stale *ring.StaleSequenceError
	assert.True(t, errors.As(terr.Cause, &stale))
}

func TestRunnerLossTolerantJumpsToHead(t *testing.T) {
	rb := ring.NewMemoryRing(2, 0)
	defer rb.Close()

	publishRaw(t, rb, "a", "b", "c", "d") // retained: "c" (seq 2), "d" (seq 3)

	var mu sync.Mutex
	var got []string
	cfg := testRunnerConfig(rb, func(msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	})
	cfg.lossTolerant = true

	r := newRunner(cfg)
	r.start(0)
	defer func() {
		r.cancel()
		r.awaitDone()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c", "d"}, got)
	assert.Equal(t, StateRunning, r.State())
}

func TestRunnerRetriesTransientReadErrors(t *testing.T) {
	mem := ring.NewMemoryRing(10, 0)
	defer mem.Close()
	publishRaw(t, mem, "survived")

	rb := &flakyRing{MemoryRing: mem, readErr: errors.New("transient io error")}
	rb.failCount.Store(2) // under maxRetries, must recover

	delivered := make(chan string, 1)
	cfg := testRunnerConfig(rb, func(msg *Message) {
		delivered <- string(msg.Payload)
	})

	r := newRunner(cfg)
	r.start(0)
	defer func() {
		r.cancel()
		r.awaitDone()
	}()

	select {
	case p := <-delivered:
		assert.Equal(t, "survived", p)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not recover from transient errors")
	}
}

func TestRunnerTerminatesWhenRetriesExhausted(t *testing.T) {
	mem := ring.NewMemoryRing(10, 0)
	defer mem.Close()

	rb := &flakyRing{MemoryRing: mem, readErr: errors.New("disk on fire")}
	rb.failCount.Store(100)

	var terminal atomic.Pointer[TerminalError]
	cfg := testRunnerConfig(rb, func(*Message) {})
	cfg.onError = func(err error) {
		var terr *TerminalError
		if errors.As(err, &terr) {
			terminal.Store(terr)
		}
	}

	r := newRunner(cfg)
	r.start(0)
	r.awaitDone()

	assert.Equal(t, StateTerminated, r.State())
	terr := terminal.Load()
	require.NotNil(t, terr)
	assert.Equal(t, "retries_exhausted", terr.Reason)
}

func TestRunnerSkipsUndecodableEntries(t *testing.T) {
	rb := ring.NewMemoryRing(10, 0)
	defer rb.Close()

	publishRaw(t, rb, "good")
	_, err := rb.Add(context.Background(), []byte{0xFF, 0xFF, 0xFF}, ring.OverflowFail)
	require.NoError(t, err)
	publishRaw(t, rb, "also good")

	var mu sync.Mutex
	var got []string
	cfg := testRunnerConfig(rb, func(msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	})

	r := newRunner(cfg)
	r.start(0)
	defer func() {
		r.cancel()
		r.awaitDone()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"good", "also good"}, got)
}

func TestRunnerOnErrorPanicIsContained(t *testing.T) {
	rb := ring.NewMemoryRing(2, 0)
	defer rb.Close()
	publishRaw(t, rb, "a", "b", "c")

	cfg := testRunnerConfig(rb, func(*Message) {})
	cfg.onError = func(error) { panic("hook bug") }

	r := newRunner(cfg)
	r.start(0)
	r.awaitDone() // must not panic the test process

	assert.Equal(t, StateTerminated, r.State())
}

func TestRunnerStateStrings(t *testing.T) {
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
