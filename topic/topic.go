// Package topic implements reliable publish/subscribe topics backed by a
// capacity-bounded, sequence-addressed ring. Every listener replays the
// ring from its own cursor, so slow consumers never block fast ones and
// consumers can fall behind without losing messages until retention is
// exceeded.
package topic

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/encoding"
	"github.com/maxpert/retopic/hlc"
	"github.com/maxpert/retopic/id"
	"github.com/maxpert/retopic/ring"
	"github.com/maxpert/retopic/telemetry"
)

// Default tuning knobs, used when Options leaves them zero.
const (
	DefaultReadBatchSize      = 100
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultBlockRetryInterval = 250 * time.Millisecond
	DefaultBlockWaitBudget    = 30 * time.Second
	DefaultReadRetryInitial   = 100 * time.Millisecond
	DefaultReadRetryMax       = 5 * time.Second
	DefaultReadMaxRetries     = 10
)

// Options configures a Topic. Resolved once per topic name; immutable
// afterwards.
type Options struct {
	Name             string
	Ring             ring.Ringbuffer
	Policy           OverloadPolicy
	ReadBatchSize    int
	LossTolerant     bool // default for listeners registered without options
	Compression      encoding.Compression
	PublisherAddress string

	BlockRetryInterval time.Duration
	BlockWaitBudget    time.Duration // negative = wait forever, zero = default
	PollInterval       time.Duration
	ReadRetryInitial   time.Duration
	ReadRetryMax       time.Duration
	ReadMaxRetries     int

	Clock *hlc.Clock
	IDs   id.Generator
}

// Topic is a reliable-topic proxy for one topic name: it owns the overload
// enforcement on the publish path and the live set of listener runners on
// the consume path. Safe for concurrent use.
type Topic struct {
	name      string
	opts      Options
	ring      ring.Ringbuffer
	enforcer  *overloadEnforcer
	listeners *xsync.MapOf[string, *Runner]
	ids       id.Generator
	clock     *hlc.Clock
	stopCh    chan struct{}
	closed    atomic.Bool
}

// NewTopic builds a topic over the given ring.
func NewTopic(opts Options) (*Topic, error) {
	if opts.Name == "" {
		return nil, errEmptyName
	}
	if opts.Ring == nil {
		return nil, errNilRing
	}
	if opts.ReadBatchSize <= 0 {
		opts.ReadBatchSize = DefaultReadBatchSize
	}
	if opts.BlockRetryInterval <= 0 {
		opts.BlockRetryInterval = DefaultBlockRetryInterval
	}
	if opts.BlockWaitBudget == 0 {
		opts.BlockWaitBudget = DefaultBlockWaitBudget
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadRetryInitial <= 0 {
		opts.ReadRetryInitial = DefaultReadRetryInitial
	}
	if opts.ReadRetryMax <= 0 {
		opts.ReadRetryMax = DefaultReadRetryMax
	}
	if opts.ReadMaxRetries == 0 {
		opts.ReadMaxRetries = DefaultReadMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = hlc.NewClock(0)
	}
	if opts.IDs == nil {
		opts.IDs = id.NewHLCGenerator(opts.Clock)
	}

	t := &Topic{
		name:      opts.Name,
		opts:      opts,
		ring:      opts.Ring,
		listeners: xsync.NewMapOf[string, *Runner](),
		ids:       opts.IDs,
		clock:     opts.Clock,
		stopCh:    make(chan struct{}),
	}
	t.enforcer = &overloadEnforcer{
		topic:         opts.Name,
		ring:          opts.Ring,
		policy:        opts.Policy,
		retryInterval: opts.BlockRetryInterval,
		waitBudget:    opts.BlockWaitBudget,
		stopCh:        t.stopCh,
	}
	return t, nil
}

func (t *Topic) Name() string { return t.name }

// Ring exposes the underlying ring for stats and tests.
func (t *Topic) Ring() ring.Ringbuffer { return t.ring }

// Publish writes one message to the ring under the topic's overload
// policy. The returned future resolves with the committed sequence,
// DroppedSequence under DISCARD_NEWEST, or the per-policy error.
//
// The first append attempt runs on the calling goroutine, so sequential
// publishes from one caller commit in call order when the ring has
// headroom; only BLOCK waits are carried out in the background.
func (t *Topic) Publish(ctx context.Context, payload []byte) *future.Future[int64] {
	if payload == nil {
		return resolved(0, ErrNilMessage)
	}
	return t.publishFrames(ctx, [][]byte{payload}, 1)
}

// PublishAll writes the messages as one indivisible unit: the whole batch
// is subject to a single accept/discard/block/error decision and keeps its
// relative order. Against concurrent publishers on a shared remote ring,
// contiguity is best effort (see ring backend docs).
func (t *Topic) PublishAll(ctx context.Context, payloads [][]byte) *future.Future[int64] {
	if len(payloads) == 0 {
		return resolved(0, ErrNilMessage)
	}
	for _, p := range payloads {
		if p == nil {
			return resolved(0, ErrNilMessage)
		}
	}
	return t.publishFrames(ctx, payloads, len(payloads))
}

func (t *Topic) publishFrames(ctx context.Context, payloads [][]byte, items int) *future.Future[int64] {
	if t.closed.Load() {
		return resolved(0, ErrTopicClosed)
	}

	start := time.Now()
	publishTime := t.clock.Now().UnixMilli()

	frames := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		frame, err := encodeEnvelope(&Message{
			Payload:          p,
			PublishTime:      publishTime,
			PublisherAddress: t.opts.PublisherAddress,
		}, t.opts.Compression)
		if err != nil {
			return resolved(0, err)
		}
		frames = append(frames, frame)
	}

	// First attempt on the caller's goroutine, so sequential publishes
	// from one caller commit in call order when the ring has headroom.
	seq, err := t.enforcer.tryAppend(ctx, frames)
	if err == nil || !isNoSpace(err) {
		t.observePublish(start, items, err)
		return resolved(seq, err)
	}

	// BLOCK with no space: suspend the publish behind the future.
	p := future.NewPromise[int64]()
	go func() {
		seq, err := t.enforcer.appendBlocking(ctx, frames)
		t.observePublish(start, items, err)
		p.Set(seq, err)
	}()
	return p.Future()
}

func (t *Topic) observePublish(start time.Time, items int, err error) {
	telemetry.PublishSeconds.With(t.name).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		telemetry.PublishTotal.With(t.name, "ok").Add(float64(items))
	case isOverload(err):
		telemetry.PublishTotal.With(t.name, "overload").Add(float64(items))
	case isTimeout(err):
		telemetry.PublishTotal.With(t.name, "timeout").Add(float64(items))
	default:
		telemetry.PublishTotal.With(t.name, "error").Add(float64(items))
	}
}

// AddListener registers a callback with the topic-level defaults and
// starts its runner at tail+1: future messages only.
func (t *Topic) AddListener(handler MessageHandler) (string, error) {
	return t.AddListenerWithOptions(handler, ListenerOptions{LossTolerant: t.opts.LossTolerant})
}

// AddListenerWithOptions registers a callback and returns its registration
// id. Exactly one runner serves the registration until it is removed or
// hits a terminal error.
func (t *Topic) AddListenerWithOptions(handler MessageHandler, opts ListenerOptions) (string, error) {
	if handler == nil {
		return "", errNilHandler
	}
	if t.closed.Load() {
		return "", ErrTopicClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var startSeq int64
	if opts.FromHead {
		head, err := t.ring.HeadSequence(ctx)
		if err != nil {
			return "", err
		}
		startSeq = head
	} else {
		tail, err := t.ring.TailSequence(ctx)
		if err != nil {
			return "", err
		}
		startSeq = tail + 1
	}

	regID := t.ids.NextID()
	r := newRunner(runnerConfig{
		id:           regID,
		topic:        t.name,
		ring:         t.ring,
		handler:      handler,
		onError:      opts.OnError,
		lossTolerant: opts.LossTolerant,
		batchSize:    t.opts.ReadBatchSize,
		pollInterval: t.opts.PollInterval,
		retryInitial: t.opts.ReadRetryInitial,
		retryMax:     t.opts.ReadRetryMax,
		maxRetries:   t.opts.ReadMaxRetries,
		onExit:       t.onRunnerExit,
	})

	t.listeners.Store(regID, r)
	telemetry.ActiveListeners.With(t.name).Inc()
	r.start(startSeq)
	return regID, nil
}

// RemoveListener cancels the registration. The runner observes the
// cancellation at its next iteration boundary; one in-flight callback may
// still fire shortly after this returns.
func (t *Topic) RemoveListener(regID string) bool {
	r, ok := t.listeners.LoadAndDelete(regID)
	if !ok {
		return false
	}
	r.cancel()
	log.Info().Str("topic", t.name).Str("listener", regID).Msg("Removed listener")
	return true
}

// onRunnerExit drops a runner from the registry once its loop ends, for
// both cancellation and terminal errors.
func (t *Topic) onRunnerExit(r *Runner) {
	t.listeners.Delete(r.ID())
	telemetry.ActiveListeners.With(t.name).Dec()
}

// Stats returns a point-in-time view of the ring and listener registry.
func (t *Topic) Stats(ctx context.Context) (TopicStats, error) {
	size, err := t.ring.Size(ctx)
	if err != nil {
		return TopicStats{}, err
	}
	head, err := t.ring.HeadSequence(ctx)
	if err != nil {
		return TopicStats{}, err
	}
	tail, err := t.ring.TailSequence(ctx)
	if err != nil {
		return TopicStats{}, err
	}
	return TopicStats{
		Name:         t.name,
		Capacity:     t.ring.Capacity(),
		Size:         size,
		HeadSequence: head,
		TailSequence: tail,
		Listeners:    t.listeners.Size(),
	}, nil
}

// Listeners lists the live runners.
func (t *Topic) Listeners() []ListenerInfo {
	infos := make([]ListenerInfo, 0, t.listeners.Size())
	t.listeners.Range(func(_ string, r *Runner) bool {
		infos = append(infos, r.info())
		return true
	})
	return infos
}

// Close cancels every runner, waits for their loops to exit, and closes
// the ring. Publishes and registrations fail afterwards.
func (t *Topic) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrTopicClosed
	}
	close(t.stopCh)

	runners := make([]*Runner, 0, t.listeners.Size())
	t.listeners.Range(func(_ string, r *Runner) bool {
		runners = append(runners, r)
		return true
	})
	for _, r := range runners {
		r.cancel()
	}
	for _, r := range runners {
		r.awaitDone()
	}

	log.Info().Str("topic", t.name).Int("listeners", len(runners)).Msg("Topic closed")
	return t.ring.Close()
}
