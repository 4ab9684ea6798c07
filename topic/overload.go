package topic

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/ring"
	"github.com/maxpert/retopic/telemetry"
)

// DroppedSequence is resolved by publish futures whose message(s) were
// silently discarded under the DISCARD_NEWEST policy.
const DroppedSequence int64 = -1

// overloadEnforcer applies the topic's overload policy at publish time. It
// is applied uniformly to single publishes and batches; a batch is one
// indivisible unit under every policy.
type overloadEnforcer struct {
	topic         string
	ring          ring.Ringbuffer
	policy        OverloadPolicy
	retryInterval time.Duration // BLOCK: pause between append attempts
	waitBudget    time.Duration // BLOCK: total wait, negative = unlimited
	stopCh        chan struct{} // topic shutdown
}

// tryAppend makes one append attempt and maps a full ring onto the
// policy's outcome. Under BLOCK it returns ring.ErrNoSpace untranslated so
// the caller can move the wait off its own goroutine; every other policy
// resolves here.
func (e *overloadEnforcer) tryAppend(ctx context.Context, frames [][]byte) (int64, error) {
	if e.policy == OverloadPolicyDiscardOldest {
		return e.ring.AddAll(ctx, frames, ring.OverflowEvict)
	}

	seq, err := e.ring.AddAll(ctx, frames, ring.OverflowFail)
	if !errors.Is(err, ring.ErrNoSpace) {
		return seq, err
	}

	switch e.policy {
	case OverloadPolicyDiscardNewest:
		// Dropping new data keeps already-stored entries stable.
		telemetry.PublishTotal.With(e.topic, "dropped").Inc()
		return DroppedSequence, nil
	case OverloadPolicyError:
		return 0, &OverloadError{Topic: e.topic, Items: len(frames)}
	default:
		return 0, err
	}
}

// appendBlocking retries the append on a scheduled delay until space frees
// via TTL expiry of the oldest entries, or until the wait budget is gone.
func (e *overloadEnforcer) appendBlocking(ctx context.Context, frames [][]byte) (int64, error) {
	start := time.Now()
	telemetry.PublishBlockedTotal.With(e.topic).Inc()
	log.Debug().Str("topic", e.topic).Int("items", len(frames)).
		Msg("Publish waiting for ring capacity")

	for {
		waited := time.Since(start)
		if e.waitBudget >= 0 && waited+e.retryInterval > e.waitBudget {
			return 0, &TimeoutError{Topic: e.topic, Waited: waited, Items: len(frames)}
		}

		timer := time.NewTimer(e.retryInterval)
		select {
		case <-timer.C:
		case <-e.stopCh:
			timer.Stop()
			return 0, ErrTopicClosed
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}

		seq, err := e.ring.AddAll(ctx, frames, ring.OverflowFail)
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ring.ErrNoSpace) {
			return 0, err
		}
	}
}
