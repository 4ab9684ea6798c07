package topic

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/ring"
	"github.com/maxpert/retopic/telemetry"
)

// RunnerState is the lifecycle state of a listener runner. Cancelled and
// Terminated are absorbing.
type RunnerState int32

const (
	StateInitializing RunnerState = iota
	StateRunning
	StateCancelled
	StateTerminated
)

func (s RunnerState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// runnerConfig is assembled by the topic from its resolved configuration
// and the registration's options.
type runnerConfig struct {
	id           string
	topic        string
	ring         ring.Ringbuffer
	handler      MessageHandler
	onError      func(err error)
	lossTolerant bool
	batchSize    int
	pollInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	maxRetries   int
	onExit       func(r *Runner)
}

// Runner drives one registration's consume loop against the ring. It owns
// a private cursor no other task touches; N registrations on one topic
// yield N fully independent runners.
type Runner struct {
	cfg        runnerConfig
	cursor     atomic.Int64
	state      atomic.Int32
	dispatched atomic.Uint64
	stopCh     chan struct{}
	doneCh     chan struct{}
}

func newRunner(cfg runnerConfig) *Runner {
	return &Runner{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (r *Runner) ID() string         { return r.cfg.id }
func (r *Runner) State() RunnerState { return RunnerState(r.state.Load()) }
func (r *Runner) Cursor() int64      { return r.cursor.Load() }
func (r *Runner) Dispatched() uint64 { return r.dispatched.Load() }

func (r *Runner) info() ListenerInfo {
	return ListenerInfo{
		ID:           r.cfg.id,
		State:        r.State().String(),
		Cursor:       r.cursor.Load(),
		Dispatched:   r.dispatched.Load(),
		LossTolerant: r.cfg.lossTolerant,
	}
}

// start launches the consume loop at the given cursor.
func (r *Runner) start(startSeq int64) {
	r.cursor.Store(startSeq)
	log.Info().
		Str("topic", r.cfg.topic).
		Str("listener", r.cfg.id).
		Int64("cursor", startSeq).
		Bool("loss_tolerant", r.cfg.lossTolerant).
		Msg("Starting listener runner")
	go r.loop()
}

// cancel signals the loop to stop at its next iteration boundary. It does
// not wait; an in-flight read's callbacks may still fire once.
func (r *Runner) cancel() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// awaitDone blocks until the loop has exited.
func (r *Runner) awaitDone() {
	<-r.doneCh
}

func (r *Runner) loop() {
	defer close(r.doneCh)
	defer r.cfg.onExit(r)

	r.state.Store(int32(StateRunning))

	retries := 0
	delay := r.cfg.retryInitial

	for {
		select {
		case <-r.stopCh:
			r.state.Store(int32(StateCancelled))
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(context.Background(), r.cfg.pollInterval)
		res, err := r.cfg.ring.ReadMany(readCtx, r.cursor.Load(), 1, r.cfg.batchSize)
		cancel()

		if err != nil {
			var stale *ring.StaleSequenceError
			switch {
			case errors.As(err, &stale):
				if r.cfg.lossTolerant {
					// Retention ran ahead of this runner; skip the lost
					// range and keep going.
					log.Warn().
						Str("topic", r.cfg.topic).
						Str("listener", r.cfg.id).
						Int64("cursor", r.cursor.Load()).
						Int64("head", stale.Head).
						Msg("Lost entries to retention, jumping to head")
					telemetry.StaleJumpsTotal.With(r.cfg.topic).Inc()
					r.cursor.Store(stale.Head)
					continue
				}
				r.terminate("stale_sequence", err)
				return

			case errors.Is(err, ring.ErrClosed):
				// Ring went away underneath us, normal during shutdown.
				r.state.Store(int32(StateCancelled))
				return

			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				continue

			default:
				retries++
				telemetry.RingReadRetriesTotal.With(r.cfg.topic).Inc()
				if r.cfg.maxRetries > 0 && retries >= r.cfg.maxRetries {
					r.terminate("retries_exhausted", err)
					return
				}
				log.Warn().
					Err(err).
					Str("topic", r.cfg.topic).
					Str("listener", r.cfg.id).
					Int("attempt", retries).
					Dur("retry_delay", delay).
					Msg("Ring read failed, retrying")
				if !r.sleep(delay) {
					r.state.Store(int32(StateCancelled))
					return
				}
				delay *= 2
				if delay > r.cfg.retryMax {
					delay = r.cfg.retryMax
				}
				continue
			}
		}

		retries = 0
		delay = r.cfg.retryInitial

		if len(res.Items) == 0 {
			if !r.sleep(r.cfg.pollInterval) {
				r.state.Store(int32(StateCancelled))
				return
			}
			continue
		}

		telemetry.DispatchBatchEntries.With(r.cfg.topic).Observe(float64(len(res.Items)))

		for _, item := range res.Items {
			select {
			case <-r.stopCh:
				// Discard the rest of the in-flight read.
				r.state.Store(int32(StateCancelled))
				return
			default:
			}

			msg, derr := decodeEnvelope(item.Payload)
			if derr != nil {
				log.Warn().
					Err(derr).
					Str("topic", r.cfg.topic).
					Int64("seq", item.Sequence).
					Msg("Skipping undecodable entry")
				r.cursor.Store(item.Sequence + 1)
				continue
			}

			r.dispatch(msg)
			r.cursor.Store(item.Sequence + 1)
		}
	}
}

// dispatch invokes the subscriber callback, isolating faults: a panic is
// recovered and reported, never terminal.
func (r *Runner) dispatch(msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			telemetry.CallbackFaultsTotal.With(r.cfg.topic).Inc()
			log.Error().
				Str("topic", r.cfg.topic).
				Str("listener", r.cfg.id).
				Interface("panic", rec).
				Msg("Subscriber callback panicked")
		}
	}()

	start := time.Now()
	r.cfg.handler(msg)
	telemetry.DispatchSeconds.With(r.cfg.topic).Observe(time.Since(start).Seconds())
	telemetry.DispatchTotal.With(r.cfg.topic).Inc()
	r.dispatched.Add(1)
}

// terminate moves the runner into its absorbing error state and surfaces
// the failure once through the registration's OnError hook.
func (r *Runner) terminate(reason string, cause error) {
	r.state.Store(int32(StateTerminated))
	telemetry.RunnerTerminationsTotal.With(r.cfg.topic, reason).Inc()
	log.Error().
		Err(cause).
		Str("topic", r.cfg.topic).
		Str("listener", r.cfg.id).
		Str("reason", reason).
		Msg("Listener runner terminated")

	if r.cfg.onError != nil {
		terr := &TerminalError{RegistrationID: r.cfg.id, Reason: reason, Cause: cause}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Str("listener", r.cfg.id).
						Interface("panic", rec).
						Msg("OnError hook panicked")
				}
			}()
			r.cfg.onError(terr)
		}()
	}
}

// sleep pauses for d, returning false if cancelled first.
func (r *Runner) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
