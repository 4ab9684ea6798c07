package ring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsRing is a Ringbuffer backed by a NATS JetStream stream. The stream is
// created with MaxMsgs = capacity, MaxAge = TTL and DiscardOld, so the
// server itself enforces retention; OverflowFail is enforced client-side by
// checking the stream bounds before publishing, which makes it best effort
// against concurrent remote publishers.
//
// JetStream sequences are 1-based and exposed as-is.
type NatsRing struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	name     string
	subject  string
	capacity int64
	ownConn  bool
}

// NatsRingOptions configures ConnectNatsRing.
type NatsRingOptions struct {
	URL      string
	Name     string
	Capacity int64
	TTL      time.Duration
}

// ConnectNatsRing connects to NATS and creates or binds the ring's stream.
func ConnectNatsRing(ctx context.Context, opts NatsRingOptions) (*NatsRing, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats ring requires a server URL")
	}
	nc, err := nats.Connect(opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r, err := NewNatsRing(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.ownConn = true
	return r, nil
}

// NewNatsRing builds a ring on an existing connection. The caller keeps
// ownership of the connection.
func NewNatsRing(ctx context.Context, nc *nats.Conn, opts NatsRingOptions) (*NatsRing, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	capacity := opts.Capacity
	if capacity < 1 {
		capacity = 1
	}
	streamName := "RETOPIC_" + sanitizeStreamName(opts.Name)
	subject := "retopic." + sanitizeStreamName(opts.Name)

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		MaxMsgs:  capacity,
		MaxAge:   opts.TTL,
		Discard:  jetstream.DiscardOld,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", streamName, err)
	}

	return &NatsRing{
		nc:       nc,
		js:       js,
		stream:   stream,
		name:     opts.Name,
		subject:  subject,
		capacity: capacity,
	}, nil
}

func (r *NatsRing) Capacity() int64 { return r.capacity }

func (r *NatsRing) info(ctx context.Context) (*jetstream.StreamInfo, error) {
	info, err := r.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream info: %w", err)
	}
	return info, nil
}

func (r *NatsRing) Size(ctx context.Context) (int64, error) {
	info, err := r.info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.State.Msgs), nil
}

func (r *NatsRing) HeadSequence(ctx context.Context) (int64, error) {
	info, err := r.info(ctx)
	if err != nil {
		return 0, err
	}
	if info.State.Msgs == 0 {
		return int64(info.State.LastSeq) + 1, nil
	}
	return int64(info.State.FirstSeq), nil
}

func (r *NatsRing) TailSequence(ctx context.Context) (int64, error) {
	info, err := r.info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.State.LastSeq), nil
}

func (r *NatsRing) Add(ctx context.Context, payload []byte, mode OverflowMode) (int64, error) {
	return r.AddAll(ctx, [][]byte{payload}, mode)
}

func (r *NatsRing) AddAll(ctx context.Context, payloads [][]byte, mode OverflowMode) (int64, error) {
	if len(payloads) == 0 {
		tail, err := r.TailSequence(ctx)
		if err != nil {
			return 0, err
		}
		return tail, nil
	}

	if mode == OverflowFail {
		// The server would evict under DiscardOld, so refuse up front when
		// the batch does not fit the retained window.
		info, err := r.info(ctx)
		if err != nil {
			return 0, err
		}
		if int64(info.State.Msgs)+int64(len(payloads)) > r.capacity {
			return 0, ErrNoSpace
		}
	}

	var last int64
	for _, p := range payloads {
		ack, err := r.js.Publish(ctx, r.subject, p)
		if err != nil {
			return 0, fmt.Errorf("failed to publish to %s: %w", r.subject, err)
		}
		last = int64(ack.Sequence)
	}
	return last, nil
}

func (r *NatsRing) ReadOne(ctx context.Context, seq int64) (Entry, error) {
	msg, err := r.stream.GetMsg(ctx, uint64(seq))
	if err != nil {
		return Entry{}, r.translateGetErr(ctx, seq, err)
	}
	return Entry{Sequence: int64(msg.Sequence), Payload: msg.Data}, nil
}

func (r *NatsRing) ReadMany(ctx context.Context, start int64, minCount, maxCount int) (ReadResult, error) {
	if maxCount < 1 {
		maxCount = 1
	}

	info, err := r.info(ctx)
	if err != nil {
		return ReadResult{}, err
	}
	head := int64(info.State.FirstSeq)
	tail := int64(info.State.LastSeq)
	if info.State.Msgs == 0 {
		head = tail + 1
	}
	if start < head {
		return ReadResult{}, &StaleSequenceError{Requested: start, Head: head}
	}
	if start > tail+1 {
		return ReadResult{}, ErrSequenceAhead
	}

	res := ReadResult{NextSequence: start}
	for seq := start; seq <= tail && len(res.Items) < maxCount; seq++ {
		msg, err := r.stream.GetMsg(ctx, uint64(seq))
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				// Evicted between the info call and the read.
				if len(res.Items) == 0 {
					return ReadResult{}, r.translateGetErr(ctx, seq, err)
				}
				break
			}
			return ReadResult{}, fmt.Errorf("failed to read sequence %d: %w", seq, err)
		}
		res.Items = append(res.Items, Entry{Sequence: int64(msg.Sequence), Payload: msg.Data})
		res.NextSequence = int64(msg.Sequence) + 1
	}
	return res, nil
}

// translateGetErr maps a missing message onto the stale/ahead distinction.
func (r *NatsRing) translateGetErr(ctx context.Context, seq int64, err error) error {
	if !errors.Is(err, jetstream.ErrMsgNotFound) {
		return fmt.Errorf("failed to read sequence %d: %w", seq, err)
	}
	head, herr := r.HeadSequence(ctx)
	if herr != nil {
		return herr
	}
	if seq < head {
		return &StaleSequenceError{Requested: seq, Head: head}
	}
	return ErrSequenceAhead
}

// Close drops the JetStream handles and closes the connection when the
// ring owns it. The stream itself is left in place.
func (r *NatsRing) Close() error {
	if r.ownConn {
		r.nc.Close()
	}
	return nil
}

// sanitizeStreamName maps a topic name onto the characters JetStream
// allows in stream names and subjects.
func sanitizeStreamName(name string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '-' || c == '_':
			return c
		default:
			return '_'
		}
	}, name)
}
