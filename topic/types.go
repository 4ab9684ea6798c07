package topic

import (
	"fmt"
	"time"

	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/encoding"
)

// Message is the immutable envelope written to the ring: the serialized
// payload plus publish metadata set exactly once by the publishing process.
type Message struct {
	Payload          []byte `msgpack:"p"`
	PublishTime      int64  `msgpack:"ts"`   // unix ms at publish
	PublisherAddress string `msgpack:"addr"` // publishing process identity
}

// MessageHandler receives messages in ring-sequence order. Panics are
// recovered and reported; they do not stop the runner.
type MessageHandler func(msg *Message)

// ListenerOptions tunes a single registration.
type ListenerOptions struct {
	// LossTolerant lets the runner jump to the current head when retention
	// evicted entries it had not consumed yet, instead of terminating.
	LossTolerant bool

	// FromHead starts the cursor at the oldest retained entry, replaying
	// the whole ring. Default is tail+1: future messages only.
	FromHead bool

	// OnError is invoked once with a *TerminalError when the runner stops
	// for good. Optional.
	OnError func(err error)
}

// OverloadPolicy decides how a publish behaves when the ring has no free
// capacity. Fixed per topic name for the life of the configuration.
type OverloadPolicy int

const (
	// OverloadPolicyBlock retries the append on a scheduled delay until
	// space frees via TTL expiry or the wait budget runs out.
	OverloadPolicyBlock OverloadPolicy = iota
	// OverloadPolicyError fails the publish with an OverloadError.
	OverloadPolicyError
	// OverloadPolicyDiscardNewest silently drops the new message(s),
	// leaving stored data untouched.
	OverloadPolicyDiscardNewest
	// OverloadPolicyDiscardOldest evicts the oldest entries to make room.
	OverloadPolicyDiscardOldest
)

func (p OverloadPolicy) String() string {
	switch p {
	case OverloadPolicyBlock:
		return cfg.PolicyBlock
	case OverloadPolicyError:
		return cfg.PolicyError
	case OverloadPolicyDiscardNewest:
		return cfg.PolicyDiscardNewest
	case OverloadPolicyDiscardOldest:
		return cfg.PolicyDiscardOldest
	default:
		return fmt.Sprintf("overload_policy(%d)", int(p))
	}
}

// ParseOverloadPolicy maps a config string onto a policy.
func ParseOverloadPolicy(name string) (OverloadPolicy, error) {
	switch name {
	case "", cfg.PolicyBlock:
		return OverloadPolicyBlock, nil
	case cfg.PolicyError:
		return OverloadPolicyError, nil
	case cfg.PolicyDiscardNewest:
		return OverloadPolicyDiscardNewest, nil
	case cfg.PolicyDiscardOldest:
		return OverloadPolicyDiscardOldest, nil
	default:
		return OverloadPolicyBlock, fmt.Errorf("unknown overload policy %q", name)
	}
}

// TopicStats is a point-in-time view of a topic's ring.
type TopicStats struct {
	Name         string `json:"name"`
	Capacity     int64  `json:"capacity"`
	Size         int64  `json:"size"`
	HeadSequence int64  `json:"head_sequence"`
	TailSequence int64  `json:"tail_sequence"`
	Listeners    int    `json:"listeners"`
}

// ListenerInfo describes one live or recently terminated runner.
type ListenerInfo struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Cursor       int64  `json:"cursor"`
	Dispatched   uint64 `json:"dispatched"`
	LossTolerant bool   `json:"loss_tolerant"`
}

// encodeEnvelope serializes a message into a self-describing frame.
func encodeEnvelope(msg *Message, compression encoding.Compression) ([]byte, error) {
	raw, err := encoding.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return encoding.Pack(raw, compression)
}

// decodeEnvelope reverses encodeEnvelope.
func decodeEnvelope(frame []byte) (*Message, error) {
	raw, err := encoding.Unpack(frame)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := encoding.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &msg, nil
}

// durationMS converts a millisecond config knob, falling back when unset.
func durationMS(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
