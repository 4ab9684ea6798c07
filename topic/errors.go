package topic

import (
	"errors"
	"fmt"
	"time"

	"github.com/jizhuozhi/go-future"

	"github.com/maxpert/retopic/ring"
)

// ErrNilMessage is returned when publish is called without a message.
var ErrNilMessage = errors.New("topic: nil message")

// ErrTopicClosed is returned by operations on a closed topic.
var ErrTopicClosed = errors.New("topic: closed")

// ErrOverloaded is the sentinel wrapped by OverloadError.
var ErrOverloaded = errors.New("topic: ring overloaded")

// ErrPublishTimeout is the sentinel wrapped by TimeoutError.
var ErrPublishTimeout = errors.New("topic: publish wait budget exhausted")

// OverloadError is returned by publishes under the ERROR policy when the
// ring has no free capacity. Items is the number of messages that could not
// be accommodated.
type OverloadError struct {
	Topic string
	Items int
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("topic %s: ring overloaded, %d item(s) rejected", e.Topic, e.Items)
}

func (e *OverloadError) Unwrap() error { return ErrOverloaded }

// TimeoutError is returned by publishes under the BLOCK policy once the
// wait budget is exhausted without space freeing up.
type TimeoutError struct {
	Topic  string
	Waited time.Duration
	Items  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("topic %s: %d item(s) still blocked after %s", e.Topic, e.Items, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrPublishTimeout }

// TerminalError is delivered once to a listener's OnError hook when its
// runner stops for good. Re-registration is required to resume.
type TerminalError struct {
	RegistrationID string
	Reason         string // "stale_sequence" or "retries_exhausted"
	Cause          error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("listener %s terminated (%s): %v", e.RegistrationID, e.Reason, e.Cause)
}

func (e *TerminalError) Unwrap() error { return e.Cause }

var (
	errEmptyName  = errors.New("topic: empty name")
	errNilRing    = errors.New("topic: nil ring")
	errNilHandler = errors.New("topic: nil handler")
)

func isNoSpace(err error) bool  { return errors.Is(err, ring.ErrNoSpace) }
func isOverload(err error) bool { return errors.Is(err, ErrOverloaded) }
func isTimeout(err error) bool  { return errors.Is(err, ErrPublishTimeout) }

// resolved returns an already-completed future.
func resolved(seq int64, err error) *future.Future[int64] {
	p := future.NewPromise[int64]()
	p.Set(seq, err)
	return p.Future()
}
