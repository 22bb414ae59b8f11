package dispatch

import (
	"errors"
	"fmt"
)

// ErrStaleAck is returned for acks that do not match an inflight item of the
// acking target. Transports ignore it.
var ErrStaleAck = errors.New("dispatch: stale or unknown ack")

// DeliveryFailure is a send error or timeout. It is always recovered through
// the queue's retry schedule.
type DeliveryFailure struct {
	Target  string
	ItemID  string
	Attempt int
	Timeout bool
	Cause   error
}

func (e *DeliveryFailure) Error() string {
	kind := "send failed"
	if e.Timeout {
		kind = "send timed out"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s (target %s, attempt %d)", kind, e.Target, e.Attempt)
	}
	return fmt.Sprintf("%s (target %s, attempt %d): %v", kind, e.Target, e.Attempt, e.Cause)
}

func (e *DeliveryFailure) Unwrap() error { return e.Cause }
