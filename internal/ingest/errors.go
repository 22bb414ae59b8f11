package ingest

import (
	"errors"
	"fmt"
	"time"
)

var ErrIntakeClosed = errors.New("intake closed")

// MalformedEventError reports a raw event that cannot be turned into a
// NotificationEvent. It is logged and dropped at the normalizer boundary.
type MalformedEventError struct {
	Platform string
	Field    string
	Reason   string
}

func (e *MalformedEventError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed %s event: %s", e.Platform, e.Reason)
	}
	return fmt.Sprintf("malformed %s event: %s: %s", e.Platform, e.Field, e.Reason)
}

// CapacityExceededError signals the caller to back off: the intake buffer is full.
type CapacityExceededError struct {
	Capacity int
	Waited   time.Duration
}

func (e *CapacityExceededError) Error() string {
	if e.Waited > 0 {
		return fmt.Sprintf("intake full (capacity %d, waited %s)", e.Capacity, e.Waited)
	}
	return fmt.Sprintf("intake full (capacity %d)", e.Capacity)
}

// IsMalformed reports whether err carries a *MalformedEventError.
func IsMalformed(err error) bool {
	var m *MalformedEventError
	return errors.As(err, &m)
}

// IsCapacityExceeded reports whether err carries a *CapacityExceededError.
func IsCapacityExceeded(err error) bool {
	var c *CapacityExceededError
	return errors.As(err, &c)
}
