// Package transport defines the boundary between the relay core and the
// framed, authenticated duplex channel each paired device holds open.
package transport

import (
	"context"
	"errors"

	"notifrelay/internal/model"
)

var ErrConnClosed = errors.New("transport: connection closed")

// Frame types on the device channel.
const (
	FrameHello     = "hello"
	FrameWelcome   = "welcome"
	FrameEvent     = "event"
	FrameAck       = "ack"
	FrameHeartbeat = "heartbeat"
	FrameError     = "error"
)

// Frame is the JSON envelope exchanged with devices in both directions.
type Frame struct {
	Type     string                   `json:"type"`
	ItemID   string                   `json:"item_id,omitempty"`
	Attempt  int                      `json:"attempt,omitempty"`
	Event    *model.NotificationEvent `json:"event,omitempty"`
	DeviceID string                   `json:"device_id,omitempty"`
	Token    string                   `json:"token,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

// Conn is one live device connection. Send must honour ctx and be safe for
// concurrent use; Close is idempotent.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Close() error
	RemoteAddr() string
}

// Inbound receives frames that devices push to the relay.
type Inbound interface {
	OnAck(ctx context.Context, targetID, itemID string) error
	OnHeartbeat(targetID string)
}

// Authenticator checks a device's hello credentials.
type Authenticator interface {
	Authenticate(deviceID, token string) bool
}
