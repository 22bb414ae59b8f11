package grpcstream

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"notifrelay/internal/transport"
)

// Client is the device side of the stream.
type Client struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	mu     sync.Mutex
}

// Connect opens the device stream on cc, sends hello and waits for welcome.
func Connect(ctx context.Context, cc grpc.ClientConnInterface, deviceID, token string) (*Client, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(sctx, &connectStream, ConnectMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		cancel()
		return nil, err
	}
	c := &Client{stream: stream, cancel: cancel}
	if err := c.send(transport.Frame{Type: transport.FrameHello, DeviceID: deviceID, Token: token}); err != nil {
		cancel()
		return nil, err
	}
	f, err := c.Recv()
	if err != nil {
		cancel()
		return nil, err
	}
	if f.Type != transport.FrameWelcome {
		cancel()
		return nil, fmt.Errorf("grpcstream: expected welcome, got %q %s", f.Type, f.Error)
	}
	return c, nil
}

// Recv blocks for the next relay frame.
func (c *Client) Recv() (transport.Frame, error) {
	var f transport.Frame
	err := c.stream.RecvMsg(&f)
	return f, err
}

func (c *Client) Ack(itemID string) error {
	return c.send(transport.Frame{Type: transport.FrameAck, ItemID: itemID})
}

func (c *Client) Heartbeat() error {
	return c.send(transport.Frame{Type: transport.FrameHeartbeat})
}

// Close half-closes the stream and cancels it.
func (c *Client) Close() error {
	c.mu.Lock()
	err := c.stream.CloseSend()
	c.mu.Unlock()
	c.cancel()
	return err
}

func (c *Client) send(f transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.SendMsg(&f)
}
