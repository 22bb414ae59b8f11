package grpcstream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"notifrelay/internal/model"
	"notifrelay/internal/registry"
	"notifrelay/internal/transport"
)

type inbound struct {
	mu    sync.Mutex
	acks  []string
	beats int
}

func (in *inbound) OnAck(_ context.Context, target, item string) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.acks = append(in.acks, target+"/"+item)
	return nil
}

func (in *inbound) OnHeartbeat(string) {
	in.mu.Lock()
	in.beats++
	in.mu.Unlock()
}

func (in *inbound) snapshot() ([]string, int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.acks...), in.beats
}

type env struct {
	reg *registry.Registry
	in  *inbound
	cc  *grpc.ClientConn
}

func start(t *testing.T) *env {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	reg := registry.New(registry.Config{}, registry.Options{})
	in := &inbound{}
	srv, err := NewServer(Config{HelloTimeout: time.Second}, reg, in,
		transport.NewDevices(map[string]string{"phone": "s3cret", "tablet": "t0k"}), Options{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Stop(time.Second) })

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return &env{reg: reg, in: in, cc: cc}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBadTokenIsRejected(t *testing.T) {
	t.Parallel()
	e := start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tc := range []struct{ id, token string }{
		{"phone", "wrong"},
		{"stranger", "s3cret"},
		{"phone", ""},
	} {
		if c, err := Connect(ctx, e.cc, tc.id, tc.token); err == nil {
			c.Close()
			t.Fatalf("%s/%s connected", tc.id, tc.token)
		}
	}
	if e.reg.IsConnected("phone") {
		t.Fatalf("registry has a connection")
	}
}

func TestEventAckAndHeartbeatRoundTrip(t *testing.T) {
	t.Parallel()
	e := start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, e.cc, "phone", "s3cret")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitUntil(t, "registration", func() bool { return e.reg.IsConnected("phone") })

	rec, _ := e.reg.Current("phone")
	ev := model.NotificationEvent{ID: model.NewID(), SourceApplication: "mail", Title: "hi", Priority: model.PriorityHigh}
	if err := rec.Handle.Send(ctx, transport.Frame{Type: transport.FrameEvent, ItemID: "item-1", Attempt: 1, Event: &ev}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f, err := c.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if f.Type != transport.FrameEvent || f.ItemID != "item-1" || f.Event == nil || f.Event.Title != "hi" || f.Event.Priority != model.PriorityHigh {
		t.Fatalf("frame = %+v", f)
	}

	if err := c.Ack("item-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	waitUntil(t, "ack and heartbeat", func() bool {
		acks, beats := e.in.snapshot()
		return len(acks) == 1 && beats == 1
	})
	if acks, _ := e.in.snapshot(); acks[0] != "phone/item-1" {
		t.Fatalf("acks = %v", acks)
	}

	c.Close()
	waitUntil(t, "unregister", func() bool { return !e.reg.IsConnected("phone") })
}

func TestReconnectReplacesOldStream(t *testing.T) {
	t.Parallel()
	e := start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	old, err := Connect(ctx, e.cc, "tablet", "t0k")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer old.Close()
	waitUntil(t, "first registration", func() bool { return e.reg.IsConnected("tablet") })
	first, _ := e.reg.Current("tablet")

	fresh, err := Connect(ctx, e.cc, "tablet", "t0k")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer fresh.Close()
	waitUntil(t, "replacement", func() bool {
		cur, ok := e.reg.Current("tablet")
		return ok && cur.ConnID != first.ConnID
	})

	if _, err := old.Recv(); status.Code(err) != codes.Aborted {
		t.Fatalf("old stream err = %v", err)
	}
	// The old stream's teardown must not unregister the new connection.
	time.Sleep(50 * time.Millisecond)
	if !e.reg.IsConnected("tablet") {
		t.Fatalf("new connection lost")
	}
}

func TestHelloMustComeFirst(t *testing.T) {
	t.Parallel()
	e := start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := e.cc.NewStream(ctx, &connectStream, ConnectMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := stream.SendMsg(&transport.Frame{Type: transport.FrameAck, ItemID: "x"}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}
	var f transport.Frame
	if err := stream.RecvMsg(&f); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v", err)
	}
}
