// Package grpcstream serves the device channel as a bidirectional gRPC
// stream. Frames are JSON; the first client frame must be a hello carrying
// the device id and token.
package grpcstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"notifrelay/internal/registry"
	"notifrelay/internal/transport"
	logx "notifrelay/pkg/logx"
)

const DefaultHelloTimeout = 10 * time.Second

type Config struct {
	Addr         string
	TLSCert      string
	TLSKey       string
	HelloTimeout time.Duration
	// Keepalive pings idle streams so dead peers surface as stream errors.
	Keepalive time.Duration
}

// Registry is the subset of the connection registry the server drives.
type Registry interface {
	Register(target string, h transport.Conn, authenticated bool) (registry.Record, error)
	UnregisterConn(target string, connID uint64, reason registry.Reason) bool
	Touch(target string, connID uint64) bool
}

type Options struct {
	Log logx.Logger
	// StreamInterceptors are chained in order.
	StreamInterceptors []grpc.StreamServerInterceptor
}

type Server struct {
	cfg  Config
	reg  Registry
	in   transport.Inbound
	auth transport.Authenticator
	log  logx.Logger
	gs   *grpc.Server
}

// NewServer builds the gRPC server. TLS is enabled when both cert and key are set.
func NewServer(cfg Config, reg Registry, in transport.Inbound, auth transport.Authenticator, opts Options) (*Server, error) {
	if reg == nil || in == nil || auth == nil {
		return nil, errors.New("grpcstream: registry, inbound and authenticator are required")
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = DefaultHelloTimeout
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	sopts := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainStreamInterceptor(opts.StreamInterceptors...),
	}
	if cfg.Keepalive > 0 {
		sopts = append(sopts,
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: cfg.Keepalive, Timeout: cfg.Keepalive / 2}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: cfg.Keepalive / 2, PermitWithoutStream: true}),
		)
	}
	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("grpcstream: tls: %w", err)
		}
		sopts = append(sopts, grpc.Creds(creds))
	}
	s := &Server{cfg: cfg, reg: reg, in: in, auth: auth, log: opts.Log}
	s.gs = grpc.NewServer(sopts...)
	s.gs.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve accepts streams on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	err := s.gs.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Run listens on cfg.Addr and serves until ctx ends, then stops gracefully
// within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpcstream: listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("device transport listening", logx.String("addr", lis.Addr().String()))
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(lis) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.Stop(grace)
	return <-errc
}

// Stop drains streams for up to grace, then closes them.
func (s *Server) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.gs.Stop()
	}
}

func (s *Server) connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	hello, err := s.readHello(stream)
	if err != nil {
		s.log.Debug("device hello failed", logx.String("remote", remote), logx.Err(err))
		return err
	}
	if !s.auth.Authenticate(hello.DeviceID, hello.Token) {
		s.log.Warn("device authentication failed", logx.Target(hello.DeviceID), logx.String("remote", remote))
		_ = stream.SendMsg(&transport.Frame{Type: transport.FrameError, Error: "unauthenticated"})
		return status.Error(codes.Unauthenticated, "unknown device or bad token")
	}
	target := hello.DeviceID

	conn := newStreamConn(stream, remote)
	if err := conn.Send(ctx, transport.Frame{Type: transport.FrameWelcome, DeviceID: target}); err != nil {
		return err
	}
	rec, err := s.reg.Register(target, conn, true)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer s.reg.UnregisterConn(target, rec.ConnID, registry.ReasonUnregistered)
	// The device may have been unpaired while the hello was in flight.
	if !s.auth.Authenticate(hello.DeviceID, hello.Token) {
		return status.Error(codes.PermissionDenied, "device unpaired")
	}
	log := s.log.With(logx.Target(target), logx.Uint64("conn", rec.ConnID))

	frames := make(chan transport.Frame)
	recvErr := make(chan error, 1)
	go func() {
		for {
			var f transport.Frame
			if err := stream.RecvMsg(&f); err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-conn.closed:
				return
			}
		}
	}()

	for {
		select {
		case <-conn.closed:
			// Replaced, swept or unpaired by the registry.
			return status.Error(codes.Aborted, "connection closed by relay")
		case err := <-recvErr:
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				log.Debug("device stream ended")
				return nil
			}
			log.Debug("device stream error", logx.Err(err))
			return err
		case f := <-frames:
			s.handle(ctx, log, target, rec.ConnID, f)
		}
	}
}

func (s *Server) readHello(stream grpc.ServerStream) (transport.Frame, error) {
	got := make(chan transport.Frame, 1)
	fail := make(chan error, 1)
	go func() {
		var f transport.Frame
		if err := stream.RecvMsg(&f); err != nil {
			fail <- err
			return
		}
		got <- f
	}()
	t := time.NewTimer(s.cfg.HelloTimeout)
	defer t.Stop()
	select {
	case f := <-got:
		if f.Type != transport.FrameHello || f.DeviceID == "" {
			return transport.Frame{}, status.Error(codes.InvalidArgument, "first frame must be hello with device_id")
		}
		return f, nil
	case err := <-fail:
		return transport.Frame{}, err
	case <-t.C:
		return transport.Frame{}, status.Error(codes.DeadlineExceeded, "hello timeout")
	}
}

func (s *Server) handle(ctx context.Context, log logx.Logger, target string, connID uint64, f transport.Frame) {
	switch f.Type {
	case transport.FrameAck:
		s.reg.Touch(target, connID)
		if f.ItemID == "" {
			return
		}
		if err := s.in.OnAck(ctx, target, f.ItemID); err != nil {
			log.Debug("ack not applied", logx.Item(f.ItemID), logx.Err(err))
		}
	case transport.FrameHeartbeat:
		if s.reg.Touch(target, connID) {
			s.in.OnHeartbeat(target)
		}
	default:
		log.Debug("unexpected device frame", logx.String("type", f.Type))
	}
}

// streamConn adapts a server stream to transport.Conn. gRPC streams allow one
// concurrent sender, so sends are serialized.
type streamConn struct {
	stream grpc.ServerStream
	remote string
	mu     sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newStreamConn(stream grpc.ServerStream, remote string) *streamConn {
	return &streamConn{stream: stream, remote: remote, closed: make(chan struct{})}
}

func (c *streamConn) Send(ctx context.Context, f transport.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	errc := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		errc <- c.stream.SendMsg(&f)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		// A stuck send poisons the stream; drop it.
		_ = c.Close()
		return ctx.Err()
	case <-c.closed:
		return transport.ErrConnClosed
	}
}

func (c *streamConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *streamConn) RemoteAddr() string { return c.remote }
