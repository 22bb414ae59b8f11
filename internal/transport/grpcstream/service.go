package grpcstream

import "google.golang.org/grpc"

const (
	ServiceName = "notifrelay.v1.Relay"
	// ConnectMethod is the full method name of the device stream.
	ConnectMethod = "/" + ServiceName + "/Connect"
)

type relayService interface {
	connect(stream grpc.ServerStream) error
}

var connectStream = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		return srv.(relayService).connect(stream)
	},
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*relayService)(nil),
	Streams:     []grpc.StreamDesc{connectStream},
	Metadata:    "notifrelay/v1/relay",
}
