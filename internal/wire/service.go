package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype under which frames travel. Other
// services on the same server keep the default proto codec.
const CodecName = "busframe"

const (
	ServiceName       = "bus.v1.Router"
	sessionMethodName = "/" + ServiceName + "/Session"
)

func init() {
	encoding.RegisterCodec(codec{})
}

type codec struct{}

func (codec) Name() string { return CodecName }

func (codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return f.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	return f.Unmarshal(data)
}

// Stream is one side of a session stream.
type Stream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

// ClientStream is the caller's side of a session stream.
type ClientStream interface {
	Stream
	CloseSend() error
}

// RouterServer serves session streams.
type RouterServer interface {
	Session(Stream) error
}

var RouterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RouterServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "bus/v1/router.proto",
}

func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&RouterServiceDesc, srv)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RouterServer).Session(&frameStream{stream})
}

// OpenSession starts a session stream on cc.
func OpenSession(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (ClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	st, err := cc.NewStream(ctx, &RouterServiceDesc.Streams[0], sessionMethodName, opts...)
	if err != nil {
		return nil, fmt.Errorf("wire: open session: %w", err)
	}
	return &clientFrameStream{st}, nil
}

type frameStream struct{ grpc.ServerStream }

func (s *frameStream) Send(f *Frame) error { return s.SendMsg(f) }

func (s *frameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

type clientFrameStream struct{ grpc.ClientStream }

func (s *clientFrameStream) Send(f *Frame) error { return s.SendMsg(f) }

func (s *clientFrameStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}
