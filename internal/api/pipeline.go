package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mxd.v1.Pipeline"

// PipelineServer is the server API of the mxd.v1.Pipeline service. Requests
// and responses are google.protobuf.Struct objects; field names are listed on
// each method of PipelineService.
type PipelineServer interface {
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRetryQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearRetryQueue(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetMessageStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAuditLog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryDecryption(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRooms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// unary builds the method descriptor for a unary call whose request type is
// Req. It mirrors what protoc-gen-go-grpc emits per method.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, call func(PipelineServer, context.Context, PReq) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PipelineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PipelineServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(PipelineServer).WatchEvents(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// PipelineServiceDesc is the grpc.ServiceDesc for mxd.v1.Pipeline.
var PipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[emptypb.Empty]("GetStats", PipelineServer.GetStats),
		unary[structpb.Struct]("SendText", PipelineServer.SendText),
		unary[emptypb.Empty]("ListRetryQueue", PipelineServer.ListRetryQueue),
		unary[structpb.Struct]("RetryMessage", PipelineServer.RetryMessage),
		unary[emptypb.Empty]("ClearRetryQueue", PipelineServer.ClearRetryQueue),
		unary[structpb.Struct]("GetMessageStatus", PipelineServer.GetMessageStatus),
		unary[structpb.Struct]("GetAuditLog", PipelineServer.GetAuditLog),
		unary[structpb.Struct]("RetryDecryption", PipelineServer.RetryDecryption),
		unary[structpb.Struct]("ListRooms", PipelineServer.ListRooms),
		unary[structpb.Struct]("ListMessages", PipelineServer.ListMessages),
		unary[structpb.Struct]("SearchMessages", PipelineServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "mxd/v1/pipeline.proto",
}

// RegisterPipelineServer registers srv on s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&PipelineServiceDesc, srv)
}

// PipelineClient is the client side of mxd.v1.Pipeline.
type PipelineClient struct {
	cc grpc.ClientConnInterface
}

// NewPipelineClient wraps a connection.
func NewPipelineClient(cc grpc.ClientConnInterface) *PipelineClient {
	return &PipelineClient{cc: cc}
}

func (c *PipelineClient) invoke(ctx context.Context, method string, in proto.Message, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PipelineClient) GetStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStats", &emptypb.Empty{}, opts...)
}

func (c *PipelineClient) SendText(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SendText", in, opts...)
}

func (c *PipelineClient) ListRetryQueue(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRetryQueue", &emptypb.Empty{}, opts...)
}

func (c *PipelineClient) RetryMessage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RetryMessage", in, opts...)
}

func (c *PipelineClient) ClearRetryQueue(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ClearRetryQueue", &emptypb.Empty{}, opts...)
}

func (c *PipelineClient) GetMessageStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetMessageStatus", in, opts...)
}

func (c *PipelineClient) GetAuditLog(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetAuditLog", in, opts...)
}

func (c *PipelineClient) RetryDecryption(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RetryDecryption", in, opts...)
}

func (c *PipelineClient) ListRooms(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRooms", in, opts...)
}

func (c *PipelineClient) ListMessages(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListMessages", in, opts...)
}

func (c *PipelineClient) SearchMessages(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SearchMessages", in, opts...)
}

// WatchEvents opens the event stream. in may carry a "prefix" filter.
func (c *PipelineClient) WatchEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &PipelineServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
