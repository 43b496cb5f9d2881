// Package grpcrank implements the gRPC wire format for a rank-to-rank
// collective: a single "Deliver" unary RPC carrying an opaque, already
// framed payload (the caller, internal/transport/grpc.go, is responsible
// for encoding/decoding the Bodies/Cells it carries). Hand-written in the
// shape protoc-gen-go-grpc would emit, using wrapperspb.BytesValue as the
// message type so no .proto compilation step is needed for this one
// pass-through method.
package grpcrank

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "fmm.RankService"

// RankServiceServer is implemented by the receiving side of a Deliver call.
type RankServiceServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// RankServiceClient is implemented by the connection a sending rank holds
// to one peer.
type RankServiceClient interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type rankServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRankServiceClient wraps an established connection.
func NewRankServiceClient(cc grpc.ClientConnInterface) RankServiceClient {
	return &rankServiceClient{cc: cc}
}

func (c *rankServiceClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Deliver", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _RankService_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RankServiceServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RankServiceServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is registered with a grpc.Server via RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RankServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _RankService_Deliver_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/grpcrank/rank.proto",
}

// RegisterRankServiceServer attaches impl to s under ServiceDesc.
func RegisterRankServiceServer(s grpc.ServiceRegistrar, impl RankServiceServer) {
	s.RegisterService(&ServiceDesc, impl)
}
