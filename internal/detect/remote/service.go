// Package remote talks to an out-of-process detector+tracker over gRPC.
// Messages are google.protobuf.Struct values so the detector side can be
// written in any language without shared generated code.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "crowdwatch.detect.v1.Tracker"
	trackMethod = "/" + serviceName + "/Track"
)

// TrackerServer is implemented by detector processes.
type TrackerServer interface {
	Track(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the tracker service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TrackerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Track", Handler: trackHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crowdwatch/detect/v1/tracker.proto",
}

// RegisterTrackerServer registers srv on s.
func RegisterTrackerServer(s grpc.ServiceRegistrar, srv TrackerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func trackHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackerServer).Track(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: trackMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrackerServer).Track(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
