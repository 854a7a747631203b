// Package relaypb holds the gRPC binding for ingest.proto. The service only
// uses well-known message types, so the binding is written out here instead
// of being generated.
package relaypb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	Ingest_ServiceName           = "relay.v1.Ingest"
	Ingest_Stream_FullMethodName = "/relay.v1.Ingest/Stream"

	// ClientIDKey is the call metadata key naming the session a stream feeds.
	ClientIDKey = "client_id"
)

type Ingest_StreamServer = grpc.ClientStreamingServer[structpb.Struct, emptypb.Empty]
type Ingest_StreamClient = grpc.ClientStreamingClient[structpb.Struct, emptypb.Empty]

// IngestServer is the server API for the Ingest service.
type IngestServer interface {
	Stream(Ingest_StreamServer) error
}

type UnimplementedIngestServer struct{}

func (UnimplementedIngestServer) Stream(Ingest_StreamServer) error {
	return status.Error(codes.Unimplemented, "method Stream not implemented")
}

func RegisterIngestServer(s grpc.ServiceRegistrar, srv IngestServer) {
	s.RegisterService(&Ingest_ServiceDesc, srv)
}

func _Ingest_Stream_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(IngestServer).Stream(&grpc.GenericServerStream[structpb.Struct, emptypb.Empty]{ServerStream: stream})
}

var Ingest_ServiceDesc = grpc.ServiceDesc{
	ServiceName: Ingest_ServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Ingest_Stream_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "relay/proto/relaypb/ingest.proto",
}

// IngestClient is the client API for the Ingest service.
type IngestClient interface {
	Stream(ctx context.Context, opts ...grpc.CallOption) (Ingest_StreamClient, error)
}

type ingestClient struct {
	cc grpc.ClientConnInterface
}

func NewIngestClient(cc grpc.ClientConnInterface) IngestClient {
	return &ingestClient{cc}
}

func (c *ingestClient) Stream(ctx context.Context, opts ...grpc.CallOption) (Ingest_StreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &Ingest_ServiceDesc.Streams[0], Ingest_Stream_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, emptypb.Empty]{ClientStream: stream}, nil
}
