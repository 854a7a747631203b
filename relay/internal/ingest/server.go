package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"verdict-relay/relay/internal/events"
	"verdict-relay/relay/internal/metrics"
	"verdict-relay/relay/proto/relaypb"
)

type Server struct {
	relaypb.UnimplementedIngestServer

	relay   *Relay
	metrics *metrics.Collector
	log     *zap.Logger
}

func NewServer(relay *Relay, m *metrics.Collector, log *zap.Logger) *Server {
	if m == nil {
		m = metrics.Nop()
	}
	return &Server{relay: relay, metrics: m, log: log}
}

// Stream drains one worker channel. Events are forwarded in arrival order;
// end-of-stream only stops reading and leaves the subscriber attached.
func (s *Server) Stream(stream relaypb.Ingest_StreamServer) error {
	ctx := stream.Context()

	clientID, err := clientIDFromContext(ctx)
	if err != nil {
		return err
	}

	s.metrics.StreamOpened(ctx)
	defer s.metrics.StreamClosed(ctx)

	log := s.log.With(zap.String("client_id", clientID))
	log.Debug("ingest stream opened")

	received := 0
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug("ingest stream finished", zap.Int("events", received))
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if err != nil {
			if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				log.Debug("ingest stream cancelled by worker", zap.Int("events", received))
			} else {
				log.Warn("ingest stream receive failed", zap.Error(err))
			}
			return err
		}

		st, message, err := relaypb.EventFields(msg)
		if err != nil {
			s.metrics.EventDropped(ctx, "invalid")
			log.Warn("rejecting malformed event", zap.Error(err))
			return status.Errorf(codes.InvalidArgument, "event %d: %v", received+1, err)
		}
		ev, err := events.Parse(st, message)
		if err != nil {
			s.metrics.EventDropped(ctx, "invalid")
			log.Warn("rejecting invalid event", zap.Error(err))
			return status.Errorf(codes.InvalidArgument, "event %d: %v", received+1, err)
		}

		received++
		s.relay.Forward(ctx, clientID, ev)
	}
}

func clientIDFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(relaypb.ClientIDKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", status.Errorf(codes.InvalidArgument, "missing %s metadata", relaypb.ClientIDKey)
	}
	return strings.TrimSpace(values[0]), nil
}

// TokenStreamInterceptor requires "authorization: Bearer <token>" on every
// stream. An empty token disables the check.
func TokenStreamInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if token == "" {
			return handler(srv, ss)
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		values := md.Get("authorization")
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte("Bearer "+token)) != 1 {
			return status.Error(codes.Unauthenticated, "invalid ingest token")
		}
		return handler(srv, ss)
	}
}
