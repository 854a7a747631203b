package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"verdict-relay/relay/proto/relaypb"
	"verdict-relay/worker/internal/script"
)

type received struct {
	clientID string
	auth     string
	events   []relaypb.QueueEvent
}

// stubIngest records what a worker sends. rejectAfter > 0 fails the stream
// after that many events.
type stubIngest struct {
	relaypb.UnimplementedIngestServer

	mu          sync.Mutex
	calls       []*received
	rejectAfter int
}

func (s *stubIngest) Stream(stream relaypb.Ingest_StreamServer) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	rec := &received{}
	if v := md.Get(relaypb.ClientIDKey); len(v) > 0 {
		rec.clientID = v[0]
	}
	if v := md.Get("authorization"); len(v) > 0 {
		rec.auth = v[0]
	}
	s.mu.Lock()
	s.calls = append(s.calls, rec)
	s.mu.Unlock()

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if err != nil {
			return err
		}
		st, message, err := relaypb.EventFields(msg)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		s.mu.Lock()
		rec.events = append(rec.events, relaypb.QueueEvent{Status: st, Message: message})
		n := len(rec.events)
		s.mu.Unlock()
		if s.rejectAfter > 0 && n >= s.rejectAfter {
			return status.Error(codes.InvalidArgument, "rejected")
		}
	}
}

func (s *stubIngest) snapshot() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]received, 0, len(s.calls))
	for _, rec := range s.calls {
		out = append(out, received{
			clientID: rec.clientID,
			auth:     rec.auth,
			events:   append([]relaypb.QueueEvent(nil), rec.events...),
		})
	}
	return out
}

func startStub(t *testing.T, stub *stubIngest) relaypb.IngestClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	relaypb.RegisterIngestServer(srv, stub)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return relaypb.NewIngestClient(conn)
}

func testScript() *script.Script {
	return &script.Script{Events: []script.Event{
		{Status: "PROGRESS", Message: "QUEUED"},
		{Status: "VERDICT", Message: `{"test_case":1,"verdict":"AC"}`, Delay: 5 * time.Millisecond},
		{Status: "INFO", Message: "FINISHED_SUCCESS"},
	}}
}

func TestPlayGRPC(t *testing.T) {
	stub := &stubIngest{}
	g := NewGRPC(startStub(t, stub), "s3cret")

	require.NoError(t, Play(context.Background(), g, "session-1", testScript(), zap.NewNop()))

	calls := stub.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "session-1", calls[0].clientID)
	assert.Equal(t, "Bearer s3cret", calls[0].auth)
	assert.Equal(t, []relaypb.QueueEvent{
		{Status: "PROGRESS", Message: "QUEUED"},
		{Status: "VERDICT", Message: `{"test_case":1,"verdict":"AC"}`},
		{Status: "INFO", Message: "FINISHED_SUCCESS"},
	}, calls[0].events)
}

func TestPlayGRPCSurfacesRelayError(t *testing.T) {
	stub := &stubIngest{rejectAfter: 1}
	g := NewGRPC(startStub(t, stub), "")

	err := Play(context.Background(), g, "session-1", testScript(), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Unwrap(err)))
}

func TestPlayStopsOnCancel(t *testing.T) {
	stub := &stubIngest{}
	g := NewGRPC(startStub(t, stub), "")

	s := &script.Script{Events: []script.Event{
		{Status: "PROGRESS", Message: "QUEUED"},
		{Status: "PROGRESS", Message: "RUNNING", Delay: time.Hour},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Play(ctx, g, "session-1", s, zap.NewNop())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakePublisher struct {
	routingKeys []string
	msgs        []amqp.Publishing
	err         error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.routingKeys = append(p.routingKeys, key)
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestPlayAMQP(t *testing.T) {
	pub := &fakePublisher{}
	a := NewAMQP(pub, "relay.events")

	require.NoError(t, Play(context.Background(), a, "session-9", testScript(), zap.NewNop()))

	require.Len(t, pub.msgs, 3)
	for _, key := range pub.routingKeys {
		assert.Equal(t, "relay.events", key)
	}
	msg := pub.msgs[1]
	assert.Equal(t, "session-9", msg.Headers[relaypb.ClientIDKey])
	assert.Equal(t, "application/json", msg.ContentType)

	var body relaypb.QueueEvent
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, relaypb.QueueEvent{Status: "VERDICT", Message: `{"test_case":1,"verdict":"AC"}`}, body)
}

func TestPlayAMQPPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	err := Play(context.Background(), NewAMQP(pub, "relay.events"), "session-9", testScript(), zap.NewNop())
	assert.ErrorContains(t, err, "channel closed")
}
