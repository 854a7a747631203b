package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"verdict-relay/relay/proto/relaypb"
	"verdict-relay/worker/internal/script"
)

// Stream carries one submission's events to the relay.
type Stream interface {
	Send(ev script.Event) error
	// Close ends the submission and reports any error the relay returned.
	Close() error
}

type Transport interface {
	Open(ctx context.Context, clientID string) (Stream, error)
}

// Play sends every event of s on a fresh stream, honouring each event's
// delay, then closes the stream.
func Play(ctx context.Context, t Transport, clientID string, s *script.Script, log *zap.Logger) error {
	stream, err := t.Open(ctx, clientID)
	if err != nil {
		return err
	}

	for i, ev := range s.Events {
		if ev.Delay > 0 {
			timer := time.NewTimer(ev.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				_ = stream.Close()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := stream.Send(ev); err != nil {
			return fmt.Errorf("send event %d (%s): %w", i+1, ev.Status, err)
		}
		log.Debug("event sent", zap.Int("index", i+1), zap.String("status", ev.Status))
	}

	if err := stream.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	log.Info("submission streamed", zap.String("client_id", clientID), zap.Int("events", len(s.Events)))
	return nil
}

// GRPC streams events over the relay's Ingest service.
type GRPC struct {
	client relaypb.IngestClient
	token  string
}

func NewGRPC(client relaypb.IngestClient, token string) *GRPC {
	return &GRPC{client: client, token: token}
}

// DialGRPC connects to the relay's ingest address without TLS.
func DialGRPC(addr, token string) (*GRPC, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return NewGRPC(relaypb.NewIngestClient(conn), token), conn, nil
}

func (g *GRPC) Open(ctx context.Context, clientID string) (Stream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, relaypb.ClientIDKey, clientID)
	if g.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+g.token)
	}
	stream, err := g.client.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open ingest stream: %w", err)
	}
	return &grpcStream{stream: stream}, nil
}

type grpcStream struct {
	stream relaypb.Ingest_StreamClient
}

func (s *grpcStream) Send(ev script.Event) error {
	err := s.stream.Send(relaypb.NewEvent(ev.Status, ev.Message))
	if errors.Is(err, io.EOF) {
		// the relay ended the stream; its status comes back on close
		_, err = s.stream.CloseAndRecv()
		if err == nil {
			err = io.EOF
		}
	}
	return err
}

func (s *grpcStream) Close() error {
	_, err := s.stream.CloseAndRecv()
	return err
}

// Publisher is the part of *amqp.Channel the AMQP transport needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events to the relay's ingest queue, one message per event.
type AMQP struct {
	pub   Publisher
	queue string
}

func NewAMQP(pub Publisher, queue string) *AMQP {
	return &AMQP{pub: pub, queue: queue}
}

func (a *AMQP) Open(ctx context.Context, clientID string) (Stream, error) {
	return &amqpStream{ctx: ctx, amqp: a, clientID: clientID}, nil
}

type amqpStream struct {
	ctx      context.Context
	amqp     *AMQP
	clientID string
}

func (s *amqpStream) Send(ev script.Event) error {
	body, err := json.Marshal(relaypb.QueueEvent{Status: ev.Status, Message: ev.Message})
	if err != nil {
		return err
	}
	return s.amqp.pub.PublishWithContext(
		s.ctx,
		"",           // exchange
		s.amqp.queue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{relaypb.ClientIDKey: s.clientID},
			Body:         body,
		},
	)
}

// Close is a no-op: a queue has no end-of-stream.
func (s *amqpStream) Close() error {
	return nil
}
