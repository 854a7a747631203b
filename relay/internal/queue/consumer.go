/*
Deliveries are acked as soon as they are handled, including malformed ones:
the relay has no replay, so a requeued event could only arrive late or twice.
*/

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"verdict-relay/relay/internal/connections"
	"verdict-relay/relay/internal/events"
	"verdict-relay/relay/proto/relaypb"
)

type Forwarder interface {
	Forward(ctx context.Context, clientID string, ev events.Event) connections.Result
}

type Consumer struct {
	deliveries chan amqp.Delivery
	errors     chan error
	ch         *amqp.Channel
	queueName  string
}

// Deliveries is the channel of incoming deliveries
func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Errors is the channel of fatal consumer errors (connection drop, channel close, etc.)
func (c *Consumer) Errors() <-chan error {
	return c.errors
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		return c.ch.Close()
	}
	return nil
}

// DeclareQueue makes sure the ingest queue exists with the settings both the
// relay and the workers expect.
func DeclareQueue(ch *amqp.Channel, queueName string) error {
	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	return err
}

// StartEventConsumer starts a background consumer that pushes deliveries to a buffered channel.
// - prefetch controls how many unacked messages RabbitMQ will send at once.
// - buffer is the size of the Go channel buffer for deliveries.
func StartEventConsumer(ctx context.Context, amqpConn *amqp.Connection, queueName string, prefetch int, buffer int) (*Consumer, error) {
	ch, err := amqpConn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareQueue(ch, queueName); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// QoS: limit unacked in-flight messages for this consumer
	if prefetch <= 0 {
		prefetch = 10
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		queueName,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	consumer := &Consumer{
		deliveries: make(chan amqp.Delivery, buffer),
		errors:     make(chan error, 1),
		ch:         ch,
		queueName:  queueName,
	}

	notifyClose := make(chan *amqp.Error, 1)
	ch.NotifyClose(notifyClose)

	go func() {
		defer close(consumer.deliveries)
		defer close(consumer.errors)
		for {
			select {
			case <-ctx.Done():
				return

			case amqpErr := <-notifyClose:
				if amqpErr != nil {
					consumer.errors <- fmt.Errorf("AMQP channel closed: %w", amqpErr)
				}
				return

			case d, ok := <-msgs:
				if !ok {
					consumer.errors <- fmt.Errorf("RabbitMQ deliveries channel closed")
					return
				}
				select {
				case consumer.deliveries <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return consumer, nil
}

// Pump feeds deliveries into fwd until ctx is cancelled or the delivery
// channel closes. One goroutine drains the queue, so queue order is kept.
func Pump(ctx context.Context, deliveries <-chan amqp.Delivery, fwd Forwarder, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handleDelivery(ctx, d, fwd, log)
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, fwd Forwarder, log *zap.Logger) {
	defer func() { _ = d.Ack(false) }()

	clientID, _ := d.Headers[relaypb.ClientIDKey].(string)
	if clientID == "" {
		log.Warn("dropping queued event without client_id header", zap.Uint64("delivery_tag", d.DeliveryTag))
		return
	}

	var msg relaypb.QueueEvent
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn("dropping undecodable queued event", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	ev, err := events.Parse(msg.Status, msg.Message)
	if err != nil {
		log.Warn("dropping invalid queued event", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	fwd.Forward(ctx, clientID, ev)
}
