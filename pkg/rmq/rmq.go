// Package rmq carries job events over a durable RabbitMQ queue.
package rmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 10

// open dials url and declares queue as durable on a fresh channel.
func open(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return conn, ch, nil
}

// Publisher is safe for concurrent use; publishes are serialized on one
// channel.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := open(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// PublishJSONWithType publishes a persistent JSON message. typ is set as the
// AMQP type property so consumers can route on the event type without
// decoding the body.
func (p *Publisher) PublishJSONWithType(ctx context.Context, typ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn.IsClosed() {
		return amqp.ErrClosed
	}
	return p.ch.PublishWithContext(ctx,
		"", p.queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Type:         typ,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewConsumer(url, queue string) (*Consumer, error) {
	conn, ch, err := open(url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(defaultPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

// Consume starts a manual-ack delivery stream.
func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}
