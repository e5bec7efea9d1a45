package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Publisher sends envelopes to the durable event queue as persistent messages.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	clock   func() time.Time
}

// NewPublisher dials the broker and declares queue.
func NewPublisher(url, queue string) (*Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: amqp url is required")
	}
	if strings.TrimSpace(queue) == "" {
		return nil, errors.New("events: queue name is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: channel open: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: queue declare: %w", err)
	}
	return &Publisher{conn: conn, channel: channel, queue: queue, clock: time.Now}, nil
}

// Publish sends one envelope.
func (p *Publisher) Publish(ctx context.Context, envelope Envelope) error {
	publishing, err := newPublishing(envelope, p.clock())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, "", p.queue, false, false, publishing); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	channelErr := p.channel.Close()
	connErr := p.conn.Close()
	return errors.Join(channelErr, connErr)
}

func newPublishing(envelope Envelope, now time.Time) (amqp.Publishing, error) {
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = now.UTC()
	}
	body, err := envelope.Encode()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("events: encode: %w", err)
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Type:         string(envelope.Type),
		Body:         body,
	}, nil
}
