package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultPrefetch   = 32
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// EnvelopeHandler applies one decoded envelope.
type EnvelopeHandler interface {
	Handle(ctx context.Context, envelope Envelope) (Result, error)
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDrop
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	default:
		return "drop"
	}
}

// ConsumerConfig describes the broker connection and delivery handling.
type ConsumerConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Handler    EnvelopeHandler
	Logger     *zap.Logger
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Consumer reads lifecycle events from a durable RabbitMQ queue with manual acks.
type Consumer struct {
	url        string
	queue      string
	prefetch   int
	handler    EnvelopeHandler
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer validates cfg and constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: amqp url is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("events: queue name is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("events: handler is required")
	}
	consumer := &Consumer{
		url:        cfg.URL,
		queue:      cfg.Queue,
		prefetch:   cfg.Prefetch,
		handler:    cfg.Handler,
		logger:     cfg.Logger,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
	}
	if consumer.prefetch <= 0 {
		consumer.prefetch = defaultPrefetch
	}
	if consumer.logger == nil {
		consumer.logger = zap.NewNop()
	}
	if consumer.minBackoff <= 0 {
		consumer.minBackoff = defaultMinBackoff
	}
	if consumer.maxBackoff < consumer.minBackoff {
		consumer.maxBackoff = defaultMaxBackoff
	}
	return consumer, nil
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff whenever the
// broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.logger.Warn("event consumer dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("event consumer loop ended", zap.Error(err))
		if !sleepContext(ctx, backoff) {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if err := channel.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if _, err := channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	deliveries, err := channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.logger.Info("event consumer started", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.settle(delivery, c.process(ctx, delivery.Body))
		}
	}
}

func (c *Consumer) settle(delivery amqp.Delivery, outcome disposition) {
	var err error
	switch outcome {
	case dispositionAck:
		err = delivery.Ack(false)
	case dispositionRequeue:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("event settle failed", zap.String("disposition", outcome.String()), zap.Error(err))
	}
}

// process decodes and handles one message body and decides how the delivery is settled.
func (c *Consumer) process(ctx context.Context, body []byte) disposition {
	envelope, err := DecodeEnvelope(body)
	if err != nil {
		c.logger.Error("event dropped", zap.String("reason", "decode"), zap.Error(err))
		return dispositionDrop
	}
	fields := []zap.Field{
		zap.String("type", string(envelope.Type)),
		zap.String("owner_id", envelope.OwnerID),
		zap.String("content_id", envelope.ContentID),
	}

	_, err = c.handler.Handle(ctx, envelope)
	switch {
	case err == nil:
		c.logger.Debug("event handled", fields...)
		return dispositionAck
	case errors.Is(err, schedules.ErrDuplicateSchedule):
		c.logger.Info("event already applied", fields...)
		return dispositionAck
	case errors.Is(err, schedules.ErrConcurrentModification), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn("event requeued", append(fields, zap.Error(err))...)
		return dispositionRequeue
	default:
		c.logger.Error("event dropped", append(fields, zap.Error(err))...)
		return dispositionDrop
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepContext(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
