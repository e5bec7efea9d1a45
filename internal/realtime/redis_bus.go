package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisChannel = "resee.realtime"

// RedisBusConfig describes the redis connection used to mirror messages across instances.
type RedisBusConfig struct {
	Addr    string
	Channel string
	Logger  *zap.Logger
}

// RedisBus publishes realtime messages to a redis channel and forwards every message on
// that channel, including its own, to a local dispatcher.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus connects to redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisBusConfig) (*RedisBus, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("realtime: redis address is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("realtime: redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, channel: channel, logger: logger}, nil
}

// Publish sends message to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, message Message) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Forward subscribes to the shared channel and delivers messages to dispatcher until ctx
// ends.
func (b *RedisBus) Forward(ctx context.Context, dispatcher *Dispatcher) error {
	if dispatcher == nil {
		return errors.New("realtime: dispatcher is required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("realtime: redis subscribe: %w", err)
	}

	b.logger.Info("realtime forwarder started", zap.String("channel", b.channel))
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-messages:
			if !ok || raw == nil {
				return errors.New("realtime: redis subscription closed")
			}
			b.deliver(dispatcher, raw.Payload)
		}
	}
}

func (b *RedisBus) deliver(dispatcher *Dispatcher, payload string) {
	var message Message
	if err := json.Unmarshal([]byte(payload), &message); err != nil {
		b.logger.Warn("bad realtime payload", zap.Error(err))
		return
	}
	dispatcher.Publish(message)
}

// Close releases the redis client.
func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
