// Package redis implements broker.Broker on Redis Streams for horizontally
// scaled deployments: every instance sees every stream, and Last-Event-ID
// resumption maps directly onto stream entry ids.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contexthost/mcprt/broker"
)

// Config configures the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a localhost client is
	// created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all stream keys. Defaults to "mcprt:stream:".
	KeyPrefix string
	// BlockInterval bounds each XREAD block so context cancellation is
	// observed promptly. Defaults to one second.
	BlockInterval time.Duration
}

// Broker implements broker.Broker using XADD/XREAD without consumer groups so
// every subscriber observes every message.
type Broker struct {
	client        redis.UniversalClient
	keyPrefix     string
	blockInterval time.Duration
}

// New creates the broker.
func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcprt:stream:"
	}
	interval := cfg.BlockInterval
	if interval == 0 {
		interval = time.Second
	}
	return &Broker{client: client, keyPrefix: prefix, blockInterval: interval}
}

// Close closes the Redis connection.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(stream),
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, stream string, lastEventID string) (broker.Stream, error) {
	cursor := "$"
	if lastEventID != "" {
		cursor = lastEventID
	}
	subCtx, cancel := context.WithCancel(ctx)
	return &subscription{
		broker: b,
		key:    b.streamKey(stream),
		cursor: cursor,
		ctx:    subCtx,
		cancel: cancel,
	}, nil
}

func (b *Broker) Cleanup(ctx context.Context, stream string) error {
	if err := b.client.Del(ctx, b.streamKey(stream)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup stream %s: %w", stream, err)
	}
	return nil
}

func (b *Broker) streamKey(stream string) string { return b.keyPrefix + stream }

type subscription struct {
	broker *Broker
	key    string
	cursor string
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return broker.Envelope{}, ctx.Err()
		case <-s.ctx.Done():
			return broker.Envelope{}, io.EOF
		default:
		}

		streams, err := s.broker.client.XRead(s.ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   1,
			Block:   s.broker.blockInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if s.ctx.Err() != nil {
				return broker.Envelope{}, io.EOF
			}
			return broker.Envelope{}, fmt.Errorf("failed to read stream %s: %w", s.key, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.cursor = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				return broker.Envelope{ID: msg.ID, Data: []byte(data)}, nil
			}
		}
	}
}

func (s *subscription) Close() error {
	s.cancel()
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)
