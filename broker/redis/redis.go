// Package redis provides a Redis Streams-based implementation of the
// broker.Broker interface, suitable for horizontally scaled deployments
// where multiple plexusd processes must share subscriptions.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ggoodman/plexusd/broker"
	"github.com/ggoodman/plexusd/internal/jsonrpc"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
// It provides namespace-based message isolation and ordered delivery guarantees
// using Redis Streams for horizontal scalability.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "plexus:broker:" if empty.
	KeyPrefix string
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "plexus:broker:"
	}

	return &Broker{
		client:    config.Client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the underlying Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish using XADD; Redis assigns the event ID.
func (b *Broker) Publish(ctx context.Context, namespace string, message jsonrpc.Message) (string, error) {
	streamKey := b.streamKey(namespace)

	result := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"data": []byte(message)},
	})

	eventID, err := result.Result()
	if err != nil {
		return "", fmt.Errorf("broker/redis: publish to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.Subscribe, returning a pull-based
// MessageStream backed by XREAD.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	startID := "$"
	if lastEventID != "" {
		startID = lastEventID
	}

	return &stream{
		client:    b.client,
		streamKey: b.streamKey(namespace),
		cursor:    startID,
	}, nil
}

// Cleanup implements broker.Broker.Cleanup by deleting the namespace's stream.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	if err := b.client.Del(ctx, b.streamKey(namespace)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("broker/redis: cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

// stream implements broker.MessageStream over a Redis stream, buffering one
// XREAD batch at a time and blocking on the next call when the buffer is
// drained.
type stream struct {
	client    redis.UniversalClient
	streamKey string
	cursor    string
	buffered  []broker.MessageEnvelope
	closed    bool
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	if s.closed {
		return broker.MessageEnvelope{}, io.EOF
	}

	for len(s.buffered) == 0 {
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.streamKey, s.cursor},
			Count:   64,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return broker.MessageEnvelope{}, ctx.Err()
			}
			return broker.MessageEnvelope{}, fmt.Errorf("broker/redis: read stream %s: %w", s.streamKey, err)
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				data, ok := msg.Values["data"].(string)
				if !ok {
					s.cursor = msg.ID
					continue
				}
				s.buffered = append(s.buffered, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)})
				s.cursor = msg.ID
			}
		}
	}

	msg := s.buffered[0]
	s.buffered = s.buffered[1:]
	return msg, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
