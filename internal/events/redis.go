package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conductorlabs/conductor/internal/backend"
)

// RedisSink appends events to a Redis Stream for external consumers.
type RedisSink struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(addr, password, stream string, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisSink{client: client, stream: stream, logger: logger}, nil
}

// NewRedisSinkFromClient wraps an existing client, used in tests.
func NewRedisSinkFromClient(client *redis.Client, stream string, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, stream: stream, logger: logger}
}

// Notify implements backend.Sink. Failures are logged, never propagated.
func (s *RedisSink) Notify(ctx context.Context, evt backend.NotifyEvent) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"type":        evt.Type,
			"task_id":     evt.TaskID,
			"workflow_id": evt.WorkflowID,
			"state":       evt.State,
			"message":     evt.Message,
			"timestamp":   evt.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		s.logger.Warn("Event publish to Redis failed",
			zap.String("stream", s.stream),
			zap.Error(err),
		)
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
