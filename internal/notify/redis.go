package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel events are published on.
const DefaultRedisChannel = "jot.events"

// RedisSink publishes each event as JSON on a redis pub/sub channel, for
// dashboards and scripts that subscribe with a plain redis client.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to redisURL (e.g. "redis://localhost:6379/0") and
// verifies connectivity before returning. An empty channel uses
// DefaultRedisChannel.
func NewRedisSink(redisURL, channel string) (*RedisSink, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) ID() string           { return "redis" }
func (s *RedisSink) Handles() []EventType { return nil }
func (s *RedisSink) Priority() int        { return 60 }

func (s *RedisSink) Handle(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
