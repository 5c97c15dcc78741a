package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types published to a user's channel
const (
	EventFriendRequestReceived = "friend_request.received"
	EventFriendRequestAccepted = "friend_request.accepted"
)

// Event is one real-time notification addressed to a user
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher hands events to the push gateway
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, ev Event) error
}

// Channel returns the pub/sub channel of a user
func Channel(userID uuid.UUID) string {
	return "user:" + userID.String()
}

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes JSON events with PUBLISH user:<id>
type RedisPublisher struct {
	client redisPublishClient
	log    *slog.Logger
}

// NewRedisPublisher creates a publisher on top of client
func NewRedisPublisher(client redisPublishClient, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

// Publish marshals ev and publishes it. Zero subscribers is not an error.
func (p *RedisPublisher) Publish(ctx context.Context, userID uuid.UUID, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	n, err := p.client.Publish(ctx, Channel(userID), body).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.log.Debug("event published", "type", ev.Type, "user_id", userID, "receivers", n)
	return nil
}

// ConnectRedis parses redisURL, configures the pool and pings the server.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// LogPublisher logs events instead of publishing them
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher creates a publisher used when no REDIS_URL is configured
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, userID uuid.UUID, ev Event) error {
	p.log.Info("event not published (no redis configured)", "type", ev.Type, "user_id", userID)
	return nil
}
