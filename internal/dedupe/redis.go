package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis dedupe store.
type RedisConfig struct {
	Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	TTL      time.Duration `env:"TTL" envDefault:"24h"`
}

// Cmdable is the slice of *redis.Client used for claims.
type Cmdable interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis claims event ids with SETNX, so every process sharing the server sees
// the same claims until they expire.
type Redis struct {
	client Cmdable
	ttl    time.Duration
}

func NewRedis(client Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

func (r *Redis) Claim(ctx context.Context, group, eventID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key(group, eventID), time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s for %s: %w", eventID, group, err)
	}

	return ok, nil
}

func (r *Redis) Release(ctx context.Context, group, eventID string) error {
	if err := r.client.Del(ctx, key(group, eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release %s for %s: %w", eventID, group, err)
	}

	return nil
}
