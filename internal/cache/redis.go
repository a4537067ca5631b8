// Package cache holds Redis-backed helpers shared by event consumers.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// keyValue is the part of redis.Cmdable the deduper uses.
type keyValue interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Deduper records processed event ids per consumer group with a retention
// window longer than any broker redelivery horizon.
type Deduper struct {
	kv     keyValue
	prefix string
	ttl    time.Duration
}

// NewDeduper namespaces keys by consumer group.
func NewDeduper(kv keyValue, consumer string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Deduper{kv: kv, prefix: "events:processed:" + consumer + ":", ttl: ttl}
}

// Seen implements events.Deduper.
func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.kv.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed implements events.Deduper.
func (d *Deduper) MarkProcessed(ctx context.Context, eventID string) error {
	return d.kv.Set(ctx, d.prefix+eventID, "1", d.ttl).Err()
}
