package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const (
	topPhotosKey = "photoshare:photos:top"
	topPhotosTTL = 5 * time.Minute
)

// TopPhotosCache holds the rendered top-photos ranking between writes.
type TopPhotosCache interface {
	Get(ctx context.Context) ([]PhotoView, bool)
	Set(ctx context.Context, photos []PhotoView)
	Invalidate(ctx context.Context)
}

func NewTopPhotosCache(ctx context.Context, cfg *Config) (TopPhotosCache, error) {
	if cfg.RedisAddr == "" {
		return noopCache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	slog.Info("Redis cache enabled", "addr", cfg.RedisAddr)

	return NewRedisCache(client), nil
}

type noopCache struct{}

func (noopCache) Get(context.Context) ([]PhotoView, bool) { return nil, false }
func (noopCache) Set(context.Context, []PhotoView)        {}
func (noopCache) Invalidate(context.Context)              {}

// RedisCache treats Redis failures as cache misses.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context) ([]PhotoView, bool) {
	b, err := c.client.Get(ctx, topPhotosKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("Failed to read top photos from cache", "error", err)
		}
		return nil, false
	}

	var photos []PhotoView
	if err := json.Unmarshal(b, &photos); err != nil {
		slog.Warn("Discarding malformed top photos cache entry", "error", err)
		return nil, false
	}

	return photos, true
}

func (c *RedisCache) Set(ctx context.Context, photos []PhotoView) {
	b, err := json.Marshal(photos)
	if err != nil {
		slog.Warn("Failed to encode top photos for cache", "error", err)
		return
	}

	if err := c.client.Set(ctx, topPhotosKey, b, topPhotosTTL).Err(); err != nil {
		slog.Warn("Failed to write top photos to cache", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, topPhotosKey).Err(); err != nil {
		slog.Warn("Failed to invalidate top photos cache", "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
