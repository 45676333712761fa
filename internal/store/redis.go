package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"classattend/internal/model"
)

// Redis wraps the redis client used for the queue backend and the class
// list cache.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

const classCacheKey = "classattend:classes"

// ClassCache holds the cached class list. Roster mutations invalidate it;
// a nil cache degrades to always-miss.
type ClassCache struct {
	redis *Redis
	ttl   time.Duration
}

// NewClassCache builds a cache over the given redis connection.
func NewClassCache(r *Redis, ttl time.Duration) *ClassCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClassCache{redis: r, ttl: ttl}
}

// Get returns the cached class list, or ok=false on miss or redis trouble.
func (c *ClassCache) Get(ctx context.Context) ([]model.Class, bool) {
	if c == nil || c.redis == nil || c.redis.Client == nil {
		return nil, false
	}
	data, err := c.redis.Client.Get(ctx, classCacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var classes []model.Class
	if err := json.Unmarshal(data, &classes); err != nil {
		return nil, false
	}
	return classes, true
}

// Put stores the class list. Cache errors are logged, never surfaced.
func (c *ClassCache) Put(ctx context.Context, classes []model.Class) {
	if c == nil || c.redis == nil || c.redis.Client == nil {
		return
	}
	data, err := json.Marshal(classes)
	if err != nil {
		return
	}
	if err := c.redis.Client.Set(ctx, classCacheKey, data, c.ttl).Err(); err != nil {
		log.Printf("class cache put failed: %v", err)
	}
}

// Invalidate drops the cached class list.
func (c *ClassCache) Invalidate(ctx context.Context) {
	if c == nil || c.redis == nil || c.redis.Client == nil {
		return
	}
	if err := c.redis.Client.Del(ctx, classCacheKey).Err(); err != nil {
		log.Printf("class cache invalidate failed: %v", err)
	}
}
