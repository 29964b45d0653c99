package search

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VectorCache stores text embeddings keyed by normalized query text.
type VectorCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Set(ctx context.Context, text string, vec []float32)
}

type memoryEntry struct {
	vec     []float32
	expires time.Time
}

// MemoryCache is a process-wide TTL map. Expired entries are dropped when
// read or during Set.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
	sets    int
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, text string) ([]float32, bool) {
	key := Normalize(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.vec, true
}

func (c *MemoryCache) Set(_ context.Context, text string, vec []float32) {
	key := Normalize(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = memoryEntry{vec: vec, expires: now.Add(c.ttl)}

	c.sets++
	if c.sets%256 == 0 {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares text embeddings between server instances.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: "photosearch:textvec:"}
}

func (c *RedisCache) key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return c.prefix + fmt.Sprintf("%x", sum[:16])
}

func (c *RedisCache) Get(ctx context.Context, text string) ([]float32, bool) {
	data, err := c.rdb.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		slog.Warn("discarding unreadable cached vector", "error", err)
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, text string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(text), data, c.ttl).Err(); err != nil {
		slog.Warn("failed to cache text vector", "error", err)
	}
}

// TieredCache reads through a local cache to a shared one and fills the
// local cache on a shared hit.
type TieredCache struct {
	Local  VectorCache
	Shared VectorCache
}

func (c TieredCache) Get(ctx context.Context, text string) ([]float32, bool) {
	if v, ok := c.Local.Get(ctx, text); ok {
		return v, true
	}
	if c.Shared == nil {
		return nil, false
	}
	v, ok := c.Shared.Get(ctx, text)
	if ok {
		c.Local.Set(ctx, text, v)
	}
	return v, ok
}

func (c TieredCache) Set(ctx context.Context, text string, vec []float32) {
	c.Local.Set(ctx, text, vec)
	if c.Shared != nil {
		c.Shared.Set(ctx, text, vec)
	}
}
