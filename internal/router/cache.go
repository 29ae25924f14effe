package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheKey derives the PreviewCache key for a (model, query, cap) triple.
func CacheKey(model ModelId, queryText string, previewTokenCap int) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(queryText))
	h.Write([]byte{0})
	h.Write([]byte{byte(previewTokenCap), byte(previewTokenCap >> 8), byte(previewTokenCap >> 16)})
	return hex.EncodeToString(h.Sum(nil))
}

// PreviewCache memoizes preview text by key, with a TTL. Any backend
// failure degrades silently to a miss.
type PreviewCache interface {
	Get(ctx context.Context, key string) (text string, ok bool)
	Put(ctx context.Context, key, text string, ttl time.Duration)
}

// MemoryPreviewCache is a process-local, TTL-bounded PreviewCache.
type MemoryPreviewCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	text      string
	expiresAt time.Time
}

// NewMemoryPreviewCache constructs an empty in-memory cache.
func NewMemoryPreviewCache() *MemoryPreviewCache {
	return &MemoryPreviewCache{entries: make(map[string]memEntry)}
}

// Get returns the cached text for key if present and unexpired.
func (c *MemoryPreviewCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.text, true
}

// Put stores text under key with the given TTL.
func (c *MemoryPreviewCache) Put(_ context.Context, key, text string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memEntry{text: text, expiresAt: time.Now().Add(ttl)}
}

// RedisPreviewCache is the optional remote backend for PreviewCache,
// backed by a Redis-compatible key-value store.
type RedisPreviewCache struct {
	client *redis.Client
	prefix string
}

// NewRedisPreviewCache wraps an existing redis client under the given key
// prefix (to share a database with other uses).
func NewRedisPreviewCache(client *redis.Client, prefix string) *RedisPreviewCache {
	return &RedisPreviewCache{client: client, prefix: prefix}
}

// Get returns the cached text for key, or false on any miss or backend
// error (degrading silently, per spec).
func (c *RedisPreviewCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// Put stores text under key with the given TTL. Backend errors are
// swallowed; a failed write just means the next race misses the cache.
func (c *RedisPreviewCache) Put(ctx context.Context, key, text string, ttl time.Duration) {
	_ = c.client.Set(ctx, c.prefix+key, text, ttl).Err()
}

// LayeredPreviewCache writes through to both a local and a remote cache,
// preferring the remote on read with a fallback to local on remote failure.
type LayeredPreviewCache struct {
	Local  PreviewCache
	Remote PreviewCache // nil if no remote backend is configured
}

// Get consults Remote first (if configured), falling back to Local.
func (c *LayeredPreviewCache) Get(ctx context.Context, key string) (string, bool) {
	if c.Remote != nil {
		if text, ok := c.Remote.Get(ctx, key); ok {
			return text, true
		}
	}
	if c.Local != nil {
		return c.Local.Get(ctx, key)
	}
	return "", false
}

// Put writes to both backends when both are configured.
func (c *LayeredPreviewCache) Put(ctx context.Context, key, text string, ttl time.Duration) {
	if c.Local != nil {
		c.Local.Put(ctx, key, text, ttl)
	}
	if c.Remote != nil {
		c.Remote.Put(ctx, key, text, ttl)
	}
}
