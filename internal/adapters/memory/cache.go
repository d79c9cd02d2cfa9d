package memory

import (
	"context"
	"sync"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is an in-process CacheProvider for tests and single-node runs.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache creates an empty in-process cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

var _ providers.CacheProvider = (*Cache)(nil)

// Get retrieves a value, honoring expiration.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, exists := c.entries[key]
	if !exists || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return nil, apperrors.NewNotFoundError("cache key not found: " + key)
	}
	return entry.value, nil
}

// Set stores a value with expiration.
func (c *Cache) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{value: value}
	if expirationSeconds > 0 {
		entry.expiresAt = time.Now().Add(time.Duration(expirationSeconds) * time.Second)
	}
	c.entries[key] = entry
	return nil
}

// Delete removes a value.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Exists checks key presence.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, exists := c.entries[key]
	if !exists {
		return false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		return false, nil
	}
	return true, nil
}
