package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/microapps/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// Cache holds packages by name. Entries have no TTL; a publish of the same
// name overwrites its entry.
type Cache interface {
	Get(ctx context.Context, name string) (*models.MicroAppPackage, bool, error)
	Set(ctx context.Context, pkg *models.MicroAppPackage) error
	Delete(ctx context.Context, name string) error
}

// MemoryCache is a process-local Cache. It is enough for a single registry instance.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]models.MicroAppPackage
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]models.MicroAppPackage)}
}

func (c *MemoryCache) Get(_ context.Context, name string) (*models.MicroAppPackage, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pkg, ok := c.items[name]
	if !ok {
		return nil, false, nil
	}

	return &pkg, true, nil
}

func (c *MemoryCache) Set(_ context.Context, pkg *models.MicroAppPackage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[pkg.PackageName] = *pkg

	return nil
}

func (c *MemoryCache) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, name)

	return nil
}

const defaultRedisPrefix = "microapps:package:"

// RedisCache shares package entries between registry instances.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	return &RedisCache{client: client, prefix: prefix}
}

// NewRedisCacheFromURL parses a redis:// URL and checks the server is reachable.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedisCache(client, ""), nil
}

func (c *RedisCache) key(name string) string {
	return c.prefix + name
}

func (c *RedisCache) Get(ctx context.Context, name string) (*models.MicroAppPackage, bool, error) {
	data, err := c.client.Get(ctx, c.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry %s: %w", name, err)
	}

	var pkg models.MicroAppPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry %s: %w", name, err)
	}

	return &pkg, true, nil
}

func (c *RedisCache) Set(ctx context.Context, pkg *models.MicroAppPackage) error {
	data, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", pkg.PackageName, err)
	}

	if err := c.client.Set(ctx, c.key(pkg.PackageName), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", pkg.PackageName, err)
	}

	return nil
}

func (c *RedisCache) Delete(ctx context.Context, name string) error {
	if err := c.client.Del(ctx, c.key(name)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", name, err)
	}

	return nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
