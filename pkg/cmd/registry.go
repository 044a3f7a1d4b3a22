// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/microapps/pkg/persistence"
	"github.com/dukex/microapps/pkg/registry"
)

const downloadTimeout = 2 * time.Minute

type RegistryConfig struct {
	// RedisURL switches the lookup cache to Redis when set.
	RedisURL string
	Listener registry.PublishListener
	Logger   *slog.Logger
}

// NewRegistry wires the package registry over the package store. The returned
// close function releases the cache connection.
func NewRegistry(ctx context.Context, store persistence.Persistence, cfg RegistryConfig) (*registry.Registry, func() error, error) {
	cache, closeCache, err := NewCache(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	reg := registry.New(store.PackageRepository(), registry.Options{
		Cache:      cache,
		Downloader: &registry.HTTPDownloader{Client: &http.Client{Timeout: downloadTimeout}},
		Listener:   cfg.Listener,
		Logger:     cfg.Logger,
	})

	return reg, closeCache, nil
}

// NewCache returns a Redis cache for redisURL, or an in-memory cache when it
// is empty.
//
//nolint:ireturn
func NewCache(ctx context.Context, redisURL string) (registry.Cache, func() error, error) {
	if redisURL == "" {
		return registry.NewMemoryCache(), func() error { return nil }, nil
	}

	cache, err := registry.NewRedisCacheFromURL(ctx, redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis cache: %w", err)
	}

	return cache, cache.Close, nil
}
