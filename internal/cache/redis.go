package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"listing-sniper-bot/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var errUnavailable = errors.New("redis unavailable (circuit breaker open)")

// RedisCache implements Cache on Redis with graceful degradation.
// When Redis is unavailable, operations return errors that callers treat as misses.
type RedisCache struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

// NewRedisCache creates a RedisCache with the provided configuration.
// An unreachable server yields a cache in degraded mode, not an error.
func NewRedisCache(cfg config.RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	rc := &RedisCache{
		client:        client,
		config:        cfg,
		logger:        logger.With().Str("component", "RedisCache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		rc.logger.Warn().Err(err).Msg("Initial Redis connection failed, running degraded")
		return rc, nil
	}

	rc.healthy = true
	rc.lastCheck = time.Now()
	rc.logger.Info().Str("address", cfg.Address).Msg("Redis connected")

	return rc, nil
}

func (rc *RedisCache) key(k string) string {
	return rc.config.KeyPrefix + k
}

// IsHealthy returns whether Redis is currently available.
func (rc *RedisCache) IsHealthy() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.healthy
}

func (rc *RedisCache) recordFailure() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.failureCount++
	if rc.failureCount >= rc.maxFailures {
		if rc.healthy {
			rc.logger.Warn().Int("failures", rc.failureCount).Msg("Circuit breaker OPEN: Redis marked unhealthy")
		}
		rc.healthy = false
	}
}

func (rc *RedisCache) recordSuccess() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.healthy {
		rc.logger.Info().Msg("Circuit breaker CLOSED: Redis recovered")
	}
	rc.healthy = true
	rc.failureCount = 0
	rc.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed while unhealthy
func (rc *RedisCache) checkHealth() {
	rc.mu.RLock()
	shouldCheck := !rc.healthy && time.Since(rc.lastCheck) >= rc.checkInterval
	rc.mu.RUnlock()

	if !shouldCheck {
		return
	}

	rc.mu.Lock()
	rc.lastCheck = time.Now()
	rc.mu.Unlock()

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := rc.client.Ping(pingCtx).Err(); err == nil {
			rc.recordSuccess()
		}
	}()
}

func (rc *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	rc.checkHealth()
	if !rc.IsHealthy() {
		return nil, errUnavailable
	}

	result, err := rc.client.Get(ctx, rc.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		rc.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	rc.recordSuccess()
	return result, nil
}

func (rc *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rc.checkHealth()
	if !rc.IsHealthy() {
		return errUnavailable
	}

	if err := rc.client.Set(ctx, rc.key(key), value, ttl).Err(); err != nil {
		rc.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	rc.recordSuccess()
	return nil
}

func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	rc.checkHealth()
	if !rc.IsHealthy() {
		return errUnavailable
	}

	if err := rc.client.Del(ctx, rc.key(key)).Err(); err != nil {
		rc.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	rc.recordSuccess()
	return nil
}

// DeletePrefix deletes all keys under prefix via SCAN
func (rc *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	rc.checkHealth()
	if !rc.IsHealthy() {
		return errUnavailable
	}

	iter := rc.client.Scan(ctx, 0, rc.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rc.client.Del(ctx, iter.Val()).Err(); err != nil {
			rc.recordFailure()
			return fmt.Errorf("redis delete prefix failed: %w", err)
		}
	}

	if err := iter.Err(); err != nil {
		rc.recordFailure()
		return fmt.Errorf("redis scan failed: %w", err)
	}

	rc.recordSuccess()
	return nil
}

// Ping checks Redis connectivity.
func (rc *RedisCache) Ping(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.recordFailure()
		return err
	}
	rc.recordSuccess()
	return nil
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

func (rc *RedisCache) GetStats() Stats {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	return Stats{
		Healthy: rc.healthy,
		Backend: "redis",
	}
}
