// Package nonce provides replay caches for the Hawk verifier.
package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"consentledger/pkg/platform/sentinel"
)

const keyPrefix = "hawk:nonce:"

// RedisCache shares seen nonces across server instances. Add is a single
// SET NX with expiry, so two instances racing on the same nonce cannot
// both succeed.
type RedisCache struct {
	client  redis.UniversalClient
	latency prometheus.Histogram
}

type RedisOption func(*RedisCache)

// WithRegisterer registers the add-latency histogram with reg.
func WithRegisterer(reg prometheus.Registerer) RedisOption {
	return func(c *RedisCache) {
		c.latency = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "consentledger_nonce_add_duration_ms",
			Help:    "Latency of nonce cache inserts in milliseconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		})
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisCache {
	c := &RedisCache{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *RedisCache) Add(ctx context.Context, credentialID, nonce string, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		if c.latency != nil {
			c.latency.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	}()

	added, err := c.client.SetNX(ctx, Key(credentialID, nonce), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("add nonce: %w: %w", sentinel.ErrUnavailable, err)
	}
	if !added {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

// Key is the cache key for a credential's nonce.
func Key(credentialID, nonce string) string {
	return keyPrefix + credentialID + ":" + nonce
}
