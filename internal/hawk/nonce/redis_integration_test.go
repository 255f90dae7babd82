//go:build integration

package nonce_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"consentledger/internal/hawk/nonce"
	"consentledger/pkg/platform/sentinel"
	"consentledger/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *nonce.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = nonce.NewRedis(s.redis.Client, nonce.WithRegisterer(prometheus.NewRegistry()))
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.DeleteKeys(context.Background(), nonce.Key("*", "*")))
}

func (s *RedisCacheSuite) TestReplayRejected() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Add(ctx, "client", "abc", time.Minute))

	err := s.cache.Add(ctx, "client", "abc", time.Minute)
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	ttl, err := s.redis.Client.TTL(ctx, nonce.Key("client", "abc")).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)
}

func (s *RedisCacheSuite) TestExpiry() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Add(ctx, "client", "short", 50*time.Millisecond))

	s.Eventually(func() bool {
		return s.cache.Add(ctx, "client", "short", time.Minute) == nil
	}, 2*time.Second, 25*time.Millisecond)
}

// TestConcurrentAdd verifies that only one of many racing inserts wins,
// as two server instances sharing the cache would race.
func (s *RedisCacheSuite) TestConcurrentAdd() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	var successCount atomic.Int32
	var replayCount atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.cache.Add(ctx, "client", "race", time.Minute)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				replayCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load())
	s.Equal(int32(goroutines-1), replayCount.Load())
}
