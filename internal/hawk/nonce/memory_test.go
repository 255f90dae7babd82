package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentledger/pkg/platform/sentinel"
)

func TestInMemoryAdd(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewInMemory().WithClock(func() time.Time { return now })

	t.Run("first use succeeds", func(t *testing.T) {
		require.NoError(t, cache.Add(ctx, "client", "n1", time.Minute))
	})

	t.Run("replay within ttl is rejected", func(t *testing.T) {
		err := cache.Add(ctx, "client", "n1", time.Minute)
		assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
	})

	t.Run("same nonce for another credential is independent", func(t *testing.T) {
		assert.NoError(t, cache.Add(ctx, "other", "n1", time.Minute))
	})

	t.Run("nonce may be reused after expiry", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		assert.NoError(t, cache.Add(ctx, "client", "n1", time.Minute))
	})
}

func TestInMemoryConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemory()
	const goroutines = 50

	var wg sync.WaitGroup
	var successCount atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Add(ctx, "client", "same", time.Minute) == nil {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load(), "exactly one add should succeed")
}
