package nonce

import (
	"context"
	"sync"
	"time"

	"consentledger/pkg/platform/sentinel"
)

// InMemory is a single-process replay cache. It is only safe when one
// server instance handles all traffic.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
	adds    int
}

// sweepEvery bounds how often expired entries are purged.
const sweepEvery = 1024

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the time source.
func (c *InMemory) WithClock(clock func() time.Time) *InMemory {
	c.clock = clock
	return c
}

func (c *InMemory) Add(_ context.Context, credentialID, nonce string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	key := Key(credentialID, nonce)
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return sentinel.ErrAlreadyUsed
	}
	c.entries[key] = now.Add(ttl)

	c.adds++
	if c.adds%sweepEvery == 0 {
		for k, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, k)
			}
		}
	}
	return nil
}

// Len reports the number of remembered nonces, expired ones included until
// the next sweep.
func (c *InMemory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
