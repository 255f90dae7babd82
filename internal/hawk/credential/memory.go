package credential

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"consentledger/internal/hawk"
	"consentledger/pkg/platform/sentinel"
)

// InMemory is a credential store for tests and local runs.
type InMemory struct {
	mu    sync.RWMutex
	creds map[string]hawk.Credential
	clock func() time.Time
}

func NewInMemory(initial ...hawk.Credential) *InMemory {
	s := &InMemory{creds: make(map[string]hawk.Credential), clock: time.Now}
	for _, c := range initial {
		s.creds[c.ID] = c
	}
	return s
}

func (s *InMemory) Lookup(_ context.Context, id string) (*hawk.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if c.RevokedAt != nil {
		return nil, sentinel.ErrRevoked
	}
	c.Capabilities = slices.Clone(c.Capabilities)
	return &c, nil
}

func (s *InMemory) Create(_ context.Context, c *hawk.Credential) error {
	if err := Validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[c.ID]; exists {
		return fmt.Errorf("create credential %s: %w", c.ID, sentinel.ErrAlreadyUsed)
	}
	stored := *c
	stored.Capabilities = slices.Clone(c.Capabilities)
	s.creds[c.ID] = stored
	return nil
}

func (s *InMemory) Rotate(_ context.Context, id, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	c.Key = secret
	if err := Validate(&c); err != nil {
		return err
	}
	s.creds[id] = c
	return nil
}

func (s *InMemory) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if c.RevokedAt == nil {
		now := s.clock()
		c.RevokedAt = &now
		s.creds[id] = c
	}
	return nil
}

// List returns all credentials, revoked included, ordered by id. Secrets
// are blanked.
func (s *InMemory) List(_ context.Context) ([]hawk.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hawk.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		c.Key = ""
		c.Capabilities = slices.Clone(c.Capabilities)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
