package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "consentledger/pkg/platform/audit"
	auditmemory "consentledger/pkg/platform/audit/store/memory"
)

type failingStore struct{}

func (failingStore) Append(context.Context, audit.Event) error {
	return errors.New("outbox unavailable")
}

func TestForStampsActor(t *testing.T) {
	store := auditmemory.NewInMemoryStore()
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	p := New(store, WithClock(func() time.Time { return now }))

	sink := p.For(audit.Actor{ID: "forms-api", RemoteAddr: "203.0.113.7", UserAgent: "curl", RequestID: "req-1"})
	require.NoError(t, sink.Emit(context.Background(), audit.Event{
		Action:  audit.EventConsentAttached,
		Subject: "abc123",
		Object:  "email_marketing",
	}))

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, audit.CategoryCompliance, e.Category)
	assert.Equal(t, audit.VerbAdd, e.Verb)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, "forms-api", e.ActorID)
	assert.Equal(t, "203.0.113.7", e.RemoteAddr)
	assert.Equal(t, "req-1", e.RequestID)
	assert.NotEmpty(t, e.ID)
}

func TestEmitRequiresActionAndSubject(t *testing.T) {
	p := New(auditmemory.NewInMemoryStore())

	assert.Error(t, p.Emit(context.Background(), audit.Event{Subject: "abc"}))
	assert.Error(t, p.Emit(context.Background(), audit.Event{Action: audit.EventVersionCreated}))
}

func TestPersistFailureIsReturned(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	p := New(failingStore{}, WithMetrics(m))

	err := p.Emit(context.Background(), audit.Event{Action: audit.EventVersionCreated, Subject: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox unavailable")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.eventsEmitted))
}
