package activitystream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentledger/internal/hawk"
	"consentledger/internal/hawk/credential"
	"consentledger/internal/hawk/nonce"
	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/reconcile"
	"consentledger/internal/reconcile/cursor"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
)

const (
	streamID  = "consent-poller"
	streamKey = "activity-stream-secret-key"
)

func submission(id string, published string, data map[string]any) map[string]any {
	return map[string]any{
		"_source": map[string]any{
			"id":        id,
			"published": published,
			"object": map[string]any{
				"type":  ObjectType,
				"url":   "https://forms.example.com/submission/" + id,
				dataKey: data,
			},
		},
		"sort": []any{1700000000000, id},
	}
}

// fakeStream serves hits after the requested search_after position and
// rejects requests that are not Hawk-signed.
type fakeStream struct {
	mu       sync.Mutex
	hits     []map[string]any
	requests []searchRequest
	verifier *hawk.Verifier
}

func (f *fakeStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if _, err := f.verifier.Verify(r.Context(), r, body); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var req searchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	start := 0
	if len(req.SearchAfter) == 2 {
		for i, h := range f.hits {
			if h["sort"].([]any)[1] == req.SearchAfter[1] {
				start = i + 1
			}
		}
	}
	end := min(start+req.Size, len(f.hits))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"hits": map[string]any{"hits": f.hits[start:end]},
	})
}

func newFake() *fakeStream {
	creds := credential.NewInMemory(hawk.Credential{ID: streamID, Key: streamKey, Algorithm: hawk.SHA256})
	return &fakeStream{verifier: hawk.NewVerifier(creds, nonce.NewInMemory())}
}

func collect(t *testing.T, src *Source) []reconcile.Fact {
	t.Helper()
	var facts []reconcile.Fact
	err := src.FetchFacts(context.Background(), func(_ context.Context, f reconcile.Fact) error {
		facts = append(facts, f)
		return nil
	})
	require.NoError(t, err)
	return facts
}

func TestFetchFacts(t *testing.T) {
	fake := newFake()
	fake.hits = []map[string]any{
		submission("doc-1", "2024-02-01T10:00:00Z", map[string]any{"email_address": "Foo@Bar.com", "email_contact_consent": true}),
		submission("doc-2", "2024-02-01T11:00:00Z", map[string]any{"email_address": "baz@bar.com", "email_contact_consent": false}),
		submission("doc-3", "2024-02-01T12:00:00Z", map[string]any{"email_address": "noanswer@bar.com"}),
		submission("doc-4", "2024-02-01T13:00:00Z", map[string]any{"email_address": "list@bar.com", "contact_consent": []any{"consents_to_email_contact"}}),
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	cursors := cursor.NewInMemory()
	src := New(Config{URL: server.URL + "/v3/activities/_search", ID: streamID, Key: streamKey, PageSize: 2},
		cursors, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	facts := collect(t, src)
	require.Len(t, facts, 3)

	assert.Equal(t, "Foo@Bar.com", facts[0].Contact.Email)
	assert.True(t, facts[0].Granted)
	assert.Equal(t, "email_marketing", facts[0].Category)
	assert.Equal(t, "doc-1", facts[0].RecordID)
	assert.Equal(t, "https://forms.example.com/submission/doc-1", facts[0].Extra["url"])
	require.NotNil(t, facts[0].OccurredAt)
	assert.Equal(t, 10, facts[0].OccurredAt.Hour())

	assert.False(t, facts[1].Granted)
	assert.Equal(t, "list@bar.com", facts[2].Contact.Email)
	assert.True(t, facts[2].Granted)

	// Two full pages and one empty page.
	require.Len(t, fake.requests, 3)
	assert.Nil(t, fake.requests[0].SearchAfter)
	assert.Equal(t, "doc-2", fake.requests[1].SearchAfter[1])

	var saved position
	found, err := cursors.Load(context.Background(), ObjectType, &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "doc-4", saved[1])

	t.Run("restart resumes from the cursor", func(t *testing.T) {
		fake.hits = append(fake.hits, submission("doc-5", "2024-02-02T09:00:00Z",
			map[string]any{"email_address": "late@bar.com", "email_contact_consent": true}))

		facts := collect(t, src)
		require.Len(t, facts, 1)
		assert.Equal(t, "late@bar.com", facts[0].Contact.Email)
	})
}

func TestFetchFactsStopsWhenEmitFails(t *testing.T) {
	fake := newFake()
	for i := range 3 {
		id := fmt.Sprintf("doc-%d", i)
		fake.hits = append(fake.hits, submission(id, "2024-02-01T10:00:00Z",
			map[string]any{"email_address": id + "@bar.com", "email_contact_consent": true}))
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	cursors := cursor.NewInMemory()
	src := New(Config{URL: server.URL, ID: streamID, Key: streamKey, PageSize: 10}, cursors, nil, nil)

	err := src.FetchFacts(context.Background(), func(context.Context, reconcile.Fact) error {
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	var saved position
	found, err := cursors.Load(context.Background(), ObjectType, &saved)
	require.NoError(t, err)
	assert.False(t, found, "an interrupted page is not committed")
}

// conflictOnce fails the first write for one contact and records the rest.
type conflictOnce struct {
	failFor string
	failed  bool
	writes  []string
}

func (l *conflictOnce) GetCurrent(context.Context, identity.Contact) (*models.Version, bool, error) {
	return nil, false, nil
}

func (l *conflictOnce) WriteVersion(_ context.Context, req models.WriteRequest, _ audit.Sink) (*models.Version, error) {
	if req.Contact.Email == l.failFor && !l.failed {
		l.failed = true
		return nil, dErrors.New(dErrors.CodeConflict, "concurrent write")
	}
	l.writes = append(l.writes, req.Contact.Email)
	return &models.Version{}, nil
}

type discardAuditor struct{}

func (discardAuditor) For(audit.Actor) audit.Sink { return audit.Discard }

func TestFailedWriteIsRetriedNextRun(t *testing.T) {
	fake := newFake()
	fake.hits = []map[string]any{
		submission("doc-0", "2024-02-01T10:00:00Z", map[string]any{"email_address": "first@bar.com", "email_contact_consent": true}),
		submission("doc-1", "2024-02-01T11:00:00Z", map[string]any{"email_address": "optout@bar.com", "email_contact_consent": false}),
		submission("doc-2", "2024-02-01T12:00:00Z", map[string]any{"email_address": "last@bar.com", "email_contact_consent": true}),
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cursors := cursor.NewInMemory()
	src := New(Config{URL: server.URL, ID: streamID, Key: streamKey, PageSize: 10}, cursors, nil, logger)
	ledger := &conflictOnce{failFor: "optout@bar.com"}
	runner := reconcile.NewRunner(ledger, discardAuditor{}, []reconcile.Source{src}, reconcile.WithLogger(logger))

	results, err := runner.RunOnce(context.Background())
	require.ErrorIs(t, err, reconcile.ErrNotWritten)
	assert.Equal(t, 1, results[0].Written)
	assert.Equal(t, 1, results[0].Failed)

	var saved position
	found, err := cursors.Load(context.Background(), ObjectType, &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "doc-0", saved[1])

	results, err = runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, results[0].Written)
	assert.Equal(t, []string{"first@bar.com", "optout@bar.com", "last@bar.com"}, ledger.writes)
}

func TestUnsignedCredentialsRejected(t *testing.T) {
	server := httptest.NewServer(newFake())
	defer server.Close()

	src := New(Config{URL: server.URL, ID: streamID, Key: "wrong-secret-value"}, cursor.NewInMemory(), nil, nil)
	err := src.FetchFacts(context.Background(), func(context.Context, reconcile.Fact) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}
