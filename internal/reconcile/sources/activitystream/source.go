// Package activitystream reads forms API submissions from the activity
// stream search endpoint and turns their contact-consent answers into
// facts.
package activitystream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"consentledger/internal/hawk"
	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/reconcile"
	"consentledger/internal/reconcile/cursor"
)

const (
	// ObjectType is the activity object type of forms API submissions.
	ObjectType = "dit:directoryFormsApi:Submission"

	dataKey        = ObjectType + ":Data"
	defaultSize    = 100
	emailMarketing = "email_marketing"
	consentsEmail  = "consents_to_email_contact"
)

// Config locates the activity stream and its Hawk credentials.
type Config struct {
	// URL is the search endpoint, e.g. https://stream.example.com/v3/activities/_search.
	URL      string
	ID       string
	Key      string
	PageSize int
	Category string
}

// Source implements reconcile.Source for forms submissions.
type Source struct {
	cfg     Config
	client  *http.Client
	cursors cursor.Store
	logger  *slog.Logger
}

// New builds a source whose HTTP requests are Hawk-signed with cfg's
// credentials. base is the transport under the signer; nil uses the
// default transport.
func New(cfg Config, cursors cursor.Store, base http.RoundTripper, logger *slog.Logger) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultSize
	}
	if cfg.Category == "" {
		cfg.Category = emailMarketing
	}
	if logger == nil {
		logger = slog.Default()
	}
	signer := &hawk.Signer{Credential: &hawk.Credential{ID: cfg.ID, Key: cfg.Key, Algorithm: hawk.SHA256}}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Transport: &hawk.Transport{Signer: signer, Base: base}, Timeout: 30 * time.Second},
		cursors: cursors,
		logger:  logger,
	}
}

func (s *Source) Name() string { return ObjectType }

// position is the search_after pair of the last processed hit.
type position []any

type searchRequest struct {
	Size        int              `json:"size"`
	Query       any              `json:"query"`
	Sort        []map[string]any `json:"sort"`
	SearchAfter position         `json:"search_after,omitempty"`
}

type searchResponse struct {
	Hits struct {
		Hits []hit `json:"hits"`
	} `json:"hits"`
}

type hit struct {
	Source document `json:"_source"`
	Sort   position `json:"sort"`
}

type document struct {
	ID        string         `json:"id"`
	Published string         `json:"published"`
	Object    map[string]any `json:"object"`
}

func (s *Source) FetchFacts(ctx context.Context, emit reconcile.EmitFunc) error {
	var after position
	if _, err := s.cursors.Load(ctx, s.Name(), &after); err != nil {
		return err
	}

	for {
		hits, err := s.search(ctx, after)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return nil
		}
		for i, h := range hits {
			fact, ok := s.parse(h.Source)
			if !ok {
				continue
			}
			if err := emit(ctx, fact); err != nil {
				// Keep the cursor on the last handled hit so the next run
				// starts with this fact again.
				if i > 0 {
					if serr := s.cursors.Save(ctx, s.Name(), hits[i-1].Sort); serr != nil {
						return errors.Join(err, serr)
					}
				}
				return err
			}
		}
		after = hits[len(hits)-1].Sort
		if err := s.cursors.Save(ctx, s.Name(), after); err != nil {
			return err
		}
	}
}

func (s *Source) search(ctx context.Context, after position) ([]hit, error) {
	body, err := json.Marshal(searchRequest{
		Size: s.cfg.PageSize,
		Query: map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{"object.type": ObjectType}},
				},
			},
		},
		Sort:        []map[string]any{{"published": "asc"}, {"id": "asc"}},
		SearchAfter: after,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search activity stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search activity stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Hits.Hits, nil
}

// parse extracts a fact from a submission that carries a consent answer.
// Submissions without one are skipped.
func (s *Source) parse(doc document) (reconcile.Fact, bool) {
	data, ok := doc.Object[dataKey].(map[string]any)
	if !ok {
		return reconcile.Fact{}, false
	}
	email, _ := data["email_address"].(string)
	if email == "" {
		return reconcile.Fact{}, false
	}

	var granted bool
	switch v := data["email_contact_consent"].(type) {
	case bool:
		granted = v
	default:
		list, ok := data["contact_consent"].([]any)
		if !ok {
			return reconcile.Fact{}, false
		}
		for _, item := range list {
			if item == consentsEmail {
				granted = true
			}
		}
	}

	fact := reconcile.Fact{
		Contact:  identity.Contact{Email: email},
		Category: s.cfg.Category,
		Granted:  granted,
		RecordID: doc.ID,
		Extra: map[string]any{
			"id":        doc.ID,
			"published": doc.Published,
		},
	}
	if url, ok := doc.Object["url"].(string); ok {
		fact.Extra["url"] = url
	}
	if t, err := time.Parse(time.RFC3339Nano, doc.Published); err == nil {
		fact.OccurredAt = &t
	} else {
		s.logger.Warn("submission has unparseable published time",
			"id", doc.ID,
			"published", doc.Published,
		)
	}
	return fact, true
}

// ShouldWrite applies the standard policy.
func (s *Source) ShouldWrite(current *models.Version, fact reconcile.Fact) bool {
	return reconcile.StandardPolicy{}.ShouldWrite(current, fact)
}
