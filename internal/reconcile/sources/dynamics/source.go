// Package dynamics reads contacts that opted out of bulk email in a
// Dynamics 365 instance.
package dynamics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/reconcile"
)

const (
	contactsPath       = "/api/data/v9.2/contacts"
	unsubscribedFilter = "donotbulkemail eq true"
	defaultMaxAttempts = 10
	emailMarketing     = "email_marketing"
	azureTokenURL      = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

type Config struct {
	// InstanceURI is the organisation root, e.g. https://org.crm.dynamics.com.
	InstanceURI string

	// TenantID, ClientID and ClientSecret identify the app registration
	// used for the client credentials grant.
	TenantID     string
	ClientID     string
	ClientSecret string

	// TokenURL overrides the Azure AD endpoint derived from TenantID.
	TokenURL string

	MaxAttempts int
	Category    string
}

// Source implements reconcile.Source. Every fact it emits is an opt-out.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	// initialWait is the backoff used when a 429 carries no Retry-After.
	initialWait time.Duration
}

// New builds a source whose client fetches and refreshes its access token
// through base. Tokens are reused until they expire.
func New(cfg Config, base *http.Client, logger *slog.Logger) *Source {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Category == "" {
		cfg.Category = emailMarketing
	}
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.InstanceURI = strings.TrimRight(cfg.InstanceURI, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf(azureTokenURL, url.PathEscape(cfg.TenantID))
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.InstanceURI + "/.default"},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	client := cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	client.Timeout = base.Timeout
	return &Source{cfg: cfg, client: client, logger: logger, initialWait: time.Second}
}

func (s *Source) Name() string { return s.cfg.InstanceURI }

// ShouldWrite only records withdrawals for identities that are unknown or
// still consenting.
func (s *Source) ShouldWrite(current *models.Version, fact reconcile.Fact) bool {
	return reconcile.OptOutPolicy{}.ShouldWrite(current, fact)
}

type contactsPage struct {
	Value    []contact `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

type contact struct {
	ContactID  string  `json:"contactid"`
	Email      *string `json:"emailaddress1"`
	ModifiedOn string  `json:"modifiedon"`
}

func (s *Source) FetchFacts(ctx context.Context, emit reconcile.EmitFunc) error {
	next := s.cfg.InstanceURI + contactsPath + "?$filter=" + url.PathEscape(unsubscribedFilter)
	for next != "" {
		s.logger.InfoContext(ctx, "fetching contacts", "url", next)
		page, err := s.fetch(ctx, next)
		if err != nil {
			return err
		}
		for _, c := range page.Value {
			if c.Email == nil || *c.Email == "" {
				continue
			}
			// The whole list is re-read each run, so an unwritten fact is retried then.
			if err := emit(ctx, s.fact(c)); err != nil && !errors.Is(err, reconcile.ErrNotWritten) {
				return err
			}
		}
		next = page.NextLink
	}
	return nil
}

func (s *Source) fact(c contact) reconcile.Fact {
	fact := reconcile.Fact{
		Contact:  identity.Contact{Email: *c.Email},
		Category: s.cfg.Category,
		Granted:  false,
		RecordID: c.ContactID,
		Extra:    map[string]any{"url": s.cfg.InstanceURI},
	}
	if t, err := time.Parse(time.RFC3339, c.ModifiedOn); err == nil {
		fact.OccurredAt = &t
	}
	return fact
}

// throttled carries the server's requested wait.
type throttled struct {
	wait time.Duration
}

func (t *throttled) Error() string { return fmt.Sprintf("throttled, retry after %s", t.wait) }

// retryAfter prefers the wait a 429 asked for over the exponential delay.
type retryAfter struct {
	backoff.BackOff
	next *time.Duration
}

func (r *retryAfter) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if *r.next > 0 {
		d, *r.next = *r.next, 0
	}
	return d
}

func (s *Source) fetch(ctx context.Context, target string) (*contactsPage, error) {
	var (
		page    contactsPage
		waitFor time.Duration
	)
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialWait
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&retryAfter{BackOff: exp, next: &waitFor}, uint64(s.cfg.MaxAttempts-1)),
		ctx,
	)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build contacts request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch contacts: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			t := &throttled{wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
			waitFor = t.wait
			s.logger.WarnContext(ctx, "dynamics throttled request", "retry_after", t.wait)
			return t
		case resp.StatusCode != http.StatusOK:
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch contacts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		}

		page = contactsPage{}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return backoff.Permanent(fmt.Errorf("decode contacts: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		var t *throttled
		if errors.As(err, &t) {
			return nil, fmt.Errorf("fetch contacts: gave up after %d attempts: %w", s.cfg.MaxAttempts, err)
		}
		return nil, err
	}
	return &page, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}
