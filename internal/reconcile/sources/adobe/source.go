// Package adobe reconciles Adobe Campaign with the ledger. Each run drops
// campaign subscribers the ledger holds no consent for, then reads the
// unsubscription events collected by a custom resource and deletes each one
// once the ledger has recorded it.
package adobe

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/reconcile"
	dErrors "consentledger/pkg/domain-errors"
)

const (
	defaultIMSURL     = "https://ims-na1.adobelogin.com"
	defaultBaseURL    = "https://mc.adobe.io"
	unsubscribersPath = "profileAndServicesExt/cusInvestUnsubscribes"
	servicePath       = "profileAndServicesExt/service"
	emailMarketing    = "email_marketing"
	tokenLifetime     = 5 * time.Minute
)

type Config struct {
	TenantID           string
	APIKey             string
	APISecret          string
	OrganisationID     string
	TechnicalAccountID string
	// PrivateKeyPEM signs the JWT exchanged for an access token.
	PrivateKeyPEM []byte
	// Campaigns are the active campaigns. Unsubscription events for other
	// services are ignored.
	Campaigns []Campaign
	// StagingWorkflow is started after a run that saw unsubscription
	// events. Empty disables it.
	StagingWorkflow string
	// Consents enables subscriber validation when set.
	Consents ConsentReader
	IMSURL   string
	BaseURL  string
	Category string
}

// Campaign is an Adobe Campaign service: Name matches the service field of
// unsubscription events, PKey addresses the service resource.
type Campaign struct {
	Name string
	PKey string
}

// ConsentReader is the ledger read used to validate campaign subscribers.
type ConsentReader interface {
	GetCurrent(ctx context.Context, contact identity.Contact) (*models.Version, bool, error)
}

// Source implements reconcile.Source for Adobe Campaign unsubscriptions.
type Source struct {
	cfg    Config
	key    *rsa.PrivateKey
	client *http.Client
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	token string
}

func New(cfg Config, client *http.Client, logger *slog.Logger) (*Source, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse adobe private key: %w", err)
	}
	if cfg.IMSURL == "" {
		cfg.IMSURL = defaultIMSURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Category == "" {
		cfg.Category = emailMarketing
	}
	cfg.IMSURL = strings.TrimRight(cfg.IMSURL, "/")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, key: key, client: client, logger: logger, clock: time.Now}, nil
}

func (s *Source) Name() string { return "adobe-campaign" }

func (s *Source) ShouldWrite(current *models.Version, fact reconcile.Fact) bool {
	return reconcile.OptOutPolicy{}.ShouldWrite(current, fact)
}

// signJWT builds the service-account assertion the IMS exchange expects.
func (s *Source) signJWT() (string, error) {
	imsRoot := s.cfg.IMSURL
	claims := jwt.MapClaims{
		"exp": s.clock().Add(tokenLifetime).Unix(),
		"iss": s.cfg.OrganisationID,
		"sub": s.cfg.TechnicalAccountID,
		"aud": imsRoot + "/c/" + s.cfg.APIKey,
	}
	claims[imsRoot+"/s/ent_campaign_sdk"] = true
	claims[imsRoot+"/s/ent_adobeio_sdk"] = true
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign adobe jwt: %w", err)
	}
	return signed, nil
}

// accessToken exchanges a fresh JWT for an access token once per run.
func (s *Source) accessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}

	assertion, err := s.signJWT()
	if err != nil {
		return "", err
	}
	form := url.Values{
		"client_id":     {s.cfg.APIKey},
		"client_secret": {s.cfg.APISecret},
		"jwt_token":     {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.IMSURL+"/ims/exchange/jwt", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := s.do(req, &out); err != nil {
		return "", fmt.Errorf("exchange adobe jwt: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("exchange adobe jwt: no access token in response")
	}
	s.token = out.AccessToken
	return s.token, nil
}

func (s *Source) resourceURL(path string) string {
	return s.cfg.BaseURL + "/" + s.cfg.TenantID + "/campaign/" + path
}

func (s *Source) authorized(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build adobe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Api-Key", s.cfg.APIKey)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *Source) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type unsubscription struct {
	PKey       string `json:"PKey"`
	Service    string `json:"service"`
	Email      string `json:"email"`
	EMTID      string `json:"EMT_ID"`
	ActionDate string `json:"actionDate"`
}

type unsubscribers struct {
	Content []unsubscription `json:"content"`
	Count   struct {
		Value int `json:"value"`
	} `json:"count"`
}

func (s *Source) FetchFacts(ctx context.Context, emit reconcile.EmitFunc) error {
	defer s.resetToken()

	if s.cfg.Consents != nil {
		for _, c := range s.cfg.Campaigns {
			n, err := s.validateSubscribers(ctx, c)
			if err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "validated campaign subscribers",
				"campaign", c.Name,
				"unsubscribed", n,
			)
		}
	}

	events, err := s.processUnsubscribers(ctx, emit)
	if err != nil {
		return err
	}
	if events > 0 && s.cfg.StagingWorkflow != "" {
		return s.startWorkflow(ctx)
	}
	return nil
}

// processUnsubscribers emits a fact per unsubscription event of an active
// campaign and returns how many events the resource held.
func (s *Source) processUnsubscribers(ctx context.Context, emit reconcile.EmitFunc) (int, error) {
	req, err := s.authorized(ctx, http.MethodGet, s.resourceURL(unsubscribersPath), nil)
	if err != nil {
		return 0, err
	}
	var page unsubscribers
	if err := s.do(req, &page); err != nil {
		return 0, fmt.Errorf("fetch unsubscribers: %w", err)
	}
	s.logger.InfoContext(ctx, "processing unsubscription events", "total", page.Count.Value)

	active := make(map[string]bool, len(s.cfg.Campaigns))
	for _, c := range s.cfg.Campaigns {
		active[c.Name] = true
	}
	for _, u := range page.Content {
		if !active[u.Service] || u.Email == "" {
			continue
		}
		// The whole list is re-read each run, so an unwritten fact is retried then.
		if err := emit(ctx, s.fact(u)); err != nil && !errors.Is(err, reconcile.ErrNotWritten) {
			return 0, err
		}
	}
	return len(page.Content), nil
}

type subscription struct {
	PKey       string `json:"PKey"`
	Href       string `json:"href"`
	Subscriber struct {
		Email string `json:"email"`
	} `json:"subscriber"`
}

type subscriptionsPage struct {
	Content []subscription `json:"content"`
	Next    struct {
		Href string `json:"href"`
	} `json:"next"`
}

// validateSubscribers unsubscribes every subscriber of c whose current
// version does not hold the category. It returns the number removed.
func (s *Source) validateSubscribers(ctx context.Context, c Campaign) (int, error) {
	req, err := s.authorized(ctx, http.MethodGet, s.resourceURL(servicePath+"/"+url.PathEscape(c.PKey)), nil)
	if err != nil {
		return 0, err
	}
	var svc struct {
		Subscriptions struct {
			Href string `json:"href"`
		} `json:"subscriptions"`
	}
	if err := s.do(req, &svc); err != nil {
		return 0, fmt.Errorf("fetch campaign %s: %w", c.Name, err)
	}

	removed := 0
	for next := svc.Subscriptions.Href; next != ""; {
		req, err := s.authorized(ctx, http.MethodGet, next, nil)
		if err != nil {
			return removed, err
		}
		var page subscriptionsPage
		if err := s.do(req, &page); err != nil {
			return removed, fmt.Errorf("fetch subscriptions of %s: %w", c.Name, err)
		}
		for _, sub := range page.Content {
			email := sub.Subscriber.Email
			if email == "" {
				continue
			}
			consented, err := s.consented(ctx, email)
			if err != nil {
				return removed, err
			}
			if consented {
				continue
			}
			if sub.Href == "" {
				s.logger.WarnContext(ctx, "subscription has no href", "pkey", sub.PKey)
				continue
			}
			if err := s.unsubscribe(ctx, sub.Href); err != nil {
				return removed, err
			}
			s.logger.InfoContext(ctx, "unsubscribed subscriber without consent",
				"campaign", c.Name,
				"contact", identity.Mask(email),
			)
			removed++
		}
		next = page.Next.Href
	}
	return removed, nil
}

// consented reports whether the ledger's current version for email holds
// the category. Malformed addresses are left subscribed.
func (s *Source) consented(ctx context.Context, email string) (bool, error) {
	current, found, err := s.cfg.Consents.GetCurrent(ctx, identity.Contact{Email: email})
	if err != nil {
		if dErrors.Is(err, dErrors.CodeValidation) {
			s.logger.WarnContext(ctx, "skipping subscriber with invalid email", "contact", identity.Mask(email))
			return true, nil
		}
		return false, fmt.Errorf("read consent: %w", err)
	}
	return found && current.Has(s.cfg.Category), nil
}

func (s *Source) unsubscribe(ctx context.Context, href string) error {
	req, err := s.authorized(ctx, http.MethodDelete, href, nil)
	if err != nil {
		return err
	}
	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", href, err)
	}
	return nil
}

func (s *Source) startWorkflow(ctx context.Context) error {
	target := s.resourceURL("workflow/execution/" + url.PathEscape(s.cfg.StagingWorkflow) + "/commands")
	req, err := s.authorized(ctx, http.MethodPost, target, strings.NewReader(`{"method":"start"}`))
	if err != nil {
		return err
	}
	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("start workflow %s: %w", s.cfg.StagingWorkflow, err)
	}
	s.logger.InfoContext(ctx, "started staging workflow", "workflow", s.cfg.StagingWorkflow)
	return nil
}

func (s *Source) fact(u unsubscription) reconcile.Fact {
	pkey := u.PKey
	fact := reconcile.Fact{
		Contact:  identity.Contact{Email: u.Email},
		Category: s.cfg.Category,
		Granted:  false,
		RecordID: u.EMTID,
		Extra: map[string]any{
			"emt_id":      u.EMTID,
			"action_date": u.ActionDate,
			"url":         s.cfg.BaseURL,
		},
		AfterWrite: func(ctx context.Context) error {
			return s.deleteUnsubscriber(ctx, pkey)
		},
	}
	if t, ok := parseActionDate(u.ActionDate); ok {
		fact.OccurredAt = &t
	}
	return fact
}

func (s *Source) deleteUnsubscriber(ctx context.Context, pkey string) error {
	req, err := s.authorized(ctx, http.MethodDelete, s.resourceURL(unsubscribersPath+"/"+url.PathEscape(pkey)), nil)
	if err != nil {
		return err
	}
	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("delete unsubscriber %s: %w", pkey, err)
	}
	return nil
}

func (s *Source) resetToken() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

var actionDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000Z",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseActionDate(v string) (time.Time, bool) {
	for _, layout := range actionDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
