// Package maxemail reads the recipients of a MaxEmail suppression list and
// reports each one as an email marketing opt-out.
package maxemail

import (
	"bytes"
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

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/reconcile"
)

const (
	DefaultUnsubscribeList = "Master Unsubscribe List"

	listPath        = "/list"
	defaultPageSize = 5000
	maxAttempts     = 3
	emailMarketing  = "email_marketing"
	updateLayout    = "2006-01-02 15:04:05"
)

type Config struct {
	// BaseURL is the JSON API root; RPC names are appended to it.
	BaseURL  string
	Username string
	Password string
	// UnsubscribeList names the suppression list to read.
	UnsubscribeList string
	PageSize        int
	Category        string
}

// Source implements reconcile.Source for a MaxEmail suppression list.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	// retryWait is the first backoff interval for transient failures.
	retryWait time.Duration
}

func New(cfg Config, client *http.Client, logger *slog.Logger) *Source {
	if cfg.UnsubscribeList == "" {
		cfg.UnsubscribeList = DefaultUnsubscribeList
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Category == "" {
		cfg.Category = emailMarketing
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, client: client, logger: logger, retryWait: time.Second}
}

func (s *Source) Name() string { return "maxemail" }

// ShouldWrite records the opt-out unless the identity has already withdrawn.
func (s *Source) ShouldWrite(current *models.Version, fact reconcile.Fact) bool {
	return reconcile.OptOutPolicy{}.ShouldWrite(current, fact)
}

// count decodes the totals MaxEmail sends either as numbers or as strings.
type count int

func (c *count) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("decode count %s: %w", b, err)
	}
	*c = count(n)
	return nil
}

type list struct {
	ListID string `json:"list_id"`
	Name   string `json:"name"`
}

type recipient struct {
	RecipientID  string `json:"recipient_id"`
	EmailAddress string `json:"email_address"`
	UpdateTS     string `json:"update_ts"`
}

type recipientsPage struct {
	ListTotal count       `json:"list_total"`
	Count     count       `json:"count"`
	Records   []recipient `json:"records"`
}

func (s *Source) FetchFacts(ctx context.Context, emit reconcile.EmitFunc) error {
	listID, err := s.unsubscribeListID(ctx)
	if err != nil {
		return err
	}

	for pos := 0; ; {
		page, err := s.recipients(ctx, listID, pos)
		if err != nil {
			return err
		}
		if pos == 0 {
			s.logger.InfoContext(ctx, "processing unsubscribe list",
				"list_id", listID,
				"total", int(page.ListTotal),
			)
		}
		for _, r := range page.Records {
			if r.EmailAddress == "" {
				continue
			}
			// The list is re-read each run, so an unwritten fact is retried then.
			if err := emit(ctx, s.fact(listID, r)); err != nil && !errors.Is(err, reconcile.ErrNotWritten) {
				return err
			}
		}
		if page.Count <= 0 || len(page.Records) == 0 {
			return nil
		}
		pos += int(page.Count)
		if pos >= int(page.ListTotal) {
			return nil
		}
	}
}

func (s *Source) fact(listID string, r recipient) reconcile.Fact {
	fact := reconcile.Fact{
		Contact:  identity.Contact{Email: r.EmailAddress},
		Category: s.cfg.Category,
		Granted:  false,
		RecordID: r.RecipientID,
		Extra: map[string]any{
			"url":     s.cfg.BaseURL,
			"list_id": listID,
		},
	}
	if t, err := time.Parse(updateLayout, r.UpdateTS); err == nil {
		fact.OccurredAt = &t
	}
	return fact
}

func (s *Source) unsubscribeListID(ctx context.Context) (string, error) {
	var lists []list
	if err := s.call(ctx, url.Values{"method": {"fetchAll"}}, &lists); err != nil {
		return "", fmt.Errorf("fetch lists: %w", err)
	}
	for _, l := range lists {
		if l.Name == s.cfg.UnsubscribeList {
			return l.ListID, nil
		}
	}
	return "", fmt.Errorf("unsubscribe list %q not found", s.cfg.UnsubscribeList)
}

func (s *Source) recipients(ctx context.Context, listID string, start int) (*recipientsPage, error) {
	form := url.Values{
		"method":        {"fetchRecipientsData"},
		"listId":        {listID},
		"profileFields": {"[]"},
		"limit":         {strconv.Itoa(s.cfg.PageSize)},
		"start":         {strconv.Itoa(start)},
		"sort":          {"update_ts"},
		"dir":           {"DESC"},
		"filter":        {"[]"},
	}
	var page recipientsPage
	if err := s.call(ctx, form, &page); err != nil {
		return nil, fmt.Errorf("fetch recipients from %d: %w", start, err)
	}
	return &page, nil
}

// call posts one list RPC. Server errors and throttling are retried.
func (s *Source) call(ctx context.Context, form url.Values, out any) error {
	body := []byte(form.Encode())
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+listPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.retryWait
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(exp, maxAttempts-1), ctx))
}
