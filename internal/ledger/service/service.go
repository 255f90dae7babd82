package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/metrics"
	"consentledger/internal/ledger/models"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/platform/sentinel"
	"consentledger/pkg/requestcontext"
)

const (
	defaultRetries        = 3
	defaultInitialBackoff = 10 * time.Millisecond
	defaultPageSize       = 100
	maxPageSize           = 1000

	// DefaultSource attributes writes that arrive without a commit.
	DefaultSource = "api"
)

// Service is the only mutation path of the ledger.
type Service struct {
	tx       LedgerTx
	reader   Reader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	retries  int
	backoff  time.Duration
	pageSize int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRetries bounds how many times a conflicting write is retried.
func WithRetries(n int, initial time.Duration) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
		if initial > 0 {
			s.backoff = initial
		}
	}
}

// WithPageSize sets the default list page size.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = min(n, maxPageSize)
		}
	}
}

func New(tx LedgerTx, reader Reader, opts ...Option) *Service {
	s := &Service{
		tx:       tx,
		reader:   reader,
		logger:   slog.Default(),
		tracer:   otel.Tracer("consentledger/ledger"),
		retries:  defaultRetries,
		backoff:  defaultInitialBackoff,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WriteVersion appends a new snapshot for the request's identity, recomputes
// which version is current and attaches the granted categories. Every
// mutation is reported to sink inside the same transaction.
func (s *Service) WriteVersion(ctx context.Context, req models.WriteRequest, sink audit.Sink) (*models.Version, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger.WriteVersion")
	defer span.End()

	version, err := s.writeVersion(ctx, req, sink)
	outcome := outcomeOf(err, version)
	span.SetAttributes(attribute.String("ledger.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveWrite(outcome, start)
	return version, err
}

func outcomeOf(err error, version *models.Version) string {
	switch {
	case err == nil && version.Current:
		return "current"
	case err == nil:
		return "historical"
	case dErrors.Is(err, dErrors.CodeValidation):
		return "invalid"
	case dErrors.Is(err, dErrors.CodeConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (s *Service) writeVersion(ctx context.Context, req models.WriteRequest, sink audit.Sink) (*models.Version, error) {
	id, err := req.Contact.Resolve()
	if err != nil {
		return nil, err
	}
	grant, revoke, err := normalizeCategories(req.Grant, req.Revoke)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Discard
	}

	now := requestcontext.Now(ctx).UTC()
	commit := req.Commit
	if commit == nil {
		commit = models.NewCommit(DefaultSource, nil, now)
	}
	logical := now
	if req.LogicalTime != nil && !req.LogicalTime.IsZero() {
		logical = req.LogicalTime.UTC()
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("identity.kind", string(id.Kind)),
		attribute.String("commit.source", commit.Source),
	)

	var version *models.Version
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			s.metrics.IncrementRetries()
		}
		v, err := s.writeOnce(ctx, id, commit, logical, grant, revoke, sink)
		if err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		version = v
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.backoff
	policy.MaxElapsedTime = 0
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries)), ctx))
	if err != nil {
		return nil, s.translateWriteError(ctx, err, id, attempt)
	}

	if version.Current {
		s.metrics.IncrementCurrentFlips()
	}
	s.logger.InfoContext(ctx, "ledger version written",
		"request_id", requestcontext.RequestID(ctx),
		"contact", identity.Mask(id.Value),
		"version_id", version.ID,
		"current", version.Current,
		"source", commit.Source,
		"attempts", attempt,
	)
	return version, nil
}

func (s *Service) writeOnce(
	ctx context.Context,
	id identity.Identity,
	commit *models.Commit,
	logical time.Time,
	grant, revoke []string,
	sink audit.Sink,
) (*models.Version, error) {
	var result *models.Version
	err := s.tx.RunInTx(ctx, id.Key, func(ctx context.Context, store Store) error {
		if err := store.SaveCommit(ctx, commit); err != nil {
			return err
		}

		version := &models.Version{
			Key:         id.Key,
			Kind:        id.Kind,
			LogicalTime: logical,
			CommitID:    commit.ID,
		}
		if id.Kind == identity.KindEmail {
			version.Email = id.Value
		} else {
			version.Phone = id.Value
		}
		if err := store.InsertVersion(ctx, version); err != nil {
			return err
		}

		currentID, err := store.ResolveCurrent(ctx, id.Key)
		if err != nil {
			return err
		}
		version.Current = currentID == version.ID

		for _, name := range grant {
			if err := store.Attach(ctx, version.ID, name); err != nil {
				return err
			}
		}
		for _, name := range revoke {
			if err := store.Detach(ctx, version.ID, name); err != nil {
				return err
			}
		}
		version.Consents = slices.Clone(grant)

		if err := emitWriteEvents(ctx, sink, version, commit, grant, revoke); err != nil {
			return err
		}
		result = version
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func emitWriteEvents(ctx context.Context, sink audit.Sink, v *models.Version, commit *models.Commit, grant, revoke []string) error {
	base := audit.Event{
		Subject:  v.Key.String(),
		CommitID: commit.ID.String(),
		Source:   commit.Source,
	}
	created := base
	created.Action = audit.EventVersionCreated
	created.Object = strconv.FormatInt(v.ID, 10)
	if err := sink.Emit(ctx, created); err != nil {
		return err
	}
	for _, name := range grant {
		e := base
		e.Action = audit.EventConsentAttached
		e.Object = name
		if err := sink.Emit(ctx, e); err != nil {
			return err
		}
	}
	for _, name := range revoke {
		e := base
		e.Action = audit.EventConsentDetached
		e.Object = name
		if err := sink.Emit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) translateWriteError(ctx context.Context, err error, id identity.Identity, attempts int) error {
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		s.logger.WarnContext(ctx, "ledger write conflict persisted after retries",
			"request_id", requestcontext.RequestID(ctx),
			"contact", identity.Mask(id.Value),
			"attempts", attempts,
		)
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent write to the same identity, retry later")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeValidation, "unknown consent category")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "ledger write timed out")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		s.logger.ErrorContext(ctx, "ledger write failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write ledger version")
	}
}

// normalizeCategories trims, dedupes and sorts both lists and rejects a
// category named in both.
func normalizeCategories(grant, revoke []string) ([]string, []string, error) {
	g := dedupe(grant)
	r := dedupe(revoke)
	for _, name := range g {
		if slices.Contains(r, name) {
			return nil, nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("category %q is both granted and revoked", name))
		}
	}
	return g, r, nil
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// GetCurrent returns the current version for contact. found is false when
// the identity has never been written.
func (s *Service) GetCurrent(ctx context.Context, contact identity.Contact) (version *models.Version, found bool, err error) {
	id, err := contact.Resolve()
	if err != nil {
		return nil, false, err
	}
	return s.GetCurrentByKey(ctx, id.Key)
}

func (s *Service) GetCurrentByKey(ctx context.Context, key identity.Key) (*models.Version, bool, error) {
	v, err := s.reader.FindCurrent(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read current version")
	}
	return v, true, nil
}

// ListCurrent pages through current versions ordered by insertion sequence.
func (s *Service) ListCurrent(ctx context.Context, filter models.Filter) (*models.Page, error) {
	filter, err := s.normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	page, err := s.reader.ListCurrent(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list current versions")
	}
	return page, nil
}

// BulkLookup resolves every contact and lists the current versions of the
// known ones. Unknown identities are absent from the page.
func (s *Service) BulkLookup(ctx context.Context, contacts []identity.Contact, filter models.Filter) (*models.Page, error) {
	if len(contacts) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one email or phone is required")
	}
	if len(contacts) > maxPageSize {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("at most %d contacts per lookup", maxPageSize))
	}
	keys := make([]identity.Key, 0, len(contacts))
	for _, c := range contacts {
		id, err := c.Resolve()
		if err != nil {
			return nil, err
		}
		keys = append(keys, id.Key)
	}
	filter.Keys = keys
	return s.ListCurrent(ctx, filter)
}

// History returns every version of contact in the per-key total order.
func (s *Service) History(ctx context.Context, contact identity.Contact) ([]*models.Version, error) {
	id, err := contact.Resolve()
	if err != nil {
		return nil, err
	}
	versions, err := s.reader.History(ctx, id.Key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no versions recorded for this contact")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read version history")
	}
	return versions, nil
}

func (s *Service) Categories(ctx context.Context) ([]models.Category, error) {
	categories, err := s.reader.ListCategories(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list consent categories")
	}
	return categories, nil
}

// EnsureCategories seeds the reference categories. It is idempotent.
func (s *Service) EnsureCategories(ctx context.Context, names []string) error {
	for _, name := range dedupe(names) {
		c := models.Category{Name: name, Description: describe(name)}
		if err := s.reader.EnsureCategory(ctx, c); err != nil {
			return fmt.Errorf("seed category %s: %w", name, err)
		}
	}
	return nil
}

func describe(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func (s *Service) normalizeFilter(filter models.Filter) (models.Filter, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return filter, dErrors.New(dErrors.CodeValidation, "limit and offset must be non-negative")
	}
	if filter.Limit == 0 {
		filter.Limit = s.pageSize
	}
	filter.Limit = min(filter.Limit, maxPageSize)
	filter.Category = strings.TrimSpace(filter.Category)
	return filter, nil
}
