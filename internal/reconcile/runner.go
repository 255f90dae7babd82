package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/requestcontext"
)

// Outcome is what happened to one fact.
type Outcome string

const (
	OutcomeWritten Outcome = "written"
	OutcomeSkipped Outcome = "skipped"
	OutcomeInvalid Outcome = "invalid"
	OutcomeFailed  Outcome = "failed"
)

// Ledger is the slice of the ledger service the runner needs.
type Ledger interface {
	GetCurrent(ctx context.Context, contact identity.Contact) (*models.Version, bool, error)
	WriteVersion(ctx context.Context, req models.WriteRequest, sink audit.Sink) (*models.Version, error)
}

// Auditor hands out a sink attributed to a reconciliation source.
type Auditor interface {
	For(actor audit.Actor) audit.Sink
}

// Result summarises one source run.
type Result struct {
	Source    string
	Processed int
	Written   int
	Skipped   int
	Invalid   int
	Failed    int
	Duration  time.Duration
}

func (r *Result) count(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeWritten:
		r.Written++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeInvalid:
		r.Invalid++
	case OutcomeFailed:
		r.Failed++
	}
}

// Runner drives sources against the ledger. Sources run concurrently;
// facts within one source are written in the order they are emitted.
type Runner struct {
	ledger  Ledger
	auditor Auditor
	sources []Source
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time
	// maxFailures aborts a source run after this many failed writes.
	maxFailures int
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMaxFailures stops a source once n writes have failed. Zero means
// never stop.
func WithMaxFailures(n int) Option {
	return func(r *Runner) {
		r.maxFailures = n
	}
}

func NewRunner(ledger Ledger, auditor Auditor, sources []Source, opts ...Option) *Runner {
	r := &Runner{
		ledger:      ledger,
		auditor:     auditor,
		sources:     sources,
		logger:      slog.Default(),
		clock:       time.Now,
		maxFailures: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce runs every source to exhaustion and returns one result per
// source, in source order. Source errors are joined.
func (r *Runner) RunOnce(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(r.sources))
	errs := make([]error, len(r.sources))

	var g errgroup.Group
	for i, src := range r.sources {
		g.Go(func() error {
			results[i], errs[i] = r.runSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RunForever repeats RunOnce, sleeping between rounds, until ctx is done.
// Errors from a round are logged and do not stop the loop.
func (r *Runner) RunForever(ctx context.Context, sleep time.Duration) error {
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "reconciliation round failed", "error", err)
		}
		r.logger.InfoContext(ctx, "reconciliation sleeping",
			"until", r.clock().Add(sleep).Format(time.RFC3339),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (r *Runner) runSource(ctx context.Context, src Source) (Result, error) {
	start := r.clock()
	result := Result{Source: src.Name()}
	sink := r.auditor.For(audit.Actor{ID: "reconcile:" + src.Name()})
	logger := r.logger.With("source", src.Name())
	logger.InfoContext(ctx, "polling source")

	emit := func(ctx context.Context, fact Fact) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := r.apply(requestcontext.WithTime(ctx, r.clock()), src, sink, fact, logger)
		result.count(outcome)
		r.metrics.incFact(src.Name(), outcome)
		if err == nil {
			return nil
		}
		if r.maxFailures > 0 && result.Failed >= r.maxFailures {
			return fmt.Errorf("%d writes failed, last: %w", result.Failed, err)
		}
		return fmt.Errorf("%w: %w", ErrNotWritten, err)
	}

	err := src.FetchFacts(ctx, emit)
	if err == nil && result.Failed > 0 {
		err = fmt.Errorf("%d facts not written", result.Failed)
	}
	result.Duration = r.clock().Sub(start)
	r.metrics.incRun(src.Name(), err == nil)

	logger.InfoContext(ctx, "source run complete",
		"processed", result.Processed,
		"updated", result.Written,
		"skipped", result.Skipped,
		"invalid", result.Invalid,
		"failed", result.Failed,
	)
	r.emitCompleted(ctx, sink, result, logger)

	if err != nil {
		return result, fmt.Errorf("reconcile %s: %w", src.Name(), err)
	}
	return result, nil
}

func (r *Runner) apply(ctx context.Context, src Source, sink audit.Sink, fact Fact, logger *slog.Logger) (Outcome, error) {
	masked := identity.Mask(fact.Contact.Email + fact.Contact.Phone)

	current, found, err := r.ledger.GetCurrent(ctx, fact.Contact)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeValidation) {
			logger.WarnContext(ctx, "skipping invalid contact",
				"contact", masked,
				"record_id", fact.RecordID,
				"error", err,
			)
			return OutcomeInvalid, nil
		}
		logger.ErrorContext(ctx, "failed to read current version", "contact", masked, "error", err)
		return OutcomeFailed, err
	}
	if !found {
		current = nil
	}

	if !src.ShouldWrite(current, fact) {
		return OutcomeSkipped, nil
	}

	req := writeRequest(src.Name(), current, fact, r.clock())
	if _, err := r.ledger.WriteVersion(ctx, req, sink); err != nil {
		if dErrors.Is(err, dErrors.CodeValidation) {
			logger.WarnContext(ctx, "fact rejected by ledger",
				"contact", masked,
				"record_id", fact.RecordID,
				"error", err,
			)
			return OutcomeInvalid, nil
		}
		logger.ErrorContext(ctx, "failed to write fact", "contact", masked, "error", err)
		return OutcomeFailed, err
	}
	logger.InfoContext(ctx, "updated consent",
		"contact", masked,
		"category", fact.Category,
		"granted", fact.Granted,
	)

	if fact.AfterWrite != nil {
		if err := fact.AfterWrite(ctx); err != nil {
			// The ledger already holds the fact; a later run re-reads it and
			// ShouldWrite skips it.
			logger.WarnContext(ctx, "failed to acknowledge upstream record",
				"record_id", fact.RecordID,
				"error", err,
			)
		}
	}
	return OutcomeWritten, nil
}

func (r *Runner) emitCompleted(ctx context.Context, sink audit.Sink, result Result, logger *slog.Logger) {
	err := sink.Emit(ctx, audit.Event{
		Action:  audit.EventReconcileCompleted,
		Subject: result.Source,
		Object:  fmt.Sprintf("processed=%d updated=%d", result.Processed, result.Written),
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to record reconciliation run", "error", err)
	}
}
