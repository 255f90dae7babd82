// Package compliance provides a fail-closed audit publisher for consent
// mutations.
//
// Events are written synchronously to the store. When the store joins the
// ledger transaction (the outbox store does), a failed write rolls back the
// mutation it describes.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	audit "consentledger/pkg/platform/audit"
)

// Publisher emits compliance events with fail-closed semantics.
type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	metrics *Metrics
	clock   func() time.Time
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// New creates a compliance publisher.
func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// For returns a sink that stamps every event with actor.
func (p *Publisher) For(actor audit.Actor) audit.Sink {
	return &recorder{publisher: p, actor: actor}
}

type recorder struct {
	publisher *Publisher
	actor     audit.Actor
}

func (r *recorder) Emit(ctx context.Context, event audit.Event) error {
	return r.publisher.emit(ctx, audit.Normalize(event, r.actor, r.publisher.clock().UTC()))
}

// Emit writes event without actor enrichment.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	return p.emit(ctx, audit.Normalize(event, audit.Actor{}, p.clock().UTC()))
}

func (p *Publisher) emit(ctx context.Context, event audit.Event) error {
	start := time.Now()

	if event.Action == "" {
		return fmt.Errorf("compliance event requires Action")
	}
	if event.Subject == "" {
		return fmt.Errorf("compliance event requires Subject")
	}

	if err := p.store.Append(ctx, event); err != nil {
		p.metrics.IncPersistFailures()
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "compliance audit failed",
				"action", event.Action,
				"subject", event.Subject,
				"request_id", event.RequestID,
				"error", err,
			)
		}
		return fmt.Errorf("compliance audit persistence failed: %w", err)
	}

	p.metrics.ObservePersistDuration(time.Since(start).Seconds())
	p.metrics.IncEventsEmitted()
	return nil
}
