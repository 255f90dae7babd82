// Package security publishes gateway rejection events asynchronously.
//
// Rejections are on the hot path of unauthenticated traffic, so Emit never
// blocks: events go into a bounded ring buffer and a background loop drains
// them to the store in batches.
package security

import (
	"context"
	"log/slog"
	"time"

	audit "consentledger/pkg/platform/audit"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// Publisher buffers security events and flushes them to a store.
type Publisher struct {
	store    audit.Store
	buffer   *RingBuffer
	logger   *slog.Logger
	interval time.Duration
	batch    int
	clock    func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithFlushInterval sets how often Run drains the buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithCapacity bounds the number of buffered events.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		p.buffer = NewRingBuffer(n)
	}
}

func New(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		buffer:   NewRingBuffer(0),
		interval: defaultFlushInterval,
		batch:    defaultBatchSize,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit enqueues event and always returns nil.
func (p *Publisher) Emit(_ context.Context, event audit.Event) error {
	p.buffer.Enqueue(audit.Normalize(event, audit.Actor{}, p.clock().UTC()))
	return nil
}

// Run flushes the buffer every interval until ctx is cancelled, then
// performs a final flush with a fresh context.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			return ctx.Err()
		}
	}
}

// Flush drains the buffer. Events that fail to persist are logged and
// dropped.
func (p *Publisher) Flush(ctx context.Context) {
	for {
		events := p.buffer.DequeueBatch(p.batch)
		if len(events) == 0 {
			return
		}
		for _, event := range events {
			if err := p.store.Append(ctx, event); err != nil && p.logger != nil {
				p.logger.WarnContext(ctx, "security audit dropped",
					"action", event.Action,
					"subject", event.Subject,
					"error", err,
				)
			}
		}
	}
}

// Dropped reports events lost to buffer overflow.
func (p *Publisher) Dropped() int64 {
	return p.buffer.Dropped()
}
