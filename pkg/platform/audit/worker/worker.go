package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"consentledger/pkg/platform/audit/store/postgres"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = time.Second
)

// Message is one outbox row ready for the broker.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher delivers a batch to the broker. It returns only after every
// message is acknowledged.
type Publisher interface {
	Publish(ctx context.Context, messages []Message) error
}

// Outbox is the subset of the outbox store the relay drives.
type Outbox interface {
	ClaimBatch(ctx context.Context, limit int) (*sql.Tx, []postgres.Entry, error)
	MarkPublished(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error
}

// Relay moves committed outbox rows to the broker. Rows are marked
// published in the claim transaction only after the broker acknowledged
// them, so delivery is at-least-once.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batch     int
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func NewRelay(outbox Outbox, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    slog.Default(),
		interval:  defaultPollInterval,
		batch:     defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. Publish failures are logged and the
// batch is retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
					break
				}
				if n < r.batch {
					break
				}
			}
		}
	}
}

// RelayOnce publishes a single batch and returns how many rows it moved.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, entries, err := r.outbox.ClaimBatch(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if len(entries) == 0 {
		return 0, nil
	}

	messages := make([]Message, 0, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, Message{
			Key:   e.AggregateID,
			Value: e.Payload,
			Headers: map[string]string{
				"event_type":     e.EventType,
				"aggregate_type": e.AggregateType,
				"outbox_id":      e.ID.String(),
			},
		})
		ids = append(ids, e.ID)
	}

	if err := r.publisher.Publish(ctx, messages); err != nil {
		return 0, fmt.Errorf("publish outbox batch: %w", err)
	}
	if err := r.outbox.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return len(entries), nil
}
