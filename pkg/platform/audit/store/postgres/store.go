package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	audit "consentledger/pkg/platform/audit"
	txcontext "consentledger/pkg/platform/tx"
)

// Store implements audit.Store using the transactional outbox pattern.
// Events are written to the outbox table, in the caller's transaction when
// one is bound to the context, and published to Kafka by the relay.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// New creates a new PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// Payload is the JSON document stored in the outbox and published to Kafka.
type Payload struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Verb       string `json:"verb"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
	Subject    string `json:"subject"`
	Object     string `json:"object,omitempty"`
	CommitID   string `json:"commit_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// NewPayload converts an event into its published form.
func NewPayload(event audit.Event) Payload {
	return Payload{
		ID:         event.ID.String(),
		Category:   string(event.Action.Category()),
		Verb:       string(event.Action.Verb()),
		Action:     string(event.Action),
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
		Subject:    event.Subject,
		Object:     event.Object,
		CommitID:   event.CommitID,
		Source:     event.Source,
		Reason:     event.Reason,
		ActorID:    event.ActorID,
		RemoteAddr: event.RemoteAddr,
		UserAgent:  event.UserAgent,
		RequestID:  event.RequestID,
	}
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	payload, err := json.Marshal(NewPayload(event))
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	// Ledger events are keyed by identity so a partitioned consumer sees one
	// identity's history in order.
	aggregateType := "identity"
	if event.Action.Category() != audit.CategoryCompliance {
		aggregateType = string(event.Action.Category())
	}

	_, err = txcontext.Executor(ctx, s.db).ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		event.ID,
		aggregateType,
		event.Subject,
		string(event.Action),
		payload,
		s.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// Entry is an unpublished outbox row.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// ClaimBatch locks up to limit unpublished rows for the lifetime of the
// returned transaction. SKIP LOCKED lets several relays run side by side.
func (s *Store) ClaimBatch(ctx context.Context, limit int) (*sql.Tx, []Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin outbox claim: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return tx, entries, nil
}

// MarkPublished stamps the given rows inside the claim transaction.
func (s *Store) MarkPublished(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET published_at = $1 WHERE id = ANY($2::uuid[])
	`, s.clock().UTC(), pq.StringArray(keys)); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}
