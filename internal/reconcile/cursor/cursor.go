// Package cursor persists how far each reconciliation source has read, so
// restarted runs resume instead of replaying the whole upstream feed.
package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store loads and saves one JSON position per source.
type Store interface {
	// Load decodes the saved position into v. It reports false when the
	// source has never saved one.
	Load(ctx context.Context, source string, v any) (bool, error)
	Save(ctx context.Context, source string, v any) error
}

// InMemory keeps positions for the life of the process.
type InMemory struct {
	mu        sync.RWMutex
	positions map[string][]byte
}

func NewInMemory() *InMemory {
	return &InMemory{positions: make(map[string][]byte)}
}

func (s *InMemory) Load(_ context.Context, source string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.positions[source]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cursor %s: %w", source, err)
	}
	return true, nil
}

func (s *InMemory) Save(_ context.Context, source string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", source, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[source] = raw
	return nil
}

// PostgresStore keeps positions in reconcile_cursors.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) Load(ctx context.Context, source string, v any) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT position FROM reconcile_cursors WHERE source = $1`, source).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load cursor %s: %w", source, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cursor %s: %w", source, err)
	}
	return true, nil
}

func (s *PostgresStore) Save(ctx context.Context, source string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", source, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_cursors (source, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source) DO UPDATE SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
	`, source, string(raw), s.clock().UTC())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", source, err)
	}
	return nil
}
