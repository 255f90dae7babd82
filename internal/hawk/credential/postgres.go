package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"consentledger/internal/hawk"
	"consentledger/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore persists credentials in hawk_credentials.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, id string) (*hawk.Credential, error) {
	var (
		c    hawk.Credential
		alg  string
		caps pq.StringArray
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, secret, algorithm, capabilities, description, created_at, revoked_at
		FROM hawk_credentials
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Key, &alg, &caps, &c.Description, &c.CreatedAt, &c.RevokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if c.RevokedAt != nil {
		return nil, sentinel.ErrRevoked
	}
	c.Algorithm = hawk.Algorithm(alg)
	c.Capabilities = []string(caps)
	return &c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c *hawk.Credential) error {
	if err := Validate(c); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hawk_credentials (id, secret, algorithm, capabilities, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Key, string(c.Algorithm), pq.StringArray(c.Capabilities), c.Description, c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create credential %s: %w", c.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Rotate(ctx context.Context, id, secret string) error {
	candidate := hawk.Credential{ID: id, Key: secret}
	if err := Validate(&candidate); err != nil {
		return err
	}
	return s.expectRow(s.db.ExecContext(ctx, `UPDATE hawk_credentials SET secret = $2 WHERE id = $1`, id, secret))
}

func (s *PostgresStore) Revoke(ctx context.Context, id string) error {
	return s.expectRow(s.db.ExecContext(ctx, `
		UPDATE hawk_credentials SET revoked_at = COALESCE(revoked_at, NOW()) WHERE id = $1
	`, id))
}

func (s *PostgresStore) expectRow(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]hawk.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, algorithm, capabilities, description, created_at, revoked_at
		FROM hawk_credentials
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []hawk.Credential
	for rows.Next() {
		var (
			c    hawk.Credential
			alg  string
			caps pq.StringArray
		)
		if err := rows.Scan(&c.ID, &alg, &caps, &c.Description, &c.CreatedAt, &c.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Algorithm = hawk.Algorithm(alg)
		c.Capabilities = []string(caps)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}
