package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	"consentledger/internal/ledger/service"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/sentinel"
	txcontext "consentledger/pkg/platform/tx"
)

// PostgresStore persists the ledger in PostgreSQL. Writers of one identity
// are serialized with a transaction-scoped advisory lock on the key; a
// partial unique index backs the single-current invariant.
type PostgresStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed ledger store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: defaultTxTimeout}
}

// RunInTx opens a transaction, takes the advisory lock for key and runs fn.
// The transaction is also placed in the context handed to fn so outbox
// writers join it.
func (s *PostgresStore) RunInTx(ctx context.Context, key identity.Key, fn func(ctx context.Context, store service.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", translate(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key.LockID()); err != nil {
		return fmt.Errorf("lock identity: %w", translate(err))
	}

	if err := fn(txcontext.WithTx(ctx, tx), &postgresTx{tx: tx, key: key}); err != nil {
		return translate(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", translate(err))
	}
	return nil
}

// translate maps serialization failures, deadlocks, lock timeouts and
// unique violations to sentinel.ErrConflict so the caller can retry.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "23505":
			return fmt.Errorf("%s: %w", pgErr.Message, sentinel.ErrConflict)
		}
	}
	return err
}

type postgresTx struct {
	tx  *sql.Tx
	key identity.Key
	// created holds versions inserted by this transaction; only those may
	// have their consent set changed.
	created map[int64]struct{}
}

func (t *postgresTx) SaveCommit(ctx context.Context, commit *models.Commit) error {
	if commit == nil {
		return fmt.Errorf("commit is required")
	}
	extra, err := json.Marshal(commit.Extra)
	if err != nil {
		return fmt.Errorf("marshal commit extra: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_commits (id, created_at, source, extra)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, commit.ID, commit.CreatedAt, commit.Source, extra)
	if err != nil {
		return fmt.Errorf("save commit: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertVersion(ctx context.Context, version *models.Version) error {
	if version == nil {
		return fmt.Errorf("version is required")
	}
	if version.Key != t.key {
		return fmt.Errorf("insert version: key outside transaction scope")
	}
	var createdAt any = version.CreatedAt
	if version.CreatedAt.IsZero() {
		createdAt = nil
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_versions (identity_key, contact_kind, email, phone, created_at, logical_time, is_current, commit_id)
		VALUES ($1, $2, $3, $4, COALESCE($5, clock_timestamp()), $6, FALSE, $7)
		RETURNING id, created_at
	`, version.Key.Bytes(), string(version.Kind), nullString(version.Email), nullString(version.Phone),
		createdAt, version.LogicalTime, version.CommitID,
	).Scan(&version.ID, &version.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	version.Current = false
	if t.created == nil {
		t.created = make(map[int64]struct{})
	}
	t.created[version.ID] = struct{}{}
	return nil
}

// ResolveCurrent clears the flag on every other version of key before
// setting it on the winner so the partial unique index never sees two.
func (t *postgresTx) ResolveCurrent(ctx context.Context, key identity.Key) (int64, error) {
	if key != t.key {
		return 0, fmt.Errorf("resolve current: key outside transaction scope")
	}
	var currentID int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM ledger_versions
		WHERE identity_key = $1
		ORDER BY logical_time DESC, created_at DESC, id DESC
		LIMIT 1
	`, key.Bytes()).Scan(&currentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, sentinel.ErrNotFound
		}
		return 0, fmt.Errorf("find newest version: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_versions SET is_current = FALSE
		WHERE identity_key = $1 AND is_current AND id <> $2
	`, key.Bytes(), currentID); err != nil {
		return 0, fmt.Errorf("clear current flag: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_versions SET is_current = TRUE
		WHERE id = $1 AND NOT is_current
	`, currentID); err != nil {
		return 0, fmt.Errorf("set current flag: %w", err)
	}
	return currentID, nil
}

func (t *postgresTx) Attach(ctx context.Context, versionID int64, category string) error {
	if err := t.writable(versionID); err != nil {
		return err
	}
	categoryID, err := t.categoryID(ctx, category)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_version_consents (version_id, category_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, versionID, categoryID)
	if err != nil {
		return fmt.Errorf("attach consent: %w", err)
	}
	return nil
}

func (t *postgresTx) Detach(ctx context.Context, versionID int64, category string) error {
	if err := t.writable(versionID); err != nil {
		return err
	}
	categoryID, err := t.categoryID(ctx, category)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM ledger_version_consents WHERE version_id = $1 AND category_id = $2
	`, versionID, categoryID); err != nil {
		return fmt.Errorf("detach consent: %w", err)
	}
	return nil
}

func (t *postgresTx) Has(ctx context.Context, versionID int64, category string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_version_consents vc
			JOIN consent_categories c ON c.id = vc.category_id
			WHERE vc.version_id = $1 AND c.name = $2
		)
	`, versionID, category).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check consent: %w", err)
	}
	return exists, nil
}

func (t *postgresTx) writable(versionID int64) error {
	if _, ok := t.created[versionID]; !ok {
		return fmt.Errorf("version %d is not writable in this transaction: %w", versionID, sentinel.ErrInvalidState)
	}
	return nil
}

func (t *postgresTx) categoryID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM consent_categories WHERE name = $1`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("consent category %q: %w", name, sentinel.ErrNotFound)
		}
		return 0, fmt.Errorf("find consent category: %w", err)
	}
	return id, nil
}

const versionColumns = `
	v.id, v.identity_key, v.contact_kind, COALESCE(v.email, ''), COALESCE(v.phone, ''),
	v.created_at, v.logical_time, v.is_current, v.commit_id,
	COALESCE(ARRAY(
		SELECT c.name FROM ledger_version_consents vc
		JOIN consent_categories c ON c.id = vc.category_id
		WHERE vc.version_id = v.id
		ORDER BY c.name
	), '{}')`

func (s *PostgresStore) FindCurrent(ctx context.Context, key identity.Key) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM ledger_versions v
		WHERE v.identity_key = $1 AND v.is_current
	`, key.Bytes())
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find current version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) ListCurrent(ctx context.Context, filter models.Filter) (*models.Page, error) {
	where := []string{"v.is_current"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Kind != "" {
		where = append(where, "v.contact_kind = "+arg(string(filter.Kind)))
	}
	if filter.Category != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM ledger_version_consents vc
			JOIN consent_categories c ON c.id = vc.category_id
			WHERE vc.version_id = v.id AND c.name = `+arg(filter.Category)+`)`)
	}
	if len(filter.Keys) > 0 {
		keys := make([][]byte, 0, len(filter.Keys))
		for _, k := range filter.Keys {
			keys = append(keys, k.Bytes())
		}
		where = append(where, "v.identity_key = ANY("+arg(keys)+")")
	}
	clause := strings.Join(where, " AND ")

	page := &models.Page{Limit: filter.Limit, Offset: filter.Offset}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_versions v WHERE `+clause, args...,
	).Scan(&page.Count); err != nil {
		return nil, fmt.Errorf("count current versions: %w", err)
	}

	query := `SELECT ` + versionColumns + ` FROM ledger_versions v WHERE ` + clause + ` ORDER BY v.id ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list current versions: %w", err)
	}
	defer rows.Close()

	page.Results, err = scanVersions(rows)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *PostgresStore) History(ctx context.Context, key identity.Key) ([]*models.Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM ledger_versions v
		WHERE v.identity_key = $1
		ORDER BY v.logical_time ASC, v.created_at ASC, v.id ASC
	`, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("list version history: %w", err)
	}
	defer rows.Close()

	versions, err := scanVersions(rows)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return versions, nil
}

// FindCommit returns a stored commit by id.
func (s *PostgresStore) FindCommit(ctx context.Context, id string) (*models.Commit, error) {
	commitID, err := uuid.Parse(id)
	if err != nil {
		return nil, sentinel.ErrNotFound
	}
	var (
		c     models.Commit
		extra []byte
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, created_at, source, extra FROM ledger_commits WHERE id = $1
	`, commitID).Scan(&c.ID, &c.CreatedAt, &c.Source, &extra)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find commit: %w", err)
	}
	if err := json.Unmarshal(extra, &c.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal commit extra: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM consent_categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list consent categories: %w", err)
	}
	defer rows.Close()

	var out []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, fmt.Errorf("scan consent category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consent categories: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EnsureCategory(ctx context.Context, category models.Category) error {
	if category.Name == "" {
		return fmt.Errorf("category name is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_categories (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, category.Name, category.Description)
	if err != nil {
		return fmt.Errorf("ensure consent category: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*models.Version, error) {
	var (
		v        models.Version
		key      []byte
		kind     string
		consents pq.StringArray
	)
	if err := row.Scan(&v.ID, &key, &kind, &v.Email, &v.Phone,
		&v.CreatedAt, &v.LogicalTime, &v.Current, &v.CommitID, &consents); err != nil {
		return nil, err
	}
	k, err := identity.KeyFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	v.Key = k
	v.Kind = identity.Kind(kind)
	v.Consents = []string(consents)
	v.CreatedAt = v.CreatedAt.UTC()
	v.LogicalTime = v.LogicalTime.UTC()
	return &v, nil
}

func scanVersions(rows *sql.Rows) ([]*models.Version, error) {
	var out []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
