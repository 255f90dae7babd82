package service

import (
	"context"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
)

// Store is the transactional view of the ledger handed to the write path.
// Every call happens inside RunInTx while the identity key is locked.
type Store interface {
	SaveCommit(ctx context.Context, commit *models.Commit) error
	// InsertVersion appends a non-current version and assigns its ID and,
	// when zero, its CreatedAt.
	InsertVersion(ctx context.Context, version *models.Version) error
	// ResolveCurrent marks the newest version of key as current, clears the
	// flag on every other version of key, and returns the current ID.
	ResolveCurrent(ctx context.Context, key identity.Key) (int64, error)

	// Consent overlay. Attach and Detach only accept versions created in the
	// same transaction; unknown categories return sentinel.ErrNotFound.
	Attach(ctx context.Context, versionID int64, category string) error
	Detach(ctx context.Context, versionID int64, category string) error
	Has(ctx context.Context, versionID int64, category string) (bool, error)
}

// LedgerTx runs fn atomically with exclusive access to one identity key.
// Writers for other keys are not blocked.
type LedgerTx interface {
	RunInTx(ctx context.Context, key identity.Key, fn func(ctx context.Context, store Store) error) error
}

// Reader serves the read side. Lookups of unknown identities return
// sentinel.ErrNotFound.
type Reader interface {
	FindCurrent(ctx context.Context, key identity.Key) (*models.Version, error)
	ListCurrent(ctx context.Context, filter models.Filter) (*models.Page, error)
	History(ctx context.Context, key identity.Key) ([]*models.Version, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
	EnsureCategory(ctx context.Context, category models.Category) error
}
