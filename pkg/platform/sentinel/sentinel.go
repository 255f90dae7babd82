package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and caches return these
// (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: no row or key for the lookup
//   - ErrConflict: the storage layer could not serialize two writers
//   - ErrAlreadyUsed: an add-if-absent key already exists (replayed nonce)
//   - ErrRevoked: a credential exists but may no longer be used
//   - ErrUnavailable: backing service temporarily unreachable
//   - ErrInvalidState: the operation is not allowed on the record's state
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrRevoked      = errors.New("revoked")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidState = errors.New("invalid state")
)
