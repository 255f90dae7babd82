package hawk

import (
	"context"
	"slices"
	"time"
)

// Credential is a shared secret issued to one API client.
type Credential struct {
	ID           string
	Key          string
	Algorithm    Algorithm
	Capabilities []string
	Description  string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// Can reports whether the credential grants capability.
func (c *Credential) Can(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// CredentialStore resolves credential ids on every request. Implementations
// must not cache secrets so rotation and revocation apply to the next
// request. Unknown ids return sentinel.ErrNotFound and revoked ones
// sentinel.ErrRevoked.
type CredentialStore interface {
	Lookup(ctx context.Context, id string) (*Credential, error)
}

// NonceCache is a shared add-if-absent set with expiry. Add returns
// sentinel.ErrAlreadyUsed when (credentialID, nonce) is already present.
type NonceCache interface {
	Add(ctx context.Context, credentialID, nonce string, ttl time.Duration) error
}
