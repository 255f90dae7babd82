package models

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"consentledger/internal/identity"
)

// Commit is immutable provenance for one logical write. Several versions may
// reference the same commit (a batch run stamping many identities).
type Commit struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Source    string
	// Extra is opaque to the ledger: originating document ids, upstream
	// timestamps, import row counts.
	Extra map[string]any
}

// NewCommit creates a commit attributed to source.
func NewCommit(source string, extra map[string]any, now time.Time) *Commit {
	if extra == nil {
		extra = map[string]any{}
	}
	return &Commit{
		ID:        uuid.New(),
		CreatedAt: now,
		Source:    source,
		Extra:     extra,
	}
}

// Version is one snapshot of an identity's consent state. Only Current ever
// changes after insert, and only through current-resolution.
type Version struct {
	ID          int64
	Key         identity.Key
	Kind        identity.Kind
	Email       string
	Phone       string
	CreatedAt   time.Time
	LogicalTime time.Time
	Current     bool
	CommitID    uuid.UUID
	Consents    []string
}

// Contact returns whichever contact field is populated.
func (v *Version) Contact() string {
	if v.Kind == identity.KindPhone {
		return v.Phone
	}
	return v.Email
}

// Has reports whether the category is attached to this snapshot.
func (v *Version) Has(category string) bool {
	return slices.Contains(v.Consents, category)
}

// After reports whether v sorts after o in the per-key total order:
// logical time, then created time, then insertion sequence.
func (v *Version) After(o *Version) bool {
	if !v.LogicalTime.Equal(o.LogicalTime) {
		return v.LogicalTime.After(o.LogicalTime)
	}
	if !v.CreatedAt.Equal(o.CreatedAt) {
		return v.CreatedAt.After(o.CreatedAt)
	}
	return v.ID > o.ID
}

// Newest returns the version that should be current among versions, or nil.
func Newest(versions []*Version) *Version {
	var newest *Version
	for _, v := range versions {
		if newest == nil || v.After(newest) {
			newest = v
		}
	}
	return newest
}

// Clone returns a deep copy safe to hand outside a store lock.
func (v *Version) Clone() *Version {
	c := *v
	c.Consents = slices.Clone(v.Consents)
	return &c
}

// Category is a named consent category such as "email_marketing".
type Category struct {
	ID          int64
	Name        string
	Description string
}

// WriteRequest is the single input to the ledger's write path.
type WriteRequest struct {
	Contact identity.Contact
	// Grant names the categories held by the new snapshot.
	Grant []string
	// Revoke names categories explicitly withdrawn by the fact. A new
	// snapshot starts empty, so these are recorded as detach events only.
	Revoke []string
	// Commit may be shared across requests; nil creates one per write.
	Commit *Commit
	// LogicalTime defaults to the write's created time when nil.
	LogicalTime *time.Time
}

// Filter narrows listCurrent and bulk lookups.
type Filter struct {
	Category string
	Kind     identity.Kind
	Keys     []identity.Key
	Limit    int
	Offset   int
}

// Page is one slice of current versions ordered by sequence ascending.
type Page struct {
	Count   int
	Limit   int
	Offset  int
	Results []*Version
}
