// Package reconcile pulls consent facts from external systems and writes
// the ones that change an identity's state through the ledger service.
package reconcile

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
)

// Fact is one assertion from an external system: this contact does or does
// not consent to Category.
type Fact struct {
	Contact  identity.Contact
	Category string
	Granted  bool
	// OccurredAt is the upstream event time. It becomes the version's
	// logical time; nil means the time of the write.
	OccurredAt *time.Time
	// RecordID identifies the upstream record for the commit.
	RecordID string
	// Extra is merged into the commit metadata.
	Extra map[string]any
	// AfterWrite runs once the fact has been written. Sources use it to
	// acknowledge or delete the upstream record.
	AfterWrite func(ctx context.Context) error
}

// ErrNotWritten is wrapped by EmitFunc when a fact could not be written.
// A source that keeps a cursor must stop without advancing past the fact.
// A source that re-reads everything each run may go on to the next fact.
var ErrNotWritten = errors.New("fact not written")

// EmitFunc hands one fact to the runner. It returns the context error once
// the run is cancelled; sources must stop fetching on any error that does
// not wrap ErrNotWritten.
type EmitFunc func(ctx context.Context, fact Fact) error

// Source is an external system that asserts consent facts.
type Source interface {
	// Name is recorded as the commit source.
	Name() string
	// FetchFacts streams facts to emit until the source is exhausted.
	FetchFacts(ctx context.Context, emit EmitFunc) error
	// ShouldWrite reports whether fact changes the identity's state.
	// current is nil when the identity has no version yet.
	ShouldWrite(current *models.Version, fact Fact) bool
}

// StandardPolicy writes a fact only when the identity is unknown or its
// current version disagrees with the asserted consent.
type StandardPolicy struct{}

func (StandardPolicy) ShouldWrite(current *models.Version, fact Fact) bool {
	if current == nil {
		return true
	}
	return current.Has(fact.Category) != fact.Granted
}

// OptOutPolicy only ever records withdrawals. A fact granting consent is
// never written, so a source that reports opt-outs cannot grant consent by
// accident.
type OptOutPolicy struct{}

func (OptOutPolicy) ShouldWrite(current *models.Version, fact Fact) bool {
	if fact.Granted {
		return false
	}
	return StandardPolicy{}.ShouldWrite(current, fact)
}

// writeRequest builds the ledger write for fact. The new snapshot carries
// the current version's other categories forward.
func writeRequest(source string, current *models.Version, fact Fact, now time.Time) models.WriteRequest {
	var grant, revoke []string
	if current != nil {
		for _, c := range current.Consents {
			if c != fact.Category {
				grant = append(grant, c)
			}
		}
	}
	if fact.Granted {
		grant = append(grant, fact.Category)
	} else {
		revoke = []string{fact.Category}
	}
	slices.Sort(grant)

	extra := make(map[string]any, len(fact.Extra)+2)
	maps.Copy(extra, fact.Extra)
	if fact.RecordID != "" {
		extra["record_id"] = fact.RecordID
	}
	if fact.OccurredAt != nil {
		extra["source_timestamp"] = fact.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	return models.WriteRequest{
		Contact:     fact.Contact,
		Grant:       grant,
		Revoke:      revoke,
		Commit:      models.NewCommit(source, extra, now),
		LogicalTime: fact.OccurredAt,
	}
}
