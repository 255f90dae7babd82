package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"consentledger/pkg/requestcontext"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers consent mutations. These are written in the
	// same transaction as the ledger change and must never be dropped.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers rejected requests: bad signatures, replays,
	// missing capabilities.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity such as reconciliation runs.
	CategoryOperations EventCategory = "operations"
)

// Verb is the coarse mutation kind recorded for each event.
type Verb string

const (
	VerbCreate Verb = "Create"
	VerbAdd    Verb = "Add"
	VerbRemove Verb = "Remove"
	VerbUpdate Verb = "Update"
	VerbReject Verb = "Reject"
	VerbRun    Verb = "Run"
)

type AuditEvent string

const (
	// Ledger events
	EventVersionCreated  AuditEvent = "ledger_version_created"
	EventConsentAttached AuditEvent = "consent_attached"
	EventConsentDetached AuditEvent = "consent_detached"

	// Gateway events
	EventAuthRejected     AuditEvent = "auth_rejected"
	EventNonceReplayed    AuditEvent = "nonce_replayed"
	EventCapabilityDenied AuditEvent = "capability_denied"

	// Credential administration events
	EventCredentialIssued  AuditEvent = "credential_issued"
	EventCredentialRotated AuditEvent = "credential_rotated"
	EventCredentialRevoked AuditEvent = "credential_revoked"

	// Reconciliation events
	EventReconcileCompleted AuditEvent = "reconcile_completed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventVersionCreated:  CategoryCompliance,
	EventConsentAttached: CategoryCompliance,
	EventConsentDetached: CategoryCompliance,

	EventAuthRejected:     CategorySecurity,
	EventNonceReplayed:    CategorySecurity,
	EventCapabilityDenied: CategorySecurity,

	EventCredentialIssued:  CategorySecurity,
	EventCredentialRotated: CategorySecurity,
	EventCredentialRevoked: CategorySecurity,

	EventReconcileCompleted: CategoryOperations,
}

var eventVerbs = map[AuditEvent]Verb{
	EventVersionCreated:     VerbCreate,
	EventConsentAttached:    VerbAdd,
	EventConsentDetached:    VerbRemove,
	EventAuthRejected:       VerbReject,
	EventNonceReplayed:      VerbReject,
	EventCapabilityDenied:   VerbReject,
	EventCredentialIssued:   VerbCreate,
	EventCredentialRotated:  VerbUpdate,
	EventCredentialRevoked:  VerbRemove,
	EventReconcileCompleted: VerbRun,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Verb returns the mutation kind for this audit event.
func (e AuditEvent) Verb() Verb {
	if v, ok := eventVerbs[e]; ok {
		return v
	}
	return VerbRun
}

// Event is one structured audit record. Contact values never appear in
// clear: Subject carries the identity key or the credential id.
type Event struct {
	ID        uuid.UUID
	Category  EventCategory
	Verb      Verb
	Timestamp time.Time
	Action    AuditEvent
	// Subject is the identity key (hex) for ledger events and the credential
	// id for gateway events.
	Subject string
	// Object is the version id or consent category the event is about.
	Object   string
	CommitID string
	Source   string
	Reason   string

	ActorID    string
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

// Actor identifies who caused a batch of events.
type Actor struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

// ActorFromContext builds the actor of an HTTP request from the values the
// metadata, request id and authentication middleware stored in ctx.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		ID:         requestcontext.Principal(ctx),
		RemoteAddr: requestcontext.ClientIP(ctx),
		UserAgent:  requestcontext.UserAgent(ctx),
		RequestID:  requestcontext.RequestID(ctx),
	}
}

// Sink receives audit events. The ledger write path takes one explicitly so
// every mutation is recorded by whoever initiated it.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// Normalize fills the derived fields of event from actor and now.
func Normalize(event Event, actor Actor, now time.Time) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.Category = event.Action.Category()
	event.Verb = event.Action.Verb()
	if event.ActorID == "" {
		event.ActorID = actor.ID
	}
	if event.RemoteAddr == "" {
		event.RemoteAddr = actor.RemoteAddr
	}
	if event.UserAgent == "" {
		event.UserAgent = actor.UserAgent
	}
	if event.RequestID == "" {
		event.RequestID = actor.RequestID
	}
	return event
}
