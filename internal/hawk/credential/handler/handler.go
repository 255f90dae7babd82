// Package handler exposes operator endpoints for issuing, rotating and
// revoking Hawk credentials. Routes are mounted behind the admin token.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"consentledger/internal/hawk"
	"consentledger/internal/hawk/credential"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/platform/httputil"
	request "consentledger/pkg/platform/middleware/request"
	"consentledger/pkg/platform/sentinel"
	pstrings "consentledger/pkg/platform/strings"
)

const maxBodyBytes = 64 << 10

// Store is the credential administration surface.
type Store interface {
	Create(ctx context.Context, c *hawk.Credential) error
	Rotate(ctx context.Context, id, secret string) error
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context) ([]hawk.Credential, error)
}

type Handler struct {
	store  Store
	events audit.Sink
	logger *slog.Logger
}

// New creates a credential admin Handler. Events may be nil.
func New(store Store, events audit.Sink, logger *slog.Logger) *Handler {
	if events == nil {
		events = audit.Discard
	}
	return &Handler{store: store, events: events, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/credentials", h.handleList)
	r.Post("/credentials", h.handleCreate)
	r.Post("/credentials/{id}/rotate", h.handleRotate)
	r.Delete("/credentials/{id}", h.handleRevoke)
}

type CreateCredentialRequest struct {
	ID           string   `json:"id"`
	Algorithm    string   `json:"algorithm,omitempty"`
	Capabilities []string `json:"capabilities"`
	Description  string   `json:"description,omitempty"`
}

type CredentialResponse struct {
	ID           string     `json:"id"`
	Algorithm    string     `json:"algorithm"`
	Capabilities []string   `json:"capabilities"`
	Description  string     `json:"description,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	// Secret is only returned when it was just generated.
	Secret string `json:"secret,omitempty"`
}

func toResponse(c hawk.Credential) CredentialResponse {
	caps := c.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return CredentialResponse{
		ID:           c.ID,
		Algorithm:    string(c.Algorithm),
		Capabilities: caps,
		Description:  c.Description,
		CreatedAt:    c.CreatedAt,
		RevokedAt:    c.RevokedAt,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, r, "failed to list credentials", err)
		return
	}
	out := make([]CredentialResponse, 0, len(creds))
	for _, c := range creds {
		out = append(out, toResponse(c))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"count": len(out), "results": out})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body CreateCredentialRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	secret, err := credential.GenerateSecret()
	if err != nil {
		h.fail(w, r, "failed to generate secret", err)
		return
	}
	alg := body.Algorithm
	if alg == "" {
		alg = string(hawk.SHA256)
	}
	c := &hawk.Credential{
		ID:           body.ID,
		Key:          secret,
		Algorithm:    hawk.Algorithm(alg),
		Capabilities: pstrings.UniqueFold(body.Capabilities),
		Description:  body.Description,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.Create(ctx, c); err != nil {
		h.fail(w, r, "failed to create credential", err)
		return
	}
	h.record(ctx, audit.EventCredentialIssued, c.ID)

	resp := toResponse(*c)
	resp.Secret = secret
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	secret, err := credential.GenerateSecret()
	if err != nil {
		h.fail(w, r, "failed to generate secret", err)
		return
	}
	if err := h.store.Rotate(ctx, id, secret); err != nil {
		h.fail(w, r, "failed to rotate credential", err)
		return
	}
	h.record(ctx, audit.EventCredentialRotated, id)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "secret": secret})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.store.Revoke(ctx, id); err != nil {
		h.fail(w, r, "failed to revoke credential", err)
		return
	}
	h.record(ctx, audit.EventCredentialRevoked, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(ctx context.Context, action audit.AuditEvent, id string) {
	if err := h.events.Emit(ctx, audit.Event{Action: action, Subject: id}); err != nil {
		h.logger.WarnContext(ctx, "failed to record credential event",
			"request_id", request.GetRequestID(ctx),
			"action", action,
			"error", err.Error(),
		)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	err = translate(err)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, "request_id", request.GetRequestID(ctx), "error", err.Error())
	} else {
		h.logger.WarnContext(ctx, msg, "request_id", request.GetRequestID(ctx), "error", err.Error())
	}
	httputil.WriteError(w, err)
}

func translate(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "credential not found")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeConflict, "credential id already exists")
	default:
		return err
	}
}
