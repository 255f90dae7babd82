package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"consentledger/internal/identity"
	"consentledger/internal/ledger/models"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/platform/httputil"
	"consentledger/pkg/platform/middleware/request"
	"consentledger/pkg/requestcontext"
)

// Capabilities a credential must hold for each route group.
const (
	CapabilityCreate = "create"
	CapabilityRead   = "read"
)

const maxBodyBytes = 1 << 20

// Service defines the ledger operations the HTTP API exposes.
type Service interface {
	WriteVersion(ctx context.Context, req models.WriteRequest, sink audit.Sink) (*models.Version, error)
	GetCurrent(ctx context.Context, contact identity.Contact) (*models.Version, bool, error)
	ListCurrent(ctx context.Context, filter models.Filter) (*models.Page, error)
	BulkLookup(ctx context.Context, contacts []identity.Contact, filter models.Filter) (*models.Page, error)
	History(ctx context.Context, contact identity.Contact) ([]*models.Version, error)
	Categories(ctx context.Context) ([]models.Category, error)
}

// Auditor hands out a sink bound to the request's actor.
type Auditor interface {
	For(actor audit.Actor) audit.Sink
}

// Guard returns middleware that admits only credentials holding capability.
type Guard func(capability string) func(http.Handler) http.Handler

// Handler serves the Write and Read APIs.
type Handler struct {
	ledger  Service
	auditor Auditor
	logger  *slog.Logger
	guard   Guard
}

// New creates a ledger Handler. A nil guard admits every request.
func New(ledger Service, auditor Auditor, logger *slog.Logger, guard Guard) *Handler {
	if guard == nil {
		guard = func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	return &Handler{
		ledger:  ledger,
		auditor: auditor,
		logger:  logger,
		guard:   guard,
	}
}

// Register registers the ledger routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard(CapabilityCreate))
		r.Post("/person", h.handleCreatePerson)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard(CapabilityRead))
		r.Get("/person", h.handleListPeople)
		r.Post("/person/bulk_lookup", h.handleBulkLookup)
		r.Get("/person/{contact}", h.handleGetPerson)
		r.Get("/person/{contact}/history", h.handleHistory)
		r.Get("/consent", h.handleListCategories)
	})
}

func (h *Handler) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	var body CreatePersonRequest
	if err := decodeJSON(r, &body); err != nil {
		h.logger.WarnContext(ctx, "invalid create person request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	req := models.WriteRequest{
		Contact:     identity.Contact{Email: body.Email, Phone: body.Phone},
		Grant:       body.Consents,
		Revoke:      body.Revoked,
		Commit:      models.NewCommit(r.URL.Path, map[string]any{"request_id": requestID}, requestcontext.Now(ctx).UTC()),
		LogicalTime: body.ModifiedAt,
	}
	version, err := h.ledger.WriteVersion(ctx, req, h.auditor.For(audit.ActorFromContext(ctx)))
	if err != nil {
		h.logFailure(ctx, "failed to write ledger version", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toVersionResponse(version))
}

func (h *Handler) handleListPeople(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.ledger.ListCurrent(r.Context(), filter)
	if err != nil {
		h.logFailure(r.Context(), "failed to list people", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPageResponse(page, absoluteURL(r)))
}

func (h *Handler) handleBulkLookup(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var body BulkLookupRequest
	if err := decodeJSON(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	contacts := make([]identity.Contact, 0, len(body.Emails)+len(body.Phones))
	for _, e := range body.Emails {
		contacts = append(contacts, identity.Contact{Email: e})
	}
	for _, p := range body.Phones {
		contacts = append(contacts, identity.Contact{Phone: p})
	}

	page, err := h.ledger.BulkLookup(r.Context(), contacts, filter)
	if err != nil {
		h.logFailure(r.Context(), "bulk lookup failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toPageResponse(page, absoluteURL(r)))
}

func (h *Handler) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	contact, err := contactParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	version, found, err := h.ledger.GetCurrent(r.Context(), contact)
	if err != nil {
		h.logFailure(r.Context(), "failed to read person", err)
		httputil.WriteError(w, err)
		return
	}
	if !found {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVersionResponse(version))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	contact, err := contactParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	versions, err := h.ledger.History(r.Context(), contact)
	if err != nil {
		h.logFailure(r.Context(), "failed to read history", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(versions),
		"results": toVersionResponses(versions),
	})
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.ledger.Categories(r.Context())
	if err != nil {
		h.logFailure(r.Context(), "failed to list categories", err)
		httputil.WriteError(w, err)
		return
	}
	resp := CategoryListResponse{Count: len(categories), Results: make([]CategoryResponse, 0, len(categories))}
	for _, c := range categories {
		resp.Results = append(resp.Results, CategoryResponse{ID: c.ID, Name: c.Name, Description: c.Description})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// logFailure logs client errors at warn and everything else at error.
func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation, dErrors.CodeBadRequest, dErrors.CodeNotFound:
		h.logger.WarnContext(ctx, msg, "request_id", request.GetRequestID(ctx), "error", err.Error())
	default:
		h.logger.ErrorContext(ctx, msg, "request_id", request.GetRequestID(ctx), "error", err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return dErrors.New(dErrors.CodeBadRequest, "request body is required")
		}
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// contactParam reads {contact}; a leading "+" selects the phone kind.
func contactParam(r *http.Request) (identity.Contact, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "contact"))
	if err != nil || strings.TrimSpace(raw) == "" {
		return identity.Contact{}, dErrors.New(dErrors.CodeBadRequest, "invalid contact")
	}
	return identity.FromValue(raw), nil
}

// parseFilter reads limit, offset, kind and the category filter. Both
// "consents__name" and "consents" name the category.
func parseFilter(q url.Values) (models.Filter, error) {
	var filter models.Filter
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return filter, dErrors.New(dErrors.CodeValidation, "limit must be a non-negative integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			return filter, dErrors.New(dErrors.CodeValidation, "offset must be a non-negative integer")
		}
	}
	if v := q.Get("key_type"); v != "" {
		if filter.Kind, err = identity.ParseKind(v); err != nil {
			return filter, err
		}
	}
	filter.Category = q.Get("consents__name")
	if filter.Category == "" {
		filter.Category = q.Get("consents")
	}
	return filter, nil
}

func absoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		u.Scheme = "https"
	}
	return &u
}
