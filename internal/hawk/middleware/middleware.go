// Package middleware puts the Hawk verifier in front of HTTP handlers.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"consentledger/internal/hawk"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/platform/httputil"
	"consentledger/pkg/platform/middleware/request"
	"consentledger/pkg/requestcontext"
)

const defaultMaxBody = 1 << 20

// Verifier authenticates a request whose body has already been read.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (*hawk.AuthContext, error)
}

type contextKeyAuth struct{}

// AuthFromContext returns the verified Hawk context, if any.
func AuthFromContext(ctx context.Context) (*hawk.AuthContext, bool) {
	auth, ok := ctx.Value(contextKeyAuth{}).(*hawk.AuthContext)
	return auth, ok && auth != nil
}

// WithAuth stores auth in ctx.
func WithAuth(ctx context.Context, auth *hawk.AuthContext) context.Context {
	return context.WithValue(ctx, contextKeyAuth{}, auth)
}

// Gateway authenticates requests and optionally signs responses.
type Gateway struct {
	verifier      Verifier
	events        audit.Sink
	logger        *slog.Logger
	maxBody       int64
	signResponses bool
}

type Option func(*Gateway)

// WithSecurityEvents sends every rejection to sink.
func WithSecurityEvents(sink audit.Sink) Option {
	return func(g *Gateway) {
		if sink != nil {
			g.events = sink
		}
	}
}

// WithResponseSigning adds a Server-Authorization header to every
// response of an authenticated request.
func WithResponseSigning(enabled bool) Option {
	return func(g *Gateway) {
		g.signResponses = enabled
	}
}

func WithMaxBody(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

func NewGateway(verifier Verifier, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		verifier:      verifier,
		events:        audit.Discard,
		logger:        logger,
		maxBody:       defaultMaxBody,
		signResponses: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate rejects any request that does not carry a valid Hawk
// header. The body is buffered for the MAC check and replaced so the
// handler can read it again.
func (g *Gateway) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "request body too large"))
				return
			}
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		auth, err := g.verifier.Verify(ctx, r, body)
		if err != nil {
			g.rejected(ctx, w, r, err)
			return
		}

		ctx = requestcontext.WithPrincipal(ctx, auth.Credential.ID)
		ctx = WithAuth(ctx, auth)
		r = r.WithContext(ctx)

		if !g.signResponses {
			next.ServeHTTP(w, r)
			return
		}
		sw := &signingWriter{header: w.Header(), status: http.StatusOK}
		next.ServeHTTP(sw, r)
		w.Header().Set(hawk.ServerAuthorizationHeader,
			hawk.SignResponse(auth, w.Header().Get("Content-Type"), sw.body.Bytes(), ""))
		w.WriteHeader(sw.status)
		if _, err := w.Write(sw.body.Bytes()); err != nil {
			g.logger.ErrorContext(ctx, "failed to write signed response",
				"error", err,
				"request_id", request.GetRequestID(ctx),
			)
		}
	})
}

func (g *Gateway) rejected(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	requestID := request.GetRequestID(ctx)
	reason, isRejection := hawk.ReasonOf(err)
	if !isRejection {
		g.logger.ErrorContext(ctx, "hawk verification failed",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	credentialID := attemptedCredential(r)
	g.logger.WarnContext(ctx, "unauthorized request",
		"reason", string(reason),
		"credential_id", credentialID,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
	)

	action := audit.EventAuthRejected
	if reason == hawk.ReasonReplay {
		action = audit.EventNonceReplayed
	}
	g.emit(ctx, audit.Event{
		Action:  action,
		Subject: credentialID,
		Object:  r.Method + " " + r.URL.Path,
		Reason:  string(reason),
	})

	var rejection *hawk.RejectionError
	challenge := "Hawk"
	if errors.As(err, &rejection) && rejection.Challenge != "" {
		challenge = rejection.Challenge
	}
	w.Header().Set("WWW-Authenticate", challenge)
	httputil.WriteError(w, err)
}

func (g *Gateway) emit(ctx context.Context, event audit.Event) {
	event = audit.Normalize(event, audit.ActorFromContext(ctx), requestcontext.Now(ctx))
	if err := g.events.Emit(ctx, event); err != nil {
		g.logger.ErrorContext(ctx, "failed to emit security event",
			"error", err,
			"action", string(event.Action),
		)
	}
}

// RequireCapability admits only credentials holding capability. It must
// run after Authenticate.
func (g *Gateway) RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			auth, ok := AuthFromContext(ctx)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if !auth.Credential.Can(capability) {
				g.logger.WarnContext(ctx, "credential lacks capability",
					"credential_id", auth.Credential.ID,
					"capability", capability,
					"request_id", request.GetRequestID(ctx),
				)
				g.emit(ctx, audit.Event{
					Action:  audit.EventCapabilityDenied,
					Subject: auth.Credential.ID,
					Object:  capability,
					Reason:  "missing_capability",
				})
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "credential does not have the "+capability+" capability"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// attemptedCredential extracts the id attribute for logging even when the
// header failed verification.
func attemptedCredential(r *http.Request) string {
	attrs, err := hawk.ParseHeader(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	id := attrs["id"]
	if len(id) > 128 {
		id = id[:128]
	}
	return strings.TrimSpace(id)
}

// signingWriter holds the response until the handler returns so its body
// can be covered by the Server-Authorization MAC.
type signingWriter struct {
	header http.Header
	status int
	wrote  bool
	body   bytes.Buffer
}

func (s *signingWriter) Header() http.Header { return s.header }

func (s *signingWriter) WriteHeader(code int) {
	if s.wrote {
		return
	}
	s.status = code
	s.wrote = true
}

func (s *signingWriter) Write(p []byte) (int, error) {
	s.wrote = true
	return s.body.Write(p)
}
