package hawk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/sentinel"
)

const (
	DefaultSkew     = 60 * time.Second
	DefaultNonceTTL = 60 * time.Second
)

// AuthContext is what a successful verification yields. It is the only
// way to reach the AUTHENTICATED state; every failure is terminal.
type AuthContext struct {
	Credential *Credential
	Artifacts  Artifacts
	// PayloadVerified is true when the request carried a payload hash that
	// matched the body.
	PayloadVerified bool
}

// Verifier authenticates inbound requests.
type Verifier struct {
	credentials    CredentialStore
	nonces         NonceCache
	skew           time.Duration
	nonceTTL       time.Duration
	requirePayload bool
	trustProxy     bool
	clock          func() time.Time
	logger         *slog.Logger
	metrics        *Metrics
	tracer         trace.Tracer
}

type Option func(*Verifier)

// WithSkew sets the accepted clock difference in either direction.
func WithSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithNonceTTL sets the minimum time a nonce is remembered. A nonce is
// always kept until its timestamp has left the skew window.
func WithNonceTTL(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// WithRequirePayloadHash rejects requests with a body but no hash.
func WithRequirePayloadHash(required bool) Option {
	return func(v *Verifier) {
		v.requirePayload = required
	}
}

// WithTrustedProxy makes X-Forwarded-Host, -Port and -Proto authoritative
// for the host and port covered by the MAC.
func WithTrustedProxy(trust bool) Option {
	return func(v *Verifier) {
		v.trustProxy = trust
	}
}

func WithClock(clock func() time.Time) Option {
	return func(v *Verifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

func NewVerifier(credentials CredentialStore, nonces NonceCache, opts ...Option) *Verifier {
	v := &Verifier{
		credentials: credentials,
		nonces:      nonces,
		skew:        DefaultSkew,
		nonceTTL:    DefaultNonceTTL,
		clock:       time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("consentledger/hawk"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates r. body is the complete request body, already read
// by the caller. The nonce is recorded only after the MAC is proven, so
// forged requests cannot burn a legitimate client's nonces.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (*AuthContext, error) {
	ctx, span := v.tracer.Start(ctx, "hawk.Verify")
	defer span.End()

	auth, err := v.verify(ctx, r, body)
	if err != nil {
		reason, ok := ReasonOf(err)
		if !ok {
			reason = "error"
		}
		span.SetAttributes(attribute.String("hawk.rejection", string(reason)))
		span.SetStatus(codes.Error, string(reason))
		v.metrics.IncRejection(string(reason))
		return nil, err
	}
	span.SetAttributes(attribute.String("hawk.credential", auth.Credential.ID))
	v.metrics.IncAccepted()
	return auth, nil
}

func (v *Verifier) verify(ctx context.Context, r *http.Request, body []byte) (*AuthContext, error) {
	attrs, err := ParseHeader(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	for _, required := range []string{"id", "ts", "nonce", "mac"} {
		if attrs[required] == "" {
			return nil, reject(ReasonMalformedHeader, "missing "+required+" attribute")
		}
	}
	ts, err := strconv.ParseInt(attrs["ts"], 10, 64)
	if err != nil {
		return nil, reject(ReasonMalformedHeader, "invalid timestamp")
	}

	cred, err := v.credentials.Lookup(ctx, attrs["id"])
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return nil, reject(ReasonUnknownCredential, "unknown credentials")
		case errors.Is(err, sentinel.ErrRevoked):
			return nil, reject(ReasonRevokedCredential, "unknown credentials")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "credential lookup failed")
		}
	}

	host, port := v.hostPort(r)
	artifacts := Artifacts{
		Method:    r.Method,
		Host:      host,
		Port:      port,
		Resource:  r.URL.RequestURI(),
		Timestamp: ts,
		Nonce:     attrs["nonce"],
		Hash:      attrs["hash"],
		Ext:       attrs["ext"],
		App:       attrs["app"],
		Dlg:       attrs["dlg"],
	}

	expected := MAC([]byte(cred.Key), cred.Algorithm, kindHeader, artifacts)
	if !equal(expected, attrs["mac"]) {
		return nil, reject(ReasonBadMAC, "bad mac")
	}

	payloadVerified := false
	switch {
	case artifacts.Hash != "":
		if !equal(PayloadHash(cred.Algorithm, r.Header.Get("Content-Type"), body), artifacts.Hash) {
			return nil, reject(ReasonBadPayloadHash, "bad payload hash")
		}
		payloadVerified = true
	case v.requirePayload && len(body) > 0:
		return nil, reject(ReasonMissingPayload, "missing required payload hash")
	}

	now := v.clock()
	if d := now.Sub(time.Unix(ts, 0)); d > v.skew || d < -v.skew {
		serverTS := now.Unix()
		e := reject(ReasonStaleTimestamp, "stale timestamp").(*RejectionError)
		e.Challenge = FormatHeader(map[string]string{
			"ts":    strconv.FormatInt(serverTS, 10),
			"tsm":   TimestampMAC([]byte(cred.Key), cred.Algorithm, serverTS),
			"error": "Stale timestamp",
		})
		return nil, e
	}

	if err := v.nonces.Add(ctx, cred.ID, artifacts.Nonce, v.nonceLifetime(ts, now)); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			v.logger.WarnContext(ctx, "hawk nonce replayed",
				"credential_id", cred.ID,
				"nonce", artifacts.Nonce,
				"ts", ts,
			)
			v.metrics.IncReplay()
			return nil, reject(ReasonReplay, "replayed request")
		}
		return nil, dErrors.Wrap(fmt.Errorf("record nonce: %w", err), dErrors.CodeInternal, "replay cache unavailable")
	}

	return &AuthContext{
		Credential:      cred,
		Artifacts:       artifacts,
		PayloadVerified: payloadVerified,
	}, nil
}

// nonceLifetime keeps a nonce until ts is stale. A timestamp signed ahead
// of the server clock stays fresh for up to twice the skew. The extra second
// covers the whole-second resolution of ts.
func (v *Verifier) nonceLifetime(ts int64, now time.Time) time.Duration {
	ttl := time.Unix(ts, 0).Add(v.skew + time.Second).Sub(now)
	if ttl < v.nonceTTL {
		return v.nonceTTL
	}
	return ttl
}

func (v *Verifier) hostPort(r *http.Request) (string, string) {
	hostHeader := r.Host
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if v.trustProxy {
		if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
			hostHeader = strings.TrimSpace(strings.Split(fh, ",")[0])
		}
		if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
			proto = strings.ToLower(strings.TrimSpace(strings.Split(fp, ",")[0]))
		}
	}

	host, port, err := net.SplitHostPort(hostHeader)
	if err != nil {
		host = hostHeader
		port = ""
	}
	if v.trustProxy {
		if fp := r.Header.Get("X-Forwarded-Port"); fp != "" {
			port = strings.TrimSpace(strings.Split(fp, ",")[0])
		}
	}
	if port == "" {
		port = "80"
		if proto == "https" {
			port = "443"
		}
	}
	return host, port
}
