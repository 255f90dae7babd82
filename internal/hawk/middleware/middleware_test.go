package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"consentledger/internal/hawk"
	"consentledger/internal/hawk/credential"
	"consentledger/internal/hawk/middleware"
	"consentledger/internal/hawk/nonce"
	"consentledger/pkg/platform/audit"
	"consentledger/pkg/requestcontext"
)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

type GatewaySuite struct {
	suite.Suite
	router  chi.Router
	events  *recordingSink
	writer  *hawk.Credential
	reader  *hawk.Credential
	counter int
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.writer = &hawk.Credential{ID: "writer", Key: "writer-secret-0123456789", Algorithm: hawk.SHA256,
		Capabilities: []string{credential.CapabilityCreate, credential.CapabilityRead}}
	s.reader = &hawk.Credential{ID: "reader", Key: "reader-secret-0123456789", Algorithm: hawk.SHA256,
		Capabilities: []string{credential.CapabilityRead}}

	verifier := hawk.NewVerifier(credential.NewInMemory(*s.writer, *s.reader), nonce.NewInMemory())
	s.events = &recordingSink{}
	gw := middleware.NewGateway(verifier, slog.New(slog.NewTextHandler(io.Discard, nil)),
		middleware.WithSecurityEvents(s.events),
	)

	r := chi.NewRouter()
	r.Use(gw.Authenticate)
	r.With(gw.RequireCapability(credential.CapabilityCreate)).Post("/person", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"principal": requestcontext.Principal(r.Context()),
			"echo":      string(body),
		})
	})
	r.With(gw.RequireCapability(credential.CapabilityRead)).Get("/person", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count":0}`))
	})
	s.router = r
}

func (s *GatewaySuite) signed(cred *hawk.Credential, method, target string, body []byte) (*http.Request, hawk.Artifacts) {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.counter++
	nonceValue := fmt.Sprintf("nonce-%d", s.counter)
	signer := &hawk.Signer{Credential: cred, Nonce: func() string { return nonceValue }}
	artifacts, err := signer.Sign(req, body)
	s.Require().NoError(err)
	return req, artifacts
}

func (s *GatewaySuite) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *GatewaySuite) TestAuthenticatedWriteIsSigned() {
	body := []byte(`{"email":"foo@bar.com"}`)
	req, artifacts := s.signed(s.writer, http.MethodPost, "http://api.example.com/person", body)

	rec := s.serve(req)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var got map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &got))
	s.Equal("writer", got["principal"])
	s.Equal(string(body), got["echo"], "handler sees the original body")

	resp := rec.Result()
	s.NoError(hawk.VerifyResponse(s.writer, artifacts, resp, rec.Body.Bytes()))
}

func (s *GatewaySuite) TestMissingCapabilityIsForbidden() {
	req, _ := s.signed(s.reader, http.MethodPost, "http://api.example.com/person", []byte(`{}`))
	rec := s.serve(req)
	s.Equal(http.StatusForbidden, rec.Code)

	events := s.events.all()
	s.Require().Len(events, 1)
	s.Equal(audit.EventCapabilityDenied, events[0].Action)
	s.Equal("reader", events[0].Subject)
	s.Equal(audit.CategorySecurity, events[0].Category)
}

func (s *GatewaySuite) TestReaderCanRead() {
	req, _ := s.signed(s.reader, http.MethodGet, "http://api.example.com/person", nil)
	rec := s.serve(req)
	s.Equal(http.StatusOK, rec.Code)
	s.NotEmpty(rec.Header().Get(hawk.ServerAuthorizationHeader))
}

func (s *GatewaySuite) TestUnsignedRequest() {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/person", nil)
	rec := s.serve(req)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Equal("Hawk", rec.Header().Get("WWW-Authenticate"))
	s.JSONEq(`{"error":"unauthorized","error_description":"missing authorization header"}`, rec.Body.String())

	events := s.events.all()
	s.Require().Len(events, 1)
	s.Equal(audit.EventAuthRejected, events[0].Action)
	s.Equal(string(hawk.ReasonMissingHeader), events[0].Reason)
}

func (s *GatewaySuite) TestReplayIsUnauthorizedAndAudited() {
	req, _ := s.signed(s.reader, http.MethodGet, "http://api.example.com/person", nil)
	s.Require().Equal(http.StatusOK, s.serve(req).Code)

	replay := httptest.NewRequest(http.MethodGet, "http://api.example.com/person", nil)
	replay.Header.Set("Authorization", req.Header.Get("Authorization"))
	rec := s.serve(replay)
	s.Equal(http.StatusUnauthorized, rec.Code)

	events := s.events.all()
	s.Require().Len(events, 1)
	s.Equal(audit.EventNonceReplayed, events[0].Action)
	s.Equal("reader", events[0].Subject)
}

func (s *GatewaySuite) TestStaleTimestampReturnsChallenge() {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/person", nil)
	signer := &hawk.Signer{Credential: s.reader, Clock: func() time.Time { return time.Now().Add(-10 * time.Minute) }}
	_, err := signer.Sign(req, nil)
	s.Require().NoError(err)

	rec := s.serve(req)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Contains(rec.Header().Get("WWW-Authenticate"), `tsm="`)
}

func (s *GatewaySuite) TestOversizedBody() {
	verifier := hawk.NewVerifier(credential.NewInMemory(*s.writer), nonce.NewInMemory())
	gw := middleware.NewGateway(verifier, slog.New(slog.NewTextHandler(io.Discard, nil)), middleware.WithMaxBody(8))
	handler := gw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req, _ := s.signed(s.writer, http.MethodPost, "http://api.example.com/person", []byte(`{"email":"foo@bar.com"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	s.Equal(http.StatusBadRequest, rec.Code)
}
