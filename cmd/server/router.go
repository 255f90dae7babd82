package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	credentialhandler "consentledger/internal/hawk/credential/handler"
	hawkmw "consentledger/internal/hawk/middleware"
	ledgerhandler "consentledger/internal/ledger/handler"
	"consentledger/pkg/platform/httputil"
	"consentledger/pkg/platform/middleware/admin"
	"consentledger/pkg/platform/middleware/metadata"
	request "consentledger/pkg/platform/middleware/request"
	"consentledger/pkg/platform/middleware/requesttime"
)

type routes struct {
	logger      *slog.Logger
	gateway     *hawkmw.Gateway
	ledger      *ledgerhandler.Handler
	credentials *credentialhandler.Handler
	adminToken  string
	metrics     http.Handler
	health      http.HandlerFunc
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(rt.logger))
	r.Use(request.Logger(rt.logger))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(chimw.StripSlashes)

	r.Get("/healthz", rt.health)
	if rt.metrics != nil {
		r.Handle("/metrics", rt.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(request.NeverCache)
		r.Use(rt.gateway.Authenticate)
		rt.ledger.Register(r)
	})

	if rt.credentials != nil && rt.adminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(request.NeverCache)
			r.Use(admin.RequireAdminToken(rt.adminToken, rt.logger))
			rt.credentials.Register(r)
		})
	}
	return r
}

func okHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
