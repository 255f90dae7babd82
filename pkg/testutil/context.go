package testutil

import (
	"net/http"

	"consentledger/pkg/requestcontext"
)

// WithPrincipal marks the request as authenticated by credentialID, as the
// Hawk gateway would.
func WithPrincipal(req *http.Request, credentialID string) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), credentialID))
}

// WithClientMetadata sets the client address and user agent the metadata
// middleware would have extracted.
func WithClientMetadata(req *http.Request, clientIP, userAgent string) *http.Request {
	return req.WithContext(requestcontext.WithClientMetadata(req.Context(), clientIP, userAgent))
}

// WithRequestID sets the request id the request middleware would have
// assigned.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
