package hawk

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Signer produces Authorization headers for outbound requests.
type Signer struct {
	Credential *Credential
	// Ext is optional application data covered by the MAC.
	Ext string
	// SkipPayloadHash omits the body hash. Servers that require payload
	// hashes will reject such requests.
	SkipPayloadHash bool
	Clock           func() time.Time
	Nonce           func() string
}

// Sign sets the Authorization header on req and returns the artifacts so
// the caller can verify the server's response. body must be the exact
// bytes that will be sent.
func (s *Signer) Sign(req *http.Request, body []byte) (Artifacts, error) {
	if s.Credential == nil {
		return Artifacts{}, fmt.Errorf("hawk signer: no credential")
	}
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	nonce := s.Nonce
	if nonce == nil {
		nonce = NewNonce
	}

	host, port := requestHostPort(req)
	a := Artifacts{
		Method:    req.Method,
		Host:      host,
		Port:      port,
		Resource:  req.URL.RequestURI(),
		Timestamp: clock().Unix(),
		Nonce:     nonce(),
		Ext:       s.Ext,
	}
	if !s.SkipPayloadHash {
		a.Hash = PayloadHash(s.Credential.Algorithm, req.Header.Get("Content-Type"), body)
	}
	cred := s.Credential
	req.Header.Set("Authorization", FormatHeader(map[string]string{
		"id":    cred.ID,
		"ts":    strconv.FormatInt(a.Timestamp, 10),
		"nonce": a.Nonce,
		"hash":  a.Hash,
		"ext":   a.Ext,
		"mac":   MAC([]byte(cred.Key), cred.Algorithm, kindHeader, a),
	}))
	return a, nil
}

func requestHostPort(req *http.Request) (string, string) {
	hostport := req.Host
	if hostport == "" {
		hostport = req.URL.Host
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
	}
	return host, port
}

// NewNonce returns a random URL-safe nonce.
func NewNonce() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("hawk: read random nonce: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Transport signs every request passing through it. When VerifyResponses
// is set, responses without a valid Server-Authorization header fail.
type Transport struct {
	Signer          *Signer
	Base            http.RoundTripper
	VerifyResponses bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	if len(body) == 0 {
		signed.Body = http.NoBody
	}

	artifacts, err := t.Signer.Sign(signed, body)
	if err != nil {
		return nil, err
	}
	resp, err := base.RoundTrip(signed)
	if err != nil || !t.VerifyResponses {
		return resp, err
	}

	respBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	if err := VerifyResponse(t.Signer.Credential, artifacts, resp, respBody); err != nil {
		return nil, fmt.Errorf("verify server authorization: %w", err)
	}
	return resp, nil
}
