package hawk

import (
	"net/http"
)

const ServerAuthorizationHeader = "Server-Authorization"

// SignResponse computes the Server-Authorization value for a response to
// an authenticated request. The response MAC reuses the request's
// timestamp and nonce so the client can bind it to its own request.
func SignResponse(auth *AuthContext, contentType string, body []byte, ext string) string {
	cred := auth.Credential
	a := auth.Artifacts
	a.Hash = PayloadHash(cred.Algorithm, contentType, body)
	a.Ext = ext
	return FormatHeader(map[string]string{
		"mac":  MAC([]byte(cred.Key), cred.Algorithm, kindResponse, a),
		"hash": a.Hash,
		"ext":  ext,
	})
}

// VerifyResponse authenticates a server response against the artifacts
// of the request that produced it.
func VerifyResponse(cred *Credential, request Artifacts, resp *http.Response, body []byte) error {
	attrs, err := ParseServerHeader(resp.Header.Get(ServerAuthorizationHeader))
	if err != nil {
		return err
	}
	if attrs["mac"] == "" {
		return reject(ReasonMalformedHeader, "missing response mac")
	}
	a := request
	a.Hash = attrs["hash"]
	a.Ext = attrs["ext"]
	if !equal(MAC([]byte(cred.Key), cred.Algorithm, kindResponse, a), attrs["mac"]) {
		return reject(ReasonBadMAC, "bad response mac")
	}
	if a.Hash != "" {
		if !equal(PayloadHash(cred.Algorithm, resp.Header.Get("Content-Type"), body), a.Hash) {
			return reject(ReasonBadPayloadHash, "bad response payload hash")
		}
	}
	return nil
}
