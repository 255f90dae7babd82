package hawk

import (
	"errors"

	dErrors "consentledger/pkg/domain-errors"
)

// Reason classifies why a request was rejected. Reasons are logged and
// counted but never echoed to the client beyond a generic message.
type Reason string

const (
	ReasonMissingHeader     Reason = "missing_header"
	ReasonMalformedHeader   Reason = "malformed_header"
	ReasonUnknownCredential Reason = "unknown_credential"
	ReasonRevokedCredential Reason = "revoked_credential"
	ReasonStaleTimestamp    Reason = "stale_timestamp"
	ReasonBadMAC            Reason = "bad_mac"
	ReasonBadPayloadHash    Reason = "bad_payload_hash"
	ReasonMissingPayload    Reason = "missing_payload_hash"
	ReasonReplay            Reason = "replayed_nonce"
)

// RejectionError is returned for every authentication failure. It unwraps
// to an unauthorized domain error so transports map it to 401.
type RejectionError struct {
	Reason Reason
	// Challenge, when set, is sent back in WWW-Authenticate.
	Challenge string
	err       error
}

func (e *RejectionError) Error() string { return e.err.Error() }

func (e *RejectionError) Unwrap() error { return e.err }

func reject(reason Reason, msg string) error {
	return &RejectionError{
		Reason: reason,
		err:    dErrors.New(dErrors.CodeUnauthorized, msg),
	}
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
