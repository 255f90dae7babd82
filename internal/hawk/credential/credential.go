// Package credential stores Hawk credentials. Stores never cache secrets:
// every Lookup reads the backing store so rotation and revocation take
// effect on the next request.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"consentledger/internal/hawk"
	dErrors "consentledger/pkg/domain-errors"
)

const (
	CapabilityCreate = "create"
	CapabilityRead   = "read"
)

var (
	knownCapabilities = map[string]bool{CapabilityCreate: true, CapabilityRead: true}
	idPattern         = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)
)

// GenerateSecret creates a random shared secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate checks a credential before it is stored.
func Validate(c *hawk.Credential) error {
	if !idPattern.MatchString(c.ID) {
		return dErrors.New(dErrors.CodeValidation, "credential id must be 1-128 characters of [A-Za-z0-9_.-]")
	}
	if len(c.Key) < 16 {
		return dErrors.New(dErrors.CodeValidation, "credential secret must be at least 16 characters")
	}
	alg, err := hawk.ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "unsupported algorithm")
	}
	c.Algorithm = alg
	for _, capability := range c.Capabilities {
		if !knownCapabilities[capability] {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown capability %q", capability))
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return nil
}
