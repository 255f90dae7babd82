// Package identity turns raw contact values into canonical identity keys.
//
// Every version of one real-world identity shares a key. The key is a BLAKE2b
// 512-bit digest over the normalized value and its kind, so an email and a
// phone number with the same text never collide.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"

	dErrors "consentledger/pkg/domain-errors"
)

// Kind is the type of contact value a version is keyed on.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
)

// ParseKind validates an external kind value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindEmail, KindPhone:
		return k, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "key_type must be email or phone")
	}
}

// KeySize is the digest length in bytes.
const KeySize = blake2b.Size

// Key is the canonical identity key.
type Key [KeySize]byte

// String renders the key as lowercase hex.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Bytes returns a copy of the key bytes for storage.
func (k Key) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// LockID folds the key into a signed 64-bit value for advisory locking.
func (k Key) LockID() int64 { return int64(binary.BigEndian.Uint64(k[:8])) }

// IsZero reports whether the key was never derived.
func (k Key) IsZero() bool { return k == Key{} }

// KeyFromBytes rebuilds a key read from storage.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, dErrors.New(dErrors.CodeValidation, "identity key has wrong length")
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey decodes a hex key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, dErrors.New(dErrors.CodeValidation, "identity key must be hex")
	}
	return KeyFromBytes(b)
}

var (
	// E.164: leading +, country code without a leading zero, at most 15 digits.
	phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Normalize canonicalizes a contact value for its kind. Emails are
// lower-cased; phones must already be E.164 and are otherwise left as given.
func Normalize(value string, kind Kind) (string, error) {
	value = strings.TrimSpace(value)
	switch kind {
	case KindEmail:
		value = strings.ToLower(value)
		if len(value) > 254 || !emailPattern.MatchString(value) {
			return "", dErrors.New(dErrors.CodeValidation, "enter a valid email address")
		}
		return value, nil
	case KindPhone:
		if !phonePattern.MatchString(value) {
			return "", dErrors.New(dErrors.CodeValidation, "phone must be in E.164 format")
		}
		return value, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "unknown contact kind")
	}
}

// DeriveKey normalizes value and returns its identity key.
func DeriveKey(value string, kind Kind) (Key, error) {
	normalized, err := Normalize(value, kind)
	if err != nil {
		return Key{}, err
	}
	return digest(normalized, kind), nil
}

func digest(normalized string, kind Kind) Key {
	return blake2b.Sum512([]byte(normalized + ":" + string(kind)))
}

// Contact is a raw identity as supplied by a writer: exactly one field set.
type Contact struct {
	Email string
	Phone string
}

// Identity is a validated, normalized contact with its key.
type Identity struct {
	Value string
	Kind  Kind
	Key   Key
}

// Resolve enforces the single-populated-contact rule and derives the key.
func (c Contact) Resolve() (Identity, error) {
	email := strings.TrimSpace(c.Email)
	phone := strings.TrimSpace(c.Phone)
	switch {
	case email != "" && phone != "":
		return Identity{}, dErrors.New(dErrors.CodeValidation, "only one of email or phone may be supplied")
	case email == "" && phone == "":
		return Identity{}, dErrors.New(dErrors.CodeValidation, "one of email or phone must be supplied")
	}

	kind, value := KindEmail, email
	if phone != "" {
		kind, value = KindPhone, phone
	}
	normalized, err := Normalize(value, kind)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Value: normalized, Kind: kind, Key: digest(normalized, kind)}, nil
}

// FromValue builds a Contact from a value whose kind is inferred: values that
// start with "+" are phones, everything else is an email.
func FromValue(value string) Contact {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "+") {
		return Contact{Phone: value}
	}
	return Contact{Email: value}
}

// Mask hides most of a contact value for logs: "fo...@...r.com", "+44...89".
func Mask(value string) string {
	if at := strings.LastIndexByte(value, '@'); at >= 0 {
		local, domain := value[:at], value[at+1:]
		return prefix(local, 2) + "...@..." + suffix(domain, 5)
	}
	return prefix(value, 3) + "..." + suffix(value, 2)
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func suffix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[len(s)-n:]
}
