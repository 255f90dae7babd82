// Package hawk implements Hawk request authentication: header parsing,
// MAC computation, server-side verification with replay protection,
// response signing and a signing client transport.
package hawk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	scheme = "Hawk"

	// maxHeaderLength bounds the Authorization header before parsing.
	maxHeaderLength = 4096
)

// attributeValue is the character set Hawk allows inside quoted values.
var attributeValue = regexp.MustCompile(`^[\w!#$%&'()*+,\-./:;<=>?@\[\]^` + "`" + `{|}~ ]*$`)

var requestAttributes = map[string]bool{
	"id": true, "ts": true, "nonce": true, "hash": true,
	"ext": true, "mac": true, "app": true, "dlg": true,
}

var responseAttributes = map[string]bool{
	"mac": true, "hash": true, "ext": true,
}

// ParseHeader splits a Hawk Authorization header into its attributes.
// Unknown or duplicated attributes and illegal characters are rejected.
func ParseHeader(header string) (map[string]string, error) {
	return parse(header, requestAttributes)
}

// ParseServerHeader parses a Server-Authorization header.
func ParseServerHeader(header string) (map[string]string, error) {
	return parse(header, responseAttributes)
}

func parse(header string, allowed map[string]bool) (map[string]string, error) {
	if header == "" {
		return nil, reject(ReasonMissingHeader, "missing authorization header")
	}
	if len(header) > maxHeaderLength {
		return nil, reject(ReasonMalformedHeader, "authorization header too long")
	}
	prefix, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(prefix, scheme) {
		return nil, reject(ReasonMissingHeader, "authorization scheme is not Hawk")
	}

	attrs := make(map[string]string)
	rest = strings.TrimSpace(rest)
	for rest != "" {
		name, after, ok := strings.Cut(rest, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || !strings.HasPrefix(after, `"`) {
			return nil, reject(ReasonMalformedHeader, "malformed authorization header")
		}
		end := strings.IndexByte(after[1:], '"')
		if end < 0 {
			return nil, reject(ReasonMalformedHeader, "unterminated attribute value")
		}
		value := after[1 : end+1]
		rest = strings.TrimSpace(after[end+2:])
		if rest != "" {
			if rest[0] != ',' {
				return nil, reject(ReasonMalformedHeader, "malformed authorization header")
			}
			rest = strings.TrimSpace(rest[1:])
		}

		if !allowed[name] {
			return nil, reject(ReasonMalformedHeader, fmt.Sprintf("unknown attribute %q", name))
		}
		if _, dup := attrs[name]; dup {
			return nil, reject(ReasonMalformedHeader, fmt.Sprintf("duplicate attribute %q", name))
		}
		if !attributeValue.MatchString(value) {
			return nil, reject(ReasonMalformedHeader, fmt.Sprintf("bad attribute value for %q", name))
		}
		attrs[name] = value
	}
	return attrs, nil
}

// FormatHeader renders attributes as a Hawk header value. Empty values are
// omitted; order is stable for tests and logs.
func FormatHeader(attrs map[string]string) string {
	order := []string{"id", "ts", "nonce", "hash", "ext", "mac", "app", "dlg", "tsm", "error"}
	seen := make(map[string]bool, len(order))
	var parts []string
	for _, k := range order {
		seen[k] = true
		if v := attrs[k]; v != "" {
			parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
		}
	}
	var extra []string
	for k := range attrs {
		if !seen[k] && attrs[k] != "" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, attrs[k]))
	}
	return scheme + " " + strings.Join(parts, ", ")
}
