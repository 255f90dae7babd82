// Package strings holds the list helpers shared by config parsing and
// request decoding.
package strings

import "strings"

// Split breaks a separated value into trimmed, unique, non-empty parts.
func Split(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	return Unique(strings.Split(raw, sep))
}

// Unique trims each value and drops empties and repeats. First-seen order wins.
func Unique(values []string) []string {
	return unique(values, false)
}

// UniqueFold is Unique with every value lowercased first.
func UniqueFold(values []string) []string {
	return unique(values, true)
}

func unique(values []string, fold bool) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if fold {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
