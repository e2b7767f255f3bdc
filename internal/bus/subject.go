package bus

import "strings"

// Subject wildcard semantics, NATS-compatible:
//   - "*" matches exactly one dot-delimited token
//   - ">" matches one or more trailing tokens and must be the last token

// HasWildcard reports whether subject contains any wildcard token.
func HasWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// ValidSubject reports whether subject is a well-formed dot path: no empty
// tokens, and ">" only in the final position.
func ValidSubject(subject string) bool {
	if subject == "" {
		return false
	}
	toks := strings.Split(subject, ".")
	for i, tok := range toks {
		if tok == "" {
			return false
		}
		if tok == ">" && i != len(toks)-1 {
			return false
		}
	}
	return true
}

// Match reports whether a concrete subject matches a subscription pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		switch p {
		case ">":
			// Matches the remainder, which must be non-empty.
			return i < len(st)
		case "*":
			if i >= len(st) {
				return false
			}
		default:
			if i >= len(st) || st[i] != p {
				return false
			}
		}
	}
	return len(pt) == len(st)
}
