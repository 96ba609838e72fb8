package model

import "strings"

// NormalizeIdentity canonicalizes a user identity (an email-like address)
// so that key directory entries, envelope recipient maps and participant
// lists all agree on the same spelling.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// NormalizeIdentities normalizes and deduplicates a participant list,
// preserving first-seen order.
func NormalizeIdentities(identities []string) []string {
	seen := make(map[string]struct{}, len(identities))
	out := make([]string, 0, len(identities))
	for _, id := range identities {
		n := NormalizeIdentity(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
