package classify

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"unicode"
)

var signatureEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Signature computes the short stable hash used to deduplicate alerts:
// the first 16 bytes of SHA-256 over kind plus the normalized fragment,
// base32-encoded. Two observations of the same offending fragment always
// collide; distinct payloads practically never do.
func Signature(kind Kind, fragment string) string {
	sum := sha256.Sum256([]byte(string(kind) + "|" + normalizeFragment(fragment)))
	return signatureEncoding.EncodeToString(sum[:16])
}

// normalizeFragment lowercases and collapses runs of whitespace so that
// trivial reformatting of the same payload does not defeat deduplication.
func normalizeFragment(fragment string) string {
	var b strings.Builder
	b.Grow(len(fragment))
	lastSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(fragment)) {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
