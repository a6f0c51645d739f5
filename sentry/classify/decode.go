package classify

import (
	"html"
	"net/url"
)

// Decoding limits. Nested encodings are unwrapped up to maxDecodePasses
// times; the expansion budget rejects payloads that blow up while decoding
// (a 64x expansion or 1 MiB, whichever is smaller).
const (
	maxDecodePasses    = 3
	maxExpansionFactor = 64
	maxDecodedBytes    = 1 << 20 // 1 MiB
)

// decodeResult carries the decoded text and whether the expansion budget
// was exhausted while unwrapping.
type decodeResult struct {
	text           string
	budgetExceeded bool
}

// decodeField unwraps URL and HTML-entity encoding from a field, up to
// maxDecodePasses passes, stopping early once a pass is a no-op. Decoding
// never fails: undecodable URL escapes leave the text as-is for that pass.
func decodeField(s string) decodeResult {
	budget := len(s) * maxExpansionFactor
	if budget > maxDecodedBytes || budget == 0 {
		budget = maxDecodedBytes
	}

	text := s
	for pass := 0; pass < maxDecodePasses; pass++ {
		next := text
		if unescaped, err := url.QueryUnescape(next); err == nil {
			next = unescaped
		}
		next = html.UnescapeString(next)

		if len(next) > budget {
			return decodeResult{text: next[:budget], budgetExceeded: true}
		}
		if next == text {
			break
		}
		text = next
	}
	return decodeResult{text: text}
}
