package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// keyAlphabet excludes characters that are easy to mistranscribe from a
// printed or emailed key: 0/O, 1/I/L.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	keySegments   = 4
	keySegmentLen = 5
)

// Generate produces a human-transcribable license key of four dash-separated
// segments of five uppercase characters, e.g. "K7KQH-2WMRT-9CDGX-PB4VN".
// Uniqueness is enforced by the store's unique index, not here; callers retry
// on a duplicate-key conflict.
func Generate() (string, error) {
	buf := make([]byte, keySegments*keySegmentLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(keySegments*keySegmentLen + keySegments - 1)
	for i, c := range buf {
		if i > 0 && i%keySegmentLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}

// NormalizeKey canonicalizes a client-supplied key for lookup: trimmed and
// uppercased. Dashes are part of the canonical form and are kept.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
