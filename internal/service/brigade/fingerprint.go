package brigade

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const (
	fingerprintLength = 16
	sourceHintLength  = 100
)

// NormalizeContent lower-cases the text, drops punctuation and symbols, and
// collapses whitespace so trivially varied copies share a fingerprint.
func NormalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range strings.ToLower(content) {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint returns the truncated SHA-256 of the normalized content, or ""
// when nothing is left after normalization.
func Fingerprint(content string) string {
	normalized := NormalizeContent(content)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:fingerprintLength]
}

// SourceHint is a short preview of the duplicated content.
func SourceHint(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > sourceHintLength {
		runes = runes[:sourceHintLength]
	}
	return string(runes)
}
