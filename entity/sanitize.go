package entity

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// forbiddenPathChars are replaced with underscores in archive path segments.
const forbiddenPathChars = `/\:*?"<>|`

// maxSafeNameBytes caps archive path segments; longer names get truncated
// and suffixed with a hash of the original.
const maxSafeNameBytes = 200

// SanitizeText removes characters that search destinations reject: control
// characters below 0x20 (except tab, CR and LF) and Unicode non-characters.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		// Unicode non-characters: U+FDD0..U+FDEF and the last two code
		// points of every plane (U+xFFFE, U+xFFFF).
		if r >= 0xFDD0 && r <= 0xFDEF {
			continue
		}
		if r&0xFFFE == 0xFFFE {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SafeName converts an arbitrary identifier into an archive-safe path
// segment. Forbidden characters are replaced with underscores; names longer
// than 200 bytes, or materially changed by sanitization, are suffixed with
// the 12-character MD5 hex of the original so distinct inputs never collide.
func SafeName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenPathChars, r) {
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)

	changed := sanitized != name
	tooLong := len(sanitized) > maxSafeNameBytes

	if !changed && !tooLong {
		return sanitized
	}

	sum := md5.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:12]

	if tooLong {
		sanitized = truncateUTF8(sanitized, maxSafeNameBytes)
	}
	return sanitized + "_" + suffix
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
