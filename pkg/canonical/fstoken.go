package canonical

import "strings"

const upperHex = "0123456789ABCDEF"

// FSToken encodes s as a single filesystem-safe path segment. Every byte
// outside [A-Za-z0-9._~-] is percent-encoded with uppercase hex, so the same
// logical id maps to the same file name on every OS. The encoding is
// injective: distinct inputs never collide.
func FSToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isFSSafe(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0F])
	}
	return b.String()
}

func isFSSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '_' || c == '~' || c == '-':
		return true
	}
	return false
}
