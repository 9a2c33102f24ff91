package wsclient

import (
	"fmt"
	"strings"
)

// EscapeString escapes s for embedding inside a JSON string literal.
// Quote and backslash get their two-character escapes, the usual control
// shorthands apply, and any other byte below 0x20 becomes \u00xx with
// lowercase hex. Bytes at or above 0x20 pass through verbatim; the input
// is assumed to be UTF-8 already.
func EscapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
