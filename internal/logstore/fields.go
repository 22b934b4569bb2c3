package logstore

import (
	"fmt"
	"strings"
)

// VersionHeader is the first line of every log written by this package.
// Logs without it are legacy logs whose fields were joined with bare colons.
const VersionHeader = "!V:2"

var fieldEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`, "\n", `\n`)

// EscapeField encodes a single field so it can be joined with ':'.
func EscapeField(s string) string {
	return fieldEscaper.Replace(s)
}

// SplitFields decodes a colon-joined line of escaped fields.
func SplitFields(s string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			switch c {
			case '\\', ':':
				cur.WriteByte(c)
			case 'n':
				cur.WriteByte('\n')
			default:
				return nil, fmt.Errorf("invalid escape \\%c at %d", c, i)
			}
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		return nil, fmt.Errorf("dangling escape at end of line")
	}
	return append(fields, cur.String()), nil
}

// SplitLegacy splits an unescaped line into at most n fields; the last
// field keeps any remaining colons.
func SplitLegacy(s string, n int) []string {
	return strings.SplitN(s, ":", n)
}

func joinFields(tag string, fields []string) string {
	var b strings.Builder
	b.WriteString(tag)
	for _, f := range fields {
		b.WriteByte(':')
		b.WriteString(EscapeField(f))
	}
	b.WriteByte('\n')
	return b.String()
}
