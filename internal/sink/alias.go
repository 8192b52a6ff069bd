package sink

import (
	"strings"

	"github.com/pgpipe/pgpipe/internal"
)

// DeriveAlias maps a relational destination's configured name to the
// schema alias its objects live under: lowercase, every character
// outside [a-z0-9_] replaced by one underscore, prefixed with "pg_".
// Consecutive underscores are kept as-is so the mapping stays a pure
// function of the name.
func DeriveAlias(destinationName string) string {
	lowered := strings.ToLower(destinationName)

	var b strings.Builder
	b.Grow(len(internal.RelationalAliasPrefix) + len(lowered))
	b.WriteString(internal.RelationalAliasPrefix)

	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
