package sqlstore

import (
	"strconv"
	"strings"
)

// RebindDollar rewrites '?' placeholders as $1, $2, ... for Postgres.
// Query text must not contain literal question marks.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
