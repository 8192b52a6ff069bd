package sink

import "strings"

// quoteCH wraps a ClickHouse identifier in backticks, escaping any
// existing backticks within the name.
func quoteCH(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// quoteCHList quotes a slice of ClickHouse identifiers and joins with ", ".
func quoteCHList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteCH(n)
	}
	return strings.Join(quoted, ", ")
}

// quotePG wraps a PostgreSQL identifier in double quotes, escaping any
// existing double quotes within the name.
func quotePG(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quotePGList quotes a slice of PostgreSQL identifiers and joins with ", ".
func quotePGList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quotePG(n)
	}
	return strings.Join(quoted, ", ")
}
