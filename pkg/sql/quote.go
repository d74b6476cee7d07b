// Package sql builds the DDL and DML text executed against dynamic tables and screens
// user-supplied SQL fragments. Builders are pure: they never touch a database.
package sql

import (
	"strconv"
	"strings"
)

// QuoteIdentifier wraps name in double quotes, doubling any embedded quote.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedColumn returns alias."column".
func QualifiedColumn(alias, column string) string {
	return alias + "." + QuoteIdentifier(column)
}

// QuoteLiteral wraps s in single quotes, doubling any embedded quote.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}

// Placeholder returns the positional parameter $n.
func Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func placeholders(start, count int) string {
	ph := make([]string, count)
	for i := range ph {
		ph[i] = Placeholder(start + i)
	}
	return strings.Join(ph, ", ")
}
