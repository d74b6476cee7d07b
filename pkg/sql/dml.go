package sql

import (
	"strings"
)

func returningClause(columns []string) string {
	if len(columns) == 0 {
		return ""
	}
	return " RETURNING " + quoteList(columns)
}

func equalsClause(columns []string, start int, sep string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = QuoteIdentifier(c) + " = " + Placeholder(start+i)
	}
	return strings.Join(parts, sep)
}

// Insert emits a single-row INSERT with one parameter per column.
func Insert(table string, columns, returning []string) string {
	return BulkInsert(table, columns, 1, returning)
}

// BulkInsert emits a multi-row INSERT. Parameters are numbered row-major:
// row r, column c is $(r*len(columns)+c+1).
func BulkInsert(table string, columns []string, rows int, returning []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdentifier(table))
	if len(columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
		b.WriteString(returningClause(returning))
		return b.String()
	}
	b.WriteString(" (")
	b.WriteString(quoteList(columns))
	b.WriteString(") VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(placeholders(r*len(columns)+1, len(columns)))
		b.WriteString(")")
	}
	b.WriteString(returningClause(returning))
	return b.String()
}

// Update emits UPDATE ... SET a = $1, b = $2 WHERE k1 = $3 AND k2 = $4.
func Update(table string, setColumns, whereColumns, returning []string) string {
	s := "UPDATE " + QuoteIdentifier(table) + " SET " + equalsClause(setColumns, 1, ", ")
	if len(whereColumns) > 0 {
		s += " WHERE " + equalsClause(whereColumns, len(setColumns)+1, " AND ")
	}
	return s + returningClause(returning)
}

// BatchUpdate applies the same assignments to every row whose idColumn is in the
// array parameter that follows the SET parameters, scoped by tenantColumn.
func BatchUpdate(table string, setColumns []string, idColumn, tenantColumn string, returning []string) string {
	n := len(setColumns)
	return "UPDATE " + QuoteIdentifier(table) + " SET " + equalsClause(setColumns, 1, ", ") +
		" WHERE " + QuoteIdentifier(idColumn) + " = ANY(" + Placeholder(n+1) + ")" +
		" AND " + QuoteIdentifier(tenantColumn) + " = " + Placeholder(n+2) +
		returningClause(returning)
}

// Delete emits DELETE ... WHERE k1 = $1 AND k2 = $2.
func Delete(table string, whereColumns, returning []string) string {
	s := "DELETE FROM " + QuoteIdentifier(table)
	if len(whereColumns) > 0 {
		s += " WHERE " + equalsClause(whereColumns, 1, " AND ")
	}
	return s + returningClause(returning)
}

// BatchDelete emits DELETE ... WHERE id = ANY($1) AND tenant = $2.
func BatchDelete(table, idColumn, tenantColumn string, returning []string) string {
	return "DELETE FROM " + QuoteIdentifier(table) +
		" WHERE " + QuoteIdentifier(idColumn) + " = ANY($1)" +
		" AND " + QuoteIdentifier(tenantColumn) + " = $2" +
		returningClause(returning)
}

// SelectByID emits SELECT cols FROM t WHERE id = $1 AND tenant = $2.
func SelectByID(table string, columns []string, idColumn, tenantColumn string) string {
	return "SELECT " + quoteList(columns) + " FROM " + QuoteIdentifier(table) +
		" WHERE " + QuoteIdentifier(idColumn) + " = $1" +
		" AND " + QuoteIdentifier(tenantColumn) + " = $2"
}

// Upsert emits a single-row INSERT ... ON CONFLICT (keys) DO UPDATE SET col = EXCLUDED.col.
// With no update columns the conflict action is DO NOTHING.
func Upsert(table string, columns, conflictColumns, updateColumns, returning []string) string {
	var b strings.Builder
	b.WriteString(Insert(table, columns, nil))
	b.WriteString(" ON CONFLICT (")
	b.WriteString(quoteList(conflictColumns))
	b.WriteString(")")
	if len(updateColumns) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		sets := make([]string, len(updateColumns))
		for i, c := range updateColumns {
			q := QuoteIdentifier(c)
			sets[i] = q + " = EXCLUDED." + q
		}
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	b.WriteString(returningClause(returning))
	return b.String()
}
