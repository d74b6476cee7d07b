package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
	"github.com/ekaya-inc/ekaya-tables/pkg/typemap"
)

// SchemaSource resolves a logical table name to its current descriptor,
// including active columns ordered by ordinal position.
type SchemaSource interface {
	ResolveTable(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error)
}

// Field is one result column: the name returned to callers, the alias the
// statement gives it, and the type used to decode it.
type Field struct {
	Name     string
	Alias    string
	DataType models.DataType
}

// Statement is a resolved query over physical names.
type Statement struct {
	SQL    string
	Args   []any
	Fields []Field
}

// Field maps a result column alias back to its logical field. Aliases that
// name no known column pass through verbatim with no declared type.
func (s *Statement) Field(alias string) Field {
	for _, f := range s.Fields {
		if f.Alias == alias {
			return f
		}
	}
	return Field{Name: alias, Alias: alias}
}

type renderMode int

const (
	modeRows renderMode = iota
	modeCount
)

type resolvedColumn struct {
	expr   string
	name   string
	alias  string
	column *models.Column // nil in the logical form
}

func (rc resolvedColumn) dataType() models.DataType {
	if rc.column == nil {
		return ""
	}
	return rc.column.DataType
}

// namer renders table and column references and binds values, either over
// physical names with positional arguments or over logical names with inline literals.
type namer interface {
	from() string
	joinTarget(table string) (string, error)
	column(ref string) (resolvedColumn, error)
	defaultProjection() []resolvedColumn
	bind(t models.DataType, field string, v models.Value) (string, error)
	bindText(s string) string
	scope(table string) string
}

// ============================================================================
// Physical form
// ============================================================================

type aliasedTable struct {
	alias string
	table *models.Table
}

type physicalNamer struct {
	base   aliasedTable
	joined map[string]aliasedTable
	args   []any
}

func newPhysicalNamer(base *models.Table, joined []*models.Table, tenantID uuid.UUID) *physicalNamer {
	n := &physicalNamer{
		base:   aliasedTable{alias: "t0", table: base},
		joined: make(map[string]aliasedTable, len(joined)),
		args:   []any{tenantID},
	}
	for i, t := range joined {
		n.joined[t.LogicalName] = aliasedTable{alias: "t" + strconv.Itoa(i+1), table: t}
	}
	return n
}

func (n *physicalNamer) lookup(table string) (aliasedTable, error) {
	if table == "" || table == n.base.table.LogicalName {
		return n.base, nil
	}
	if t, ok := n.joined[table]; ok {
		return t, nil
	}
	return aliasedTable{}, apperrors.Validation("table %q is not part of the query", table)
}

func (n *physicalNamer) from() string {
	return sql.QuoteIdentifier(n.base.table.PhysicalName) + " AS " + n.base.alias
}

func (n *physicalNamer) joinTarget(table string) (string, error) {
	t, err := n.lookup(table)
	if err != nil {
		return "", err
	}
	return sql.QuoteIdentifier(t.table.PhysicalName) + " AS " + t.alias, nil
}

func (n *physicalNamer) column(ref string) (resolvedColumn, error) {
	tableName, colName := splitRef(ref)
	t, err := n.lookup(tableName)
	if err != nil {
		return resolvedColumn{}, err
	}
	c, ok := t.table.ColumnByName(colName)
	if !ok {
		return resolvedColumn{}, apperrors.NotFound("column", ref)
	}
	return n.resolved(t, c), nil
}

func (n *physicalNamer) resolved(t aliasedTable, c *models.Column) resolvedColumn {
	name := c.LogicalName
	if t.alias != n.base.alias {
		name = t.table.LogicalName + "." + c.LogicalName
	}
	return resolvedColumn{
		expr:   sql.QualifiedColumn(t.alias, c.PhysicalName),
		name:   name,
		alias:  c.PhysicalName,
		column: c,
	}
}

func (n *physicalNamer) defaultProjection() []resolvedColumn {
	out := make([]resolvedColumn, 0, len(n.base.table.Columns))
	for _, c := range n.base.table.Columns {
		if c.IsActive {
			out = append(out, n.resolved(n.base, c))
		}
	}
	return out
}

func (n *physicalNamer) bind(t models.DataType, field string, v models.Value) (string, error) {
	arg, err := typemap.ToStorageValue(t, v)
	if err != nil {
		return "", apperrors.Validation("field %q: %v", field, err)
	}
	n.args = append(n.args, arg)
	return sql.Placeholder(len(n.args)), nil
}

func (n *physicalNamer) bindText(s string) string {
	n.args = append(n.args, s)
	return sql.Placeholder(len(n.args))
}

// scope restricts a table to the tenant bound as $1.
func (n *physicalNamer) scope(table string) string {
	t, err := n.lookup(table)
	if err != nil {
		return ""
	}
	tc, ok := t.table.ColumnByName(models.SystemColumnTenantID)
	if !ok {
		return ""
	}
	return sql.QualifiedColumn(t.alias, tc.PhysicalName) + " = $1"
}

// ============================================================================
// Logical form
// ============================================================================

type logicalNamer struct {
	base string
}

func (n *logicalNamer) from() string { return sql.QuoteIdentifier(n.base) }

func (n *logicalNamer) joinTarget(table string) (string, error) {
	return sql.QuoteIdentifier(table), nil
}

func (n *logicalNamer) column(ref string) (resolvedColumn, error) {
	tableName, colName := splitRef(ref)
	expr := sql.QuoteIdentifier(colName)
	name := colName
	if tableName != "" && tableName != n.base {
		expr = sql.QuoteIdentifier(tableName) + "." + expr
		name = ref
	}
	return resolvedColumn{expr: expr, name: name, alias: name}, nil
}

func (n *logicalNamer) defaultProjection() []resolvedColumn { return nil }

func (n *logicalNamer) bind(_ models.DataType, _ string, v models.Value) (string, error) {
	switch v.Kind() {
	case models.KindNull:
		return "NULL", nil
	case models.KindString, models.KindJSON:
		return sql.QuoteLiteral(v.String()), nil
	default:
		return v.String(), nil
	}
}

func (n *logicalNamer) bindText(s string) string { return sql.QuoteLiteral(s) }

func (n *logicalNamer) scope(string) string { return "" }

// ============================================================================
// Rendering
// ============================================================================

// Build resolves the query against the current descriptors and returns a
// statement that selects rows.
func (b *Builder) Build(ctx context.Context, src SchemaSource, tenantID uuid.UUID) (*Statement, error) {
	return b.build(ctx, src, tenantID, modeRows)
}

// BuildCount returns a statement counting the rows (or groups) the query matches.
// Ordering and pagination are ignored.
func (b *Builder) BuildCount(ctx context.Context, src SchemaSource, tenantID uuid.UUID) (*Statement, error) {
	return b.build(ctx, src, tenantID, modeCount)
}

// ToLogicalSQL renders the query over logical names with inline literals.
// It needs no metadata and is meant for diagnostics only.
func (b *Builder) ToLogicalSQL() (string, error) {
	if b.err != nil {
		return "", b.err
	}
	s, _, err := b.render(&logicalNamer{base: b.table}, modeRows)
	return s, err
}

func (b *Builder) build(ctx context.Context, src SchemaSource, tenantID uuid.UUID, mode renderMode) (*Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	n, err := b.resolve(ctx, src, tenantID)
	if err != nil {
		return nil, err
	}
	text, fields, err := b.render(n, mode)
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: text, Args: n.args, Fields: fields}, nil
}

func (b *Builder) resolve(ctx context.Context, src SchemaSource, tenantID uuid.UUID) (*physicalNamer, error) {
	base, err := src.ResolveTable(ctx, tenantID, b.table)
	if err != nil {
		return nil, err
	}
	joined := make([]*models.Table, len(b.joins))
	for i, j := range b.joins {
		if joined[i], err = src.ResolveTable(ctx, tenantID, j.table); err != nil {
			return nil, err
		}
	}
	return newPhysicalNamer(base, joined, tenantID), nil
}

func (b *Builder) aggregateAliases() map[string]bool {
	out := make(map[string]bool)
	for _, s := range b.selects {
		if s.fn != "" {
			out[s.outputAlias()] = true
		}
	}
	return out
}

func (b *Builder) render(n namer, mode renderMode) (string, []Field, error) {
	var sb strings.Builder
	var fields []Field

	sb.WriteString("SELECT ")
	if mode == modeCount {
		if len(b.groupBy) == 0 {
			sb.WriteString("1")
		} else {
			exprs, err := columnExprs(n, b.groupBy)
			if err != nil {
				return "", nil, err
			}
			sb.WriteString(strings.Join(exprs, ", "))
		}
	} else {
		items, fs, err := b.renderProjection(n)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(items)
		fields = fs
	}

	sb.WriteString(" FROM ")
	sb.WriteString(n.from())

	for _, j := range b.joins {
		clause, err := renderJoin(n, j)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(clause)
	}

	where, err := b.renderWhere(n)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if len(b.groupBy) > 0 {
		exprs, err := columnExprs(n, b.groupBy)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(exprs, ", "))
	}

	if len(b.having) > 0 {
		having, err := b.renderHaving(n)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(" HAVING ")
		sb.WriteString(having)
	}

	if mode == modeCount {
		count := `SELECT COUNT(*) AS "count" FROM (` + sb.String() + `) AS q`
		return count, []Field{{Name: "count", Alias: "count", DataType: models.DataTypeBigInteger}}, nil
	}

	order, err := b.renderOrder(n)
	if err != nil {
		return "", nil, err
	}
	if order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(order)
	}
	if b.limit != nil {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(*b.limit))
	}
	if b.offset != nil {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(*b.offset))
	}
	return sb.String(), fields, nil
}

func (b *Builder) renderProjection(n namer) (string, []Field, error) {
	if len(b.selects) == 0 {
		cols := n.defaultProjection()
		if cols == nil {
			return "*", nil, nil
		}
		return projectColumns(cols)
	}

	items := make([]string, 0, len(b.selects))
	fields := make([]Field, 0, len(b.selects))
	for _, s := range b.selects {
		if s.fn == "" {
			rc, err := n.column(s.column)
			if err != nil {
				return "", nil, err
			}
			item, field := projectColumn(rc)
			items = append(items, item)
			fields = append(fields, field)
			continue
		}

		expr, col, err := aggregateExpr(n, s.fn, s.column)
		if err != nil {
			return "", nil, err
		}
		alias := s.outputAlias()
		items = append(items, expr+" AS "+sql.QuoteIdentifier(alias))
		fields = append(fields, Field{Name: alias, Alias: alias, DataType: aggregateType(s.fn, col)})
	}
	return strings.Join(items, ", "), fields, nil
}

func projectColumns(cols []resolvedColumn) (string, []Field, error) {
	items := make([]string, len(cols))
	fields := make([]Field, len(cols))
	for i, rc := range cols {
		items[i], fields[i] = projectColumn(rc)
	}
	return strings.Join(items, ", "), fields, nil
}

func projectColumn(rc resolvedColumn) (string, Field) {
	item := rc.expr
	if rc.column != nil {
		item += " AS " + sql.QuoteIdentifier(rc.alias)
	}
	return item, Field{Name: rc.name, Alias: rc.alias, DataType: rc.dataType()}
}

func renderJoin(n namer, j joinSpec) (string, error) {
	target, err := n.joinTarget(j.table)
	if err != nil {
		return "", err
	}
	foreign, err := n.column(j.table + "." + j.foreignColumn)
	if err != nil {
		return "", err
	}
	local, err := n.column(j.localColumn)
	if err != nil {
		return "", err
	}

	kw := " JOIN "
	if j.kind == JoinLeft {
		kw = " LEFT JOIN "
	}
	clause := kw + target + " ON " + foreign.expr + " = " + local.expr
	if scope := n.scope(j.table); scope != "" {
		clause += " AND " + scope
	}
	return clause, nil
}

func (b *Builder) renderWhere(n namer) (string, error) {
	var parts []string
	if scope := n.scope(""); scope != "" {
		parts = append(parts, scope)
	}

	if len(b.where) > 0 {
		w, err := renderClauses(n, b.where)
		if err != nil {
			return "", err
		}
		if len(b.where) > 1 {
			w = "(" + w + ")"
		}
		parts = append(parts, w)
	}

	if b.cursor != nil {
		rc, err := n.column(b.cursor.column)
		if err != nil {
			return "", err
		}
		ph, err := n.bind(rc.dataType(), rc.name, b.cursor.value)
		if err != nil {
			return "", err
		}
		op := " > "
		if b.cursor.before {
			op = " < "
		}
		parts = append(parts, rc.expr+op+ph)
	}

	return strings.Join(parts, " AND "), nil
}

func renderClauses(n namer, clauses []clause) (string, error) {
	var sb strings.Builder
	for i, c := range clauses {
		if i > 0 {
			if c.or {
				sb.WriteString(" OR ")
			} else {
				sb.WriteString(" AND ")
			}
		}
		if c.cond != nil {
			s, err := renderCondition(n, c.cond)
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
			continue
		}
		if len(c.group) == 0 {
			sb.WriteString("TRUE")
			continue
		}
		s, err := renderClauses(n, c.group)
		if err != nil {
			return "", err
		}
		sb.WriteString("(" + s + ")")
	}
	return sb.String(), nil
}

func renderCondition(n namer, c *condition) (string, error) {
	rc, err := n.column(c.column)
	if err != nil {
		return "", err
	}
	dt := rc.dataType()

	switch {
	case c.op == OpIsNull:
		return rc.expr + " IS NULL", nil

	case c.op == OpNotNull:
		return rc.expr + " IS NOT NULL", nil

	case c.op.isList():
		if len(c.values) == 0 {
			if c.op == OpIn {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		phs := make([]string, len(c.values))
		for i, v := range c.values {
			if phs[i], err = n.bind(dt, rc.name, v); err != nil {
				return "", err
			}
		}
		kw := " IN ("
		if c.op == OpNotIn {
			kw = " NOT IN ("
		}
		return rc.expr + kw + strings.Join(phs, ", ") + ")", nil

	case c.op == OpLike, c.op == OpILike, c.op.isPattern():
		if rc.column != nil && dt != models.DataTypeString && dt != models.DataTypeText {
			return "", apperrors.Validation("operator %s requires a text column, %q is %s", c.op, rc.name, dt)
		}
		s, _ := c.values[0].AsString()
		pattern := s
		switch c.op {
		case OpContains:
			pattern = "%" + escapeLike(s) + "%"
		case OpStartsWith:
			pattern = escapeLike(s) + "%"
		case OpEndsWith:
			pattern = "%" + escapeLike(s)
		}
		kw := " LIKE "
		if c.op == OpILike {
			kw = " ILIKE "
		}
		return rc.expr + kw + n.bindText(pattern), nil
	}

	v := c.values[0]
	if v.IsNull() {
		switch c.op {
		case OpEq:
			return rc.expr + " IS NULL", nil
		case OpNe:
			return rc.expr + " IS NOT NULL", nil
		}
		return "", apperrors.Validation("operator %s cannot compare %q with null", c.op, rc.name)
	}
	ph, err := n.bind(dt, rc.name, v)
	if err != nil {
		return "", err
	}
	return rc.expr + " " + comparisonSQL[c.op] + " " + ph, nil
}

func (b *Builder) renderHaving(n namer) (string, error) {
	parts := make([]string, len(b.having))
	for i, h := range b.having {
		expr, col, err := aggregateExpr(n, h.fn, h.column)
		if err != nil {
			return "", err
		}
		ph, err := n.bind(aggregateType(h.fn, col), expr, h.value)
		if err != nil {
			return "", err
		}
		parts[i] = expr + " " + comparisonSQL[h.op] + " " + ph
	}
	return strings.Join(parts, " AND "), nil
}

func (b *Builder) renderOrder(n namer) (string, error) {
	orders := b.orders
	if b.cursor != nil {
		dir := models.SortAsc
		if b.cursor.before {
			dir = models.SortDesc
		}
		orders = append([]orderSpec{{column: b.cursor.column, dir: dir}}, orders...)
	}
	if len(orders) == 0 {
		return "", nil
	}

	aggregates := b.aggregateAliases()
	parts := make([]string, len(orders))
	for i, o := range orders {
		expr := sql.QuoteIdentifier(o.column)
		if !aggregates[o.column] {
			rc, err := n.column(o.column)
			if err != nil {
				return "", err
			}
			expr = rc.expr
		}
		if o.dir == models.SortDesc {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		parts[i] = expr
	}
	return strings.Join(parts, ", "), nil
}

func columnExprs(n namer, refs []string) ([]string, error) {
	out := make([]string, len(refs))
	for i, ref := range refs {
		rc, err := n.column(ref)
		if err != nil {
			return nil, err
		}
		out[i] = rc.expr
	}
	return out, nil
}

func aggregateExpr(n namer, fn AggregateFunc, column string) (string, *models.Column, error) {
	if column == "" || column == "*" {
		return "COUNT(*)", nil, nil
	}
	rc, err := n.column(column)
	if err != nil {
		return "", nil, err
	}
	return strings.ToUpper(string(fn)) + "(" + rc.expr + ")", rc.column, nil
}

// aggregateType is the type an aggregate result decodes as.
func aggregateType(fn AggregateFunc, col *models.Column) models.DataType {
	switch fn {
	case AggCount:
		return models.DataTypeBigInteger
	case AggAvg:
		return models.DataTypeDecimal
	case AggSum:
		if col != nil && col.DataType == models.DataTypeFloat {
			return models.DataTypeFloat
		}
		return models.DataTypeDecimal
	}
	if col == nil {
		return ""
	}
	return col.DataType
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ============================================================================
// Filtered mutations
// ============================================================================

func (b *Builder) checkPredicateOnly(op string) error {
	if len(b.selects) > 0 || len(b.joins) > 0 || len(b.groupBy) > 0 || len(b.having) > 0 ||
		len(b.orders) > 0 || b.limit != nil || b.offset != nil || b.cursor != nil {
		return apperrors.Validation("%s accepts where conditions only", op)
	}
	return nil
}

// BuildUpdate returns a statement assigning set to every row matching the
// predicate and returning the updated rows. updated_at is refreshed.
func (b *Builder) BuildUpdate(ctx context.Context, src SchemaSource, tenantID uuid.UUID, set *models.Row) (*Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.checkPredicateOnly("filtered update"); err != nil {
		return nil, err
	}
	if set.Len() == 0 {
		return nil, apperrors.Validation("no fields to update")
	}
	n, err := b.resolve(ctx, src, tenantID)
	if err != nil {
		return nil, err
	}

	table := n.base.table
	assignments := make([]string, 0, set.Len()+1)
	var setErr error
	set.Range(func(name string, v models.Value) bool {
		c, ok := table.ColumnByName(name)
		if !ok {
			setErr = apperrors.NotFound("column", name)
			return false
		}
		if c.IsSystem {
			setErr = apperrors.Validation("column %q is system-managed", name)
			return false
		}
		ph, err := n.bind(c.DataType, name, v)
		if err != nil {
			setErr = err
			return false
		}
		assignments = append(assignments, sql.QuoteIdentifier(c.PhysicalName)+" = "+ph)
		return true
	})
	if setErr != nil {
		return nil, setErr
	}
	if c, ok := table.ColumnByName(models.SystemColumnUpdatedAt); ok {
		assignments = append(assignments, sql.QuoteIdentifier(c.PhysicalName)+" = now()")
	}

	where, err := b.renderWhere(n)
	if err != nil {
		return nil, err
	}
	returning, fields, _ := projectColumns(n.defaultProjection())
	text := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		n.from(), strings.Join(assignments, ", "), where, returning)
	return &Statement{SQL: text, Args: n.args, Fields: fields}, nil
}

// BuildDelete returns a statement deleting every row matching the predicate
// and returning the deleted rows.
func (b *Builder) BuildDelete(ctx context.Context, src SchemaSource, tenantID uuid.UUID) (*Statement, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.checkPredicateOnly("filtered delete"); err != nil {
		return nil, err
	}
	n, err := b.resolve(ctx, src, tenantID)
	if err != nil {
		return nil, err
	}
	where, err := b.renderWhere(n)
	if err != nil {
		return nil, err
	}
	returning, fields, _ := projectColumns(n.defaultProjection())
	text := fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING %s", n.from(), where, returning)
	return &Statement{SQL: text, Args: n.args, Fields: fields}, nil
}
