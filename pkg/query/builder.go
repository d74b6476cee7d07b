// Package query accumulates projections, predicates, joins, grouping, ordering
// and pagination against logical table and column names. Nothing is resolved
// until Build, which looks up the current descriptors once and emits a
// statement over physical names whose result columns map back to logical names.
package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// Operator is a predicate operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpLike       Operator = "like"
	OpILike      Operator = "ilike"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpIsNull     Operator = "is_null"
	OpNotNull    Operator = "not_null"
)

var comparisonSQL = map[Operator]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// IsValid returns true if op is a known operator.
func (op Operator) IsValid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpLike, OpILike, OpContains, OpStartsWith,
		OpEndsWith, OpIn, OpNotIn, OpIsNull, OpNotNull:
		return true
	}
	return false
}

func (op Operator) isList() bool  { return op == OpIn || op == OpNotIn }
func (op Operator) isUnary() bool { return op == OpIsNull || op == OpNotNull }
func (op Operator) isPattern() bool {
	return op == OpContains || op == OpStartsWith || op == OpEndsWith
}

// AggregateFunc is an aggregate function applied to a column.
type AggregateFunc string

const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
)

// IsValid returns true if fn is a known aggregate.
func (fn AggregateFunc) IsValid() bool {
	switch fn {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// JoinKind selects inner or left outer joins.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

type condition struct {
	column string
	op     Operator
	values []models.Value
}

// clause is one AND/OR term: either a condition or a parenthesized group.
type clause struct {
	or    bool
	cond  *condition
	group []clause
}

type selectItem struct {
	column string
	fn     AggregateFunc
	alias  string
}

func (s selectItem) outputAlias() string {
	if s.alias != "" {
		return s.alias
	}
	if s.column == "" || s.column == "*" {
		return string(s.fn)
	}
	return string(s.fn) + "_" + strings.ReplaceAll(s.column, ".", "_")
}

type joinSpec struct {
	kind          JoinKind
	table         string
	localColumn   string
	foreignColumn string
}

type havingCond struct {
	fn     AggregateFunc
	column string
	op     Operator
	value  models.Value
}

type orderSpec struct {
	column string
	dir    models.SortDirection
}

type cursorSpec struct {
	column string
	value  models.Value
	before bool
}

// Builder accumulates a query over logical names. Methods record the first
// input error and return the builder for chaining; Build and ToLogicalSQL report it.
type Builder struct {
	table   string
	selects []selectItem
	where   []clause
	joins   []joinSpec
	groupBy []string
	having  []havingCond
	orders  []orderSpec
	limit   *int
	offset  *int
	cursor  *cursorSpec
	err     error
}

// New starts a query on a logical table name.
func New(table string) *Builder {
	b := &Builder{table: table}
	if strings.TrimSpace(table) == "" {
		b.err = apperrors.Validation("table name is required")
	}
	return b
}

// Table returns the logical table name.
func (b *Builder) Table() string { return b.table }

// Err returns the first error recorded while building.
func (b *Builder) Err() error { return b.err }

// Clone returns a copy that can be extended without affecting b.
func (b *Builder) Clone() *Builder {
	cp := *b
	cp.selects = append([]selectItem(nil), b.selects...)
	cp.where = append([]clause(nil), b.where...)
	cp.joins = append([]joinSpec(nil), b.joins...)
	cp.groupBy = append([]string(nil), b.groupBy...)
	cp.having = append([]havingCond(nil), b.having...)
	cp.orders = append([]orderSpec(nil), b.orders...)
	return &cp
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Select adds plain columns to the projection. "table.column" refers to a joined table.
// With no projection every active column of the base table is returned.
func (b *Builder) Select(columns ...string) *Builder {
	for _, c := range columns {
		if c == "" {
			return b.fail(apperrors.Validation("empty column in select"))
		}
		b.selects = append(b.selects, selectItem{column: c})
	}
	return b
}

// Aggregate adds fn(column) AS alias to the projection. Column "*" or empty
// is only valid for count. An empty alias defaults to fn or fn_column.
func (b *Builder) Aggregate(fn AggregateFunc, column, alias string) *Builder {
	if !fn.IsValid() {
		return b.fail(apperrors.Validation("unknown aggregate %q", fn))
	}
	if (column == "" || column == "*") && fn != AggCount {
		return b.fail(apperrors.Validation("aggregate %s requires a column", fn))
	}
	b.selects = append(b.selects, selectItem{column: column, fn: fn, alias: alias})
	return b
}

// Where adds an AND condition. For in/not_in, value must be a list.
// For is_null/not_null, value is ignored.
func (b *Builder) Where(column string, op Operator, value any) *Builder {
	if err := addCondition(&b.where, false, column, op, value); err != nil {
		return b.fail(err)
	}
	return b
}

// OrWhere adds an OR condition.
func (b *Builder) OrWhere(column string, op Operator, value any) *Builder {
	if err := addCondition(&b.where, true, column, op, value); err != nil {
		return b.fail(err)
	}
	return b
}

// WhereGroup adds an AND-ed parenthesized group built by fn.
func (b *Builder) WhereGroup(fn func(g *Group)) *Builder {
	return b.addGroup(false, fn)
}

// OrWhereGroup adds an OR-ed parenthesized group built by fn.
func (b *Builder) OrWhereGroup(fn func(g *Group)) *Builder {
	return b.addGroup(true, fn)
}

func (b *Builder) addGroup(or bool, fn func(g *Group)) *Builder {
	g := &Group{}
	fn(g)
	if g.err != nil {
		return b.fail(g.err)
	}
	b.where = append(b.where, clause{or: or, group: g.clauses})
	return b
}

// Join inner-joins a table on table.foreignColumn = localColumn. localColumn
// refers to the base table unless qualified with a previously joined table.
func (b *Builder) Join(table, localColumn, foreignColumn string) *Builder {
	return b.join(JoinInner, table, localColumn, foreignColumn)
}

// LeftJoin is Join with a left outer join.
func (b *Builder) LeftJoin(table, localColumn, foreignColumn string) *Builder {
	return b.join(JoinLeft, table, localColumn, foreignColumn)
}

func (b *Builder) join(kind JoinKind, table, localColumn, foreignColumn string) *Builder {
	if table == "" || localColumn == "" || foreignColumn == "" {
		return b.fail(apperrors.Validation("join requires a table and both columns"))
	}
	if table == b.table {
		return b.fail(apperrors.Validation("cannot join table %q to itself", table))
	}
	for _, j := range b.joins {
		if j.table == table {
			return b.fail(apperrors.Validation("table %q is already joined", table))
		}
	}
	b.joins = append(b.joins, joinSpec{kind: kind, table: table, localColumn: localColumn, foreignColumn: foreignColumn})
	return b
}

// GroupBy groups by the given columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// Having filters groups on fn(column) op value. Only comparison operators apply.
func (b *Builder) Having(fn AggregateFunc, column string, op Operator, value any) *Builder {
	if !fn.IsValid() {
		return b.fail(apperrors.Validation("unknown aggregate %q", fn))
	}
	if _, ok := comparisonSQL[op]; !ok {
		return b.fail(apperrors.Validation("having supports comparison operators only, got %q", op))
	}
	v, err := models.ValueOf(value)
	if err != nil {
		return b.fail(apperrors.Validation("having value: %v", err))
	}
	b.having = append(b.having, havingCond{fn: fn, column: column, op: op, value: v})
	return b
}

// OrderBy sorts by a column or an aggregate alias.
func (b *Builder) OrderBy(column string, dir models.SortDirection) *Builder {
	if dir == "" {
		dir = models.SortAsc
	}
	if !dir.IsValid() {
		return b.fail(apperrors.Validation("invalid sort direction %q", dir))
	}
	b.orders = append(b.orders, orderSpec{column: column, dir: dir})
	return b
}

// Limit caps the number of rows returned.
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		return b.fail(apperrors.Validation("limit must not be negative"))
	}
	b.limit = &n
	return b
}

// Offset skips rows.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		return b.fail(apperrors.Validation("offset must not be negative"))
	}
	b.offset = &n
	return b
}

// After pages forward: rows with column > value, ascending by column.
func (b *Builder) After(column string, value any) *Builder {
	return b.setCursor(column, value, false)
}

// Before pages backward: rows with column < value, descending by column.
func (b *Builder) Before(column string, value any) *Builder {
	return b.setCursor(column, value, true)
}

func (b *Builder) setCursor(column string, value any, before bool) *Builder {
	if b.cursor != nil {
		return b.fail(apperrors.Validation("only one cursor may be set"))
	}
	v, err := models.ValueOf(value)
	if err != nil {
		return b.fail(apperrors.Validation("cursor value: %v", err))
	}
	if v.IsNull() {
		return b.fail(apperrors.Validation("cursor value must not be null"))
	}
	b.cursor = &cursorSpec{column: column, value: v, before: before}
	return b
}

// Group collects conditions for a parenthesized predicate.
type Group struct {
	clauses []clause
	err     error
}

// Where adds an AND condition to the group.
func (g *Group) Where(column string, op Operator, value any) *Group {
	if err := addCondition(&g.clauses, false, column, op, value); err != nil && g.err == nil {
		g.err = err
	}
	return g
}

// OrWhere adds an OR condition to the group.
func (g *Group) OrWhere(column string, op Operator, value any) *Group {
	if err := addCondition(&g.clauses, true, column, op, value); err != nil && g.err == nil {
		g.err = err
	}
	return g
}

func addCondition(list *[]clause, or bool, column string, op Operator, value any) error {
	if column == "" {
		return apperrors.Validation("condition column is required")
	}
	if !op.IsValid() {
		return apperrors.Validation("unknown operator %q", op)
	}
	values, err := conditionValues(op, value)
	if err != nil {
		return err
	}
	*list = append(*list, clause{or: or, cond: &condition{column: column, op: op, values: values}})
	return nil
}

func conditionValues(op Operator, value any) ([]models.Value, error) {
	if op.isUnary() {
		return nil, nil
	}
	if op.isList() {
		if vs, ok := value.([]models.Value); ok {
			return vs, nil
		}
		v, err := models.ValueOf(value)
		if err != nil {
			return nil, apperrors.Validation("operator %s: %v", op, err)
		}
		if v.IsNull() {
			return []models.Value{}, nil
		}
		raw, ok := v.AsJSON()
		if !ok || len(raw) == 0 || raw[0] != '[' {
			return nil, apperrors.Validation("operator %s requires a list value", op)
		}
		var vs []models.Value
		if err := json.Unmarshal(raw, &vs); err != nil {
			return nil, apperrors.Validation("operator %s: %v", op, err)
		}
		return vs, nil
	}

	v, err := models.ValueOf(value)
	if err != nil {
		return nil, apperrors.Validation("operator %s: %v", op, err)
	}
	if op == OpLike || op == OpILike || op.isPattern() {
		if _, ok := v.AsString(); !ok {
			return nil, apperrors.Validation("operator %s requires a string value", op)
		}
	}
	return []models.Value{v}, nil
}

func splitRef(ref string) (table, column string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

func (b *Builder) String() string {
	s, err := b.ToLogicalSQL()
	if err != nil {
		return fmt.Sprintf("<invalid query on %q: %v>", b.table, err)
	}
	return s
}
