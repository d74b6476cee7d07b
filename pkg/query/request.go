package query

import (
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// Request is the JSON form of a query accepted by the HTTP adapter.
type Request struct {
	Select     []string        `json:"select,omitempty"`
	Aggregates []AggregateSpec `json:"aggregates,omitempty"`
	Where      []ConditionSpec `json:"where,omitempty"`
	Joins      []JoinRequest   `json:"joins,omitempty"`
	GroupBy    []string        `json:"group_by,omitempty"`
	Having     []HavingSpec    `json:"having,omitempty"`
	OrderBy    []OrderRequest  `json:"order_by,omitempty"`
	Limit      *int            `json:"limit,omitempty"`
	Offset     *int            `json:"offset,omitempty"`
	After      *CursorRequest  `json:"after,omitempty"`
	Before     *CursorRequest  `json:"before,omitempty"`
}

// AggregateSpec is fn(column) AS alias.
type AggregateSpec struct {
	Func   AggregateFunc `json:"func"`
	Column string        `json:"column,omitempty"`
	Alias  string        `json:"alias,omitempty"`
}

// ConditionSpec is one predicate term. A non-empty Group nests a parenthesized
// set of terms; Column, Op and Value are then ignored.
type ConditionSpec struct {
	Column string          `json:"column,omitempty"`
	Op     Operator        `json:"op,omitempty"`
	Value  models.Value    `json:"value"`
	Values []models.Value  `json:"values,omitempty"`
	Or     bool            `json:"or,omitempty"`
	Group  []ConditionSpec `json:"group,omitempty"`
}

func (c ConditionSpec) operand() any {
	if c.Op.isList() {
		if c.Values == nil {
			return []models.Value{}
		}
		return c.Values
	}
	return c.Value
}

// JoinRequest joins Table on Table.ForeignColumn = LocalColumn.
type JoinRequest struct {
	Table         string   `json:"table"`
	LocalColumn   string   `json:"local_column"`
	ForeignColumn string   `json:"foreign_column"`
	Kind          JoinKind `json:"kind,omitempty"`
}

// HavingSpec filters groups on an aggregate.
type HavingSpec struct {
	Func   AggregateFunc `json:"func"`
	Column string        `json:"column,omitempty"`
	Op     Operator      `json:"op"`
	Value  models.Value  `json:"value"`
}

// OrderRequest sorts by a column or aggregate alias.
type OrderRequest struct {
	Column    string               `json:"column"`
	Direction models.SortDirection `json:"direction,omitempty"`
}

// CursorRequest positions a keyset page.
type CursorRequest struct {
	Column string       `json:"column"`
	Value  models.Value `json:"value"`
}

// Builder converts the request into a Builder on table.
func (r *Request) Builder(table string) *Builder {
	b := New(table)
	b.Select(r.Select...)
	for _, a := range r.Aggregates {
		b.Aggregate(a.Func, a.Column, a.Alias)
	}
	for _, j := range r.Joins {
		if j.Kind == JoinLeft {
			b.LeftJoin(j.Table, j.LocalColumn, j.ForeignColumn)
		} else {
			b.Join(j.Table, j.LocalColumn, j.ForeignColumn)
		}
	}
	for _, c := range r.Where {
		switch {
		case len(c.Group) > 0 && c.Or:
			b.OrWhereGroup(func(g *Group) { applyGroup(g, c.Group) })
		case len(c.Group) > 0:
			b.WhereGroup(func(g *Group) { applyGroup(g, c.Group) })
		case c.Or:
			b.OrWhere(c.Column, c.Op, c.operand())
		default:
			b.Where(c.Column, c.Op, c.operand())
		}
	}
	b.GroupBy(r.GroupBy...)
	for _, h := range r.Having {
		b.Having(h.Func, h.Column, h.Op, h.Value)
	}
	for _, o := range r.OrderBy {
		b.OrderBy(o.Column, o.Direction)
	}
	if r.Limit != nil {
		b.Limit(*r.Limit)
	}
	if r.Offset != nil {
		b.Offset(*r.Offset)
	}
	if r.After != nil {
		b.After(r.After.Column, r.After.Value)
	}
	if r.Before != nil {
		b.Before(r.Before.Column, r.Before.Value)
	}
	return b
}

// Nested groups flatten one level; deeper nesting is not expressible through Group.
func applyGroup(g *Group, specs []ConditionSpec) {
	for _, c := range specs {
		if c.Or {
			g.OrWhere(c.Column, c.Op, c.operand())
		} else {
			g.Where(c.Column, c.Op, c.operand())
		}
	}
}
