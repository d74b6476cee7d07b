package models

import (
	"time"

	"github.com/google/uuid"
)

// System-managed column logical names. Every dynamic table carries these four columns.
const (
	SystemColumnID        = "id"
	SystemColumnTenantID  = "tenant_id"
	SystemColumnCreatedAt = "created_at"
	SystemColumnUpdatedAt = "updated_at"
)

// SystemColumnNames lists the system columns in their ordinal order.
var SystemColumnNames = []string{
	SystemColumnID,
	SystemColumnTenantID,
	SystemColumnCreatedAt,
	SystemColumnUpdatedAt,
}

// IsSystemColumnName reports whether name is one of the system-managed column names.
func IsSystemColumnName(name string) bool {
	for _, n := range SystemColumnNames {
		if n == name {
			return true
		}
	}
	return false
}

// DataType is the abstract column type exposed to tenants.
type DataType string

const (
	DataTypeString          DataType = "string"
	DataTypeText            DataType = "text"
	DataTypeInteger         DataType = "integer"
	DataTypeBigInteger      DataType = "bigint"
	DataTypeFloat           DataType = "float"
	DataTypeDecimal         DataType = "decimal"
	DataTypeBoolean         DataType = "boolean"
	DataTypeDate            DataType = "date"
	DataTypeTimestamp       DataType = "timestamp"
	DataTypeUUID            DataType = "uuid"
	DataTypeJSON            DataType = "json"
	DataTypeArray           DataType = "array"
	DataTypeSystemTimestamp DataType = "system_timestamp"
)

// AllDataTypes is the closed set of abstract types.
var AllDataTypes = []DataType{
	DataTypeString, DataTypeText, DataTypeInteger, DataTypeBigInteger, DataTypeFloat,
	DataTypeDecimal, DataTypeBoolean, DataTypeDate, DataTypeTimestamp, DataTypeUUID,
	DataTypeJSON, DataTypeArray, DataTypeSystemTimestamp,
}

// IsValid returns true if t is a known abstract type.
func (t DataType) IsValid() bool {
	for _, dt := range AllDataTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// IsUserAssignable returns true if tenants may declare columns of this type.
// system_timestamp is reserved for the created_at/updated_at columns.
func (t DataType) IsUserAssignable() bool {
	return t.IsValid() && t != DataTypeSystemTimestamp
}

// IsStructured returns true for JSON-like types whose values round-trip through text.
func (t DataType) IsStructured() bool {
	return t == DataTypeJSON || t == DataTypeArray
}

// IndexKind is the index access method.
type IndexKind string

const (
	IndexKindBTree IndexKind = "btree"
	IndexKindHash  IndexKind = "hash"
	IndexKindGIN   IndexKind = "gin"
	IndexKindGiST  IndexKind = "gist"
	IndexKindBRIN  IndexKind = "brin"
)

// DefaultIndexKind is emitted without a USING clause.
const DefaultIndexKind = IndexKindBTree

// IsValid returns true if k is a known index kind.
func (k IndexKind) IsValid() bool {
	switch k {
	case IndexKindBTree, IndexKindHash, IndexKindGIN, IndexKindGiST, IndexKindBRIN:
		return true
	default:
		return false
	}
}

// RelationKind describes the cardinality of a relation.
type RelationKind string

const (
	RelationOneToOne   RelationKind = "one_to_one"
	RelationOneToMany  RelationKind = "one_to_many"
	RelationManyToMany RelationKind = "many_to_many"
)

// IsValid returns true if k is a known relation kind.
func (k RelationKind) IsValid() bool {
	switch k {
	case RelationOneToOne, RelationOneToMany, RelationManyToMany:
		return true
	default:
		return false
	}
}

// ReferentialAction is the ON DELETE / ON UPDATE behavior of a foreign key.
type ReferentialAction string

const (
	ActionNoAction   ReferentialAction = "no_action"
	ActionRestrict   ReferentialAction = "restrict"
	ActionCascade    ReferentialAction = "cascade"
	ActionSetNull    ReferentialAction = "set_null"
	ActionSetDefault ReferentialAction = "set_default"
)

// IsValid returns true if a is a known referential action.
func (a ReferentialAction) IsValid() bool {
	_, ok := referentialKeywords[a]
	return ok
}

// Keyword returns the SQL keyword for the action.
func (a ReferentialAction) Keyword() string {
	if kw, ok := referentialKeywords[a]; ok {
		return kw
	}
	return "NO ACTION"
}

var referentialKeywords = map[ReferentialAction]string{
	ActionNoAction:   "NO ACTION",
	ActionRestrict:   "RESTRICT",
	ActionCascade:    "CASCADE",
	ActionSetNull:    "SET NULL",
	ActionSetDefault: "SET DEFAULT",
}

// SortDirection orders index keys and query results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// IsValid returns true if d is a known sort direction.
func (d SortDirection) IsValid() bool {
	return d == SortAsc || d == SortDesc
}

// NullsOrder places NULLs first or last in an index. Empty means backend default.
type NullsOrder string

const (
	NullsDefault NullsOrder = ""
	NullsFirst   NullsOrder = "first"
	NullsLast    NullsOrder = "last"
)

// IsValid returns true if n is a known nulls ordering.
func (n NullsOrder) IsValid() bool {
	return n == NullsDefault || n == NullsFirst || n == NullsLast
}

// Table describes a tenant-defined table and the physical table backing it.
// Stored in engine_tables.
type Table struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	LogicalName   string         `json:"name"`
	PhysicalName  string         `json:"physical_name"`
	SchemaVersion int            `json:"schema_version"`
	Description   *string        `json:"description,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IsActive      bool           `json:"is_active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Columns       []*Column      `json:"columns,omitempty"` // populated on demand, ordered by ordinal
	Indexes       []*Index       `json:"indexes,omitempty"` // populated on demand
}

// ColumnByName returns the active column with the given logical name.
func (t *Table) ColumnByName(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.LogicalName == name && c.IsActive {
			return c, true
		}
	}
	return nil, false
}

// ColumnByID returns the active column with the given id.
func (t *Table) ColumnByID(id uuid.UUID) (*Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id && c.IsActive {
			return c, true
		}
	}
	return nil, false
}

// ColumnByPhysicalName returns the active column with the given physical name.
func (t *Table) ColumnByPhysicalName(name string) (*Column, bool) {
	for _, c := range t.Columns {
		if c.PhysicalName == name && c.IsActive {
			return c, true
		}
	}
	return nil, false
}

// IndexByName returns the active index with the given logical name.
func (t *Table) IndexByName(name string) (*Index, bool) {
	for _, idx := range t.Indexes {
		if idx.LogicalName == name && idx.IsActive {
			return idx, true
		}
	}
	return nil, false
}

// PrimaryKey returns the primary key column (the system id column).
func (t *Table) PrimaryKey() (*Column, bool) {
	for _, c := range t.Columns {
		if c.IsPrimaryKey && c.IsActive {
			return c, true
		}
	}
	return nil, false
}

// Column describes a column of a dynamic table.
// Stored in engine_columns.
type Column struct {
	ID              uuid.UUID `json:"id"`
	TableID         uuid.UUID `json:"table_id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	LogicalName     string    `json:"name"`
	PhysicalName    string    `json:"physical_name"`
	DataType        DataType  `json:"data_type"`
	NativeType      string    `json:"native_type"`
	IsNullable      bool      `json:"is_nullable"`
	IsUnique        bool      `json:"is_unique"`
	IsPrimaryKey    bool      `json:"is_primary_key"`
	IsIndexed       bool      `json:"is_indexed"`
	IsEncrypted     bool      `json:"is_encrypted"`
	IsSystem        bool      `json:"is_system"`
	DefaultValue    *string   `json:"default_value,omitempty"`
	CheckExpression *string   `json:"check_expression,omitempty"`
	OrdinalPosition int       `json:"ordinal_position"`
	Description     *string   `json:"description,omitempty"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IndexColumn is one key of an index.
type IndexColumn struct {
	ColumnID     uuid.UUID     `json:"column_id"`
	PhysicalName string        `json:"physical_name"`
	Direction    SortDirection `json:"direction"`
	Nulls        NullsOrder    `json:"nulls,omitempty"`
}

// Index describes a secondary index on a dynamic table.
// Stored in engine_indexes.
type Index struct {
	ID           uuid.UUID     `json:"id"`
	TableID      uuid.UUID     `json:"table_id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	LogicalName  string        `json:"name"`
	PhysicalName string        `json:"physical_name"`
	Columns      []IndexColumn `json:"columns"`
	Kind         IndexKind     `json:"kind"`
	IsUnique     bool          `json:"is_unique"`
	Where        *string       `json:"where,omitempty"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CoversColumn returns true if the index has a key on columnID.
func (i *Index) CoversColumn(columnID uuid.UUID) bool {
	for _, c := range i.Columns {
		if c.ColumnID == columnID {
			return true
		}
	}
	return false
}

// Relation describes a foreign key between two dynamic tables.
// Stored in engine_relations. PhysicalName is the constraint name on the source table.
type Relation struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	LogicalName    string            `json:"name"`
	PhysicalName   string            `json:"physical_name"`
	SourceTableID  uuid.UUID         `json:"source_table_id"`
	SourceColumnID uuid.UUID         `json:"source_column_id"`
	TargetTableID  uuid.UUID         `json:"target_table_id"`
	TargetColumnID uuid.UUID         `json:"target_column_id"`
	Kind           RelationKind      `json:"kind"`
	OnDelete       ReferentialAction `json:"on_delete"`
	OnUpdate       ReferentialAction `json:"on_update"`
	IsActive       bool              `json:"is_active"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// References returns true if the relation touches the given column on either side.
func (r *Relation) References(columnID uuid.UUID) bool {
	return r.SourceColumnID == columnID || r.TargetColumnID == columnID
}
