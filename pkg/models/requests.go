package models

import (
	"github.com/google/uuid"
)

// ColumnDefinition declares a user column on create-table or add-column.
type ColumnDefinition struct {
	Name            string   `json:"name" yaml:"name"`
	DataType        DataType `json:"data_type" yaml:"type"`
	IsNullable      *bool    `json:"is_nullable,omitempty" yaml:"nullable,omitempty"` // default true
	IsUnique        bool     `json:"is_unique,omitempty" yaml:"unique,omitempty"`
	IsIndexed       bool     `json:"is_indexed,omitempty" yaml:"indexed,omitempty"`
	IsEncrypted     bool     `json:"is_encrypted,omitempty" yaml:"encrypted,omitempty"`
	DefaultValue    *string  `json:"default_value,omitempty" yaml:"default,omitempty"`
	CheckExpression *string  `json:"check_expression,omitempty" yaml:"check,omitempty"`
	Description     *string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// Nullable resolves the nullability flag, defaulting to true.
func (d ColumnDefinition) Nullable() bool {
	return d.IsNullable == nil || *d.IsNullable
}

// CreateTableRequest creates a table with its system columns plus the given user columns.
type CreateTableRequest struct {
	Name        string             `json:"name" yaml:"name"`
	Description *string            `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Columns     []ColumnDefinition `json:"columns" yaml:"columns"`
}

// UpdateTableRequest changes the logical name and/or descriptor metadata of a table.
// The physical table is never renamed.
type UpdateTableRequest struct {
	Name            *string        `json:"name,omitempty"`
	Description     *string        `json:"description,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExpectedVersion *int           `json:"expected_version,omitempty"`
}

// DeleteTableRequest drops a table.
type DeleteTableRequest struct {
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// AddColumnRequest adds a user column to an existing table.
type AddColumnRequest struct {
	Column          ColumnDefinition `json:"column"`
	ExpectedVersion *int             `json:"expected_version,omitempty"`
}

// UpdateColumnRequest alters a column. Nil fields are left unchanged.
// DropDefault clears the default expression and wins over DefaultValue.
type UpdateColumnRequest struct {
	Name            *string `json:"name,omitempty"`
	IsNullable      *bool   `json:"is_nullable,omitempty"`
	IsUnique        *bool   `json:"is_unique,omitempty"`
	DefaultValue    *string `json:"default_value,omitempty"`
	DropDefault     bool    `json:"drop_default,omitempty"`
	Description     *string `json:"description,omitempty"`
	ExpectedVersion *int    `json:"expected_version,omitempty"`
}

// DeleteColumnRequest drops a column.
type DeleteColumnRequest struct {
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// IndexColumnDefinition names one key of a new index by logical column name.
type IndexColumnDefinition struct {
	Column    string        `json:"column" yaml:"column"`
	Direction SortDirection `json:"direction,omitempty" yaml:"direction,omitempty"` // default asc
	Nulls     NullsOrder    `json:"nulls,omitempty" yaml:"nulls,omitempty"`
}

// CreateIndexRequest creates a secondary index.
type CreateIndexRequest struct {
	Name            string                  `json:"name"`
	Columns         []IndexColumnDefinition `json:"columns"`
	Kind            IndexKind               `json:"kind,omitempty"` // empty picks the type's recommended kind
	IsUnique        bool                    `json:"is_unique,omitempty"`
	Where           *string                 `json:"where,omitempty"`
	ExpectedVersion *int                    `json:"expected_version,omitempty"`
}

// DeleteIndexRequest drops an index.
type DeleteIndexRequest struct {
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// CreateRelationRequest adds a foreign key from a source column to a target column,
// both named logically. Empty Name derives one from the table names.
type CreateRelationRequest struct {
	Name            string            `json:"name,omitempty"`
	SourceTable     string            `json:"source_table"`
	SourceColumn    string            `json:"source_column"`
	TargetTable     string            `json:"target_table"`
	TargetColumn    string            `json:"target_column,omitempty"` // default id
	Kind            RelationKind      `json:"kind,omitempty"`          // default one_to_many
	OnDelete        ReferentialAction `json:"on_delete,omitempty"`
	OnUpdate        ReferentialAction `json:"on_update,omitempty"`
	ExpectedVersion *int              `json:"expected_version,omitempty"` // source table version
}

// DeleteRelationRequest drops a relation's foreign key.
type DeleteRelationRequest struct {
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

// UpsertRequest inserts rows or updates those conflicting on KeyColumns.
type UpsertRequest struct {
	KeyColumns []string `json:"key_columns"`
	Rows       []*Row   `json:"rows"`
}

// BatchUpdateItem updates one row by id.
type BatchUpdateItem struct {
	ID     uuid.UUID `json:"id"`
	Fields *Row      `json:"fields"`
}

// BatchItemResult reports the outcome of one item of a partial-success batch.
type BatchItemResult struct {
	Index   int       `json:"index"`
	ID      uuid.UUID `json:"id"`
	Success bool      `json:"success"`
	Row     *Row      `json:"row,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}
