package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeOperation names the structural mutation recorded by a change-log entry.
type ChangeOperation string

const (
	OperationCreateTable    ChangeOperation = "create_table"
	OperationUpdateTable    ChangeOperation = "update_table"
	OperationDeleteTable    ChangeOperation = "delete_table"
	OperationAddColumn      ChangeOperation = "add_column"
	OperationUpdateColumn   ChangeOperation = "update_column"
	OperationDeleteColumn   ChangeOperation = "delete_column"
	OperationCreateIndex    ChangeOperation = "create_index"
	OperationDeleteIndex    ChangeOperation = "delete_index"
	OperationCreateRelation ChangeOperation = "create_relation"
	OperationDeleteRelation ChangeOperation = "delete_relation"
)

// ChangeLogEntry is an immutable audit record of one schema mutation.
// Stored in engine_change_log, which rejects UPDATE and DELETE.
type ChangeLogEntry struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	TableID       uuid.UUID       `json:"table_id"`
	Operation     ChangeOperation `json:"operation"`
	SchemaVersion int             `json:"schema_version"` // version after the change was applied
	Payload       map[string]any  `json:"payload,omitempty"`
	Actor         *string         `json:"actor,omitempty"`
	Source        string          `json:"source,omitempty"`

	// What changed (for updates)
	ChangedFields map[string]FieldChange `json:"changed_fields,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FieldChange represents the old and new values for a changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}
