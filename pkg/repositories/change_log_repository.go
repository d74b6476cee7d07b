package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// ChangeLogRepository provides data access for the append-only schema change log.
type ChangeLogRepository interface {
	// Append inserts a new entry. Entries are never updated or deleted.
	Append(ctx context.Context, entry *models.ChangeLogEntry) error

	// ListByTable returns the most recent entries for a table, newest first.
	ListByTable(ctx context.Context, tenantID, tableID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error)
}

type changeLogRepository struct{}

// NewChangeLogRepository creates a new ChangeLogRepository.
func NewChangeLogRepository() ChangeLogRepository {
	return &changeLogRepository{}
}

var _ ChangeLogRepository = (*changeLogRepository)(nil)

func (r *changeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	payloadJSON, err := marshalMetadata(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// Convert changed_fields to JSONB
	var changedFieldsJSON []byte
	if len(entry.ChangedFields) > 0 {
		changedFieldsJSON, err = json.Marshal(entry.ChangedFields)
		if err != nil {
			return fmt.Errorf("failed to marshal changed_fields: %w", err)
		}
	}

	query := `
		INSERT INTO engine_change_log (
			id, tenant_id, table_id, operation, schema_version, payload,
			changed_fields, actor, source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = q.Exec(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.TableID,
		string(entry.Operation),
		entry.SchemaVersion,
		payloadJSON,
		changedFieldsJSON,
		entry.Actor,
		entry.Source,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append change log entry: %w", err)
	}
	return nil
}

func (r *changeLogRepository) ListByTable(ctx context.Context, tenantID, tableID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, table_id, operation, schema_version, payload,
		       changed_fields, actor, source, created_at
		FROM engine_change_log
		WHERE tenant_id = $1 AND table_id = $2
		ORDER BY created_at DESC, schema_version DESC
		LIMIT $3`

	rows, err := q.Query(ctx, query, tenantID, tableID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change log: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.ChangeLogEntry, 0)
	for rows.Next() {
		entry, err := scanChangeLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log: %w", err)
	}
	return entries, nil
}

func scanChangeLogEntry(rows pgx.Rows) (*models.ChangeLogEntry, error) {
	var e models.ChangeLogEntry
	var operation string
	var source *string
	var payloadJSON, changedFieldsJSON []byte

	err := rows.Scan(
		&e.ID, &e.TenantID, &e.TableID, &operation, &e.SchemaVersion, &payloadJSON,
		&changedFieldsJSON, &e.Actor, &source, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change log entry: %w", err)
	}
	e.Operation = models.ChangeOperation(operation)
	if source != nil {
		e.Source = *source
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(changedFieldsJSON) > 0 {
		if err := json.Unmarshal(changedFieldsJSON, &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changed_fields: %w", err)
		}
	}
	return &e, nil
}
