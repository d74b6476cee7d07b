package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// MetadataRepository provides data access for table, column, index and relation
// descriptors. Lookups only return active descriptors; "not found" is reported
// as apperrors.ErrNotFound. All methods run on the transaction in ctx when one
// is present, else on the tenant scope connection.
type MetadataRepository interface {
	// Tables
	CreateTable(ctx context.Context, table *models.Table) error
	GetTableByID(ctx context.Context, tenantID, tableID uuid.UUID) (*models.Table, error)
	GetTableByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error)
	ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error)
	// UpdateTable writes logical name, description and metadata. The version is
	// changed only through IncrementVersion.
	UpdateTable(ctx context.Context, table *models.Table) error
	// SoftDeleteTable deactivates the table with its columns and indexes.
	SoftDeleteTable(ctx context.Context, tenantID, tableID uuid.UUID) error

	// Versions
	CurrentVersion(ctx context.Context, tableID uuid.UUID) (int, error)
	// IncrementVersion bumps the table's schema version by one and returns the new value.
	IncrementVersion(ctx context.Context, tableID uuid.UUID) (int, error)

	// Columns
	CreateColumn(ctx context.Context, column *models.Column) error
	GetColumnByID(ctx context.Context, tableID, columnID uuid.UUID) (*models.Column, error)
	GetColumnByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Column, error)
	// ListColumns returns active columns ordered by ordinal position.
	ListColumns(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error)
	UpdateColumn(ctx context.Context, column *models.Column) error
	SoftDeleteColumn(ctx context.Context, tableID, columnID uuid.UUID) error
	// NextOrdinal returns one past the highest ordinal ever assigned in the table,
	// including inactive columns, so positions are never reused.
	NextOrdinal(ctx context.Context, tableID uuid.UUID) (int, error)

	// Indexes
	CreateIndex(ctx context.Context, index *models.Index) error
	GetIndexByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Index, error)
	ListIndexes(ctx context.Context, tableID uuid.UUID) ([]*models.Index, error)
	SoftDeleteIndex(ctx context.Context, tableID, indexID uuid.UUID) error
	// SoftDeleteIndexesByColumn deactivates every active index with a key on columnID.
	SoftDeleteIndexesByColumn(ctx context.Context, tableID, columnID uuid.UUID) (int64, error)

	// Relations
	CreateRelation(ctx context.Context, rel *models.Relation) error
	GetRelationByID(ctx context.Context, tenantID, relationID uuid.UUID) (*models.Relation, error)
	GetRelationByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Relation, error)
	// ListRelationsByTable returns active relations where tableID is source or target.
	ListRelationsByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Relation, error)
	SoftDeleteRelation(ctx context.Context, tenantID, relationID uuid.UUID) error
}

type metadataRepository struct{}

// NewMetadataRepository creates a new MetadataRepository.
func NewMetadataRepository() MetadataRepository {
	return &metadataRepository{}
}

var _ MetadataRepository = (*metadataRepository)(nil)

// duplicateOr maps a unique violation on an active-name index to DuplicateName.
func duplicateOr(err error, kind, name, op string) error {
	if apperrors.IsUniqueViolation(err) {
		return apperrors.DuplicateName(kind, name)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// ============================================================================
// Table Methods
// ============================================================================

const tableColumns = `id, tenant_id, logical_name, physical_name, schema_version,
		       description, metadata, is_active, created_at, updated_at`

func (r *metadataRepository) CreateTable(ctx context.Context, table *models.Table) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if table.ID == uuid.Nil {
		table.ID = uuid.New()
	}
	now := time.Now()
	table.CreatedAt = now
	table.UpdatedAt = now
	table.IsActive = true
	if table.SchemaVersion == 0 {
		table.SchemaVersion = 1
	}

	metadataJSON, err := marshalMetadata(table.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO engine_tables (
			id, tenant_id, logical_name, physical_name, schema_version,
			description, metadata, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = q.Exec(ctx, query,
		table.ID, table.TenantID, table.LogicalName, table.PhysicalName, table.SchemaVersion,
		table.Description, metadataJSON, table.IsActive, table.CreatedAt, table.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "table", table.LogicalName, "create table")
	}
	return nil
}

func (r *metadataRepository) GetTableByID(ctx context.Context, tenantID, tableID uuid.UUID) (*models.Table, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tableColumns + `
		FROM engine_tables
		WHERE tenant_id = $1 AND id = $2 AND is_active`

	t, err := scanTable(q.QueryRow(ctx, query, tenantID, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get table: %w", err)
	}
	return t, nil
}

func (r *metadataRepository) GetTableByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tableColumns + `
		FROM engine_tables
		WHERE tenant_id = $1 AND logical_name = $2 AND is_active`

	t, err := scanTable(q.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get table by name: %w", err)
	}
	return t, nil
}

func (r *metadataRepository) ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + tableColumns + `
		FROM engine_tables
		WHERE tenant_id = $1 AND is_active
		ORDER BY logical_name`

	rows, err := q.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]*models.Table, 0)
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

func (r *metadataRepository) UpdateTable(ctx context.Context, table *models.Table) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	metadataJSON, err := marshalMetadata(table.Metadata)
	if err != nil {
		return err
	}
	table.UpdatedAt = time.Now()

	query := `
		UPDATE engine_tables
		SET logical_name = $3, description = $4, metadata = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2 AND is_active`

	tag, err := q.Exec(ctx, query,
		table.TenantID, table.ID, table.LogicalName, table.Description, metadataJSON, table.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "table", table.LogicalName, "update table")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *metadataRepository) SoftDeleteTable(ctx context.Context, tenantID, tableID uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE engine_tables SET is_active = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active`

	tag, err := q.Exec(ctx, query, tenantID, tableID)
	if err != nil {
		return fmt.Errorf("failed to delete table: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	// Children go with the table.
	if _, err := q.Exec(ctx, `
		UPDATE engine_columns SET is_active = false, updated_at = now()
		WHERE table_id = $1 AND is_active`, tableID); err != nil {
		return fmt.Errorf("failed to delete table columns: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE engine_indexes SET is_active = false, updated_at = now()
		WHERE table_id = $1 AND is_active`, tableID); err != nil {
		return fmt.Errorf("failed to delete table indexes: %w", err)
	}
	return nil
}

// ============================================================================
// Version Methods
// ============================================================================

func (r *metadataRepository) CurrentVersion(ctx context.Context, tableID uuid.UUID) (int, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}

	var version int
	err = q.QueryRow(ctx,
		`SELECT schema_version FROM engine_tables WHERE id = $1 AND is_active`, tableID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (r *metadataRepository) IncrementVersion(ctx context.Context, tableID uuid.UUID) (int, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}

	var version int
	err = q.QueryRow(ctx, `
		UPDATE engine_tables
		SET schema_version = schema_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING schema_version`, tableID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment schema version: %w", err)
	}
	return version, nil
}

// ============================================================================
// Column Methods
// ============================================================================

const columnColumns = `id, table_id, tenant_id, logical_name, physical_name, data_type, native_type,
		       is_nullable, is_unique, is_primary_key, is_indexed, is_encrypted, is_system,
		       default_value, check_expression, ordinal_position, description, is_active,
		       created_at, updated_at`

func (r *metadataRepository) CreateColumn(ctx context.Context, column *models.Column) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if column.ID == uuid.Nil {
		column.ID = uuid.New()
	}
	now := time.Now()
	column.CreatedAt = now
	column.UpdatedAt = now
	column.IsActive = true

	query := `
		INSERT INTO engine_columns (
			id, table_id, tenant_id, logical_name, physical_name, data_type, native_type,
			is_nullable, is_unique, is_primary_key, is_indexed, is_encrypted, is_system,
			default_value, check_expression, ordinal_position, description, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = q.Exec(ctx, query,
		column.ID, column.TableID, column.TenantID, column.LogicalName, column.PhysicalName,
		string(column.DataType), column.NativeType,
		column.IsNullable, column.IsUnique, column.IsPrimaryKey, column.IsIndexed, column.IsEncrypted, column.IsSystem,
		column.DefaultValue, column.CheckExpression, column.OrdinalPosition, column.Description, column.IsActive,
		column.CreatedAt, column.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "column", column.LogicalName, "create column")
	}
	return nil
}

func (r *metadataRepository) GetColumnByID(ctx context.Context, tableID, columnID uuid.UUID) (*models.Column, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columnColumns + `
		FROM engine_columns
		WHERE table_id = $1 AND id = $2 AND is_active`

	c, err := scanColumn(q.QueryRow(ctx, query, tableID, columnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get column: %w", err)
	}
	return c, nil
}

func (r *metadataRepository) GetColumnByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Column, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columnColumns + `
		FROM engine_columns
		WHERE table_id = $1 AND logical_name = $2 AND is_active`

	c, err := scanColumn(q.QueryRow(ctx, query, tableID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get column by name: %w", err)
	}
	return c, nil
}

func (r *metadataRepository) ListColumns(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + columnColumns + `
		FROM engine_columns
		WHERE table_id = $1 AND is_active
		ORDER BY ordinal_position`

	rows, err := q.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	columns := make([]*models.Column, 0)
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

func (r *metadataRepository) UpdateColumn(ctx context.Context, column *models.Column) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}
	column.UpdatedAt = time.Now()

	query := `
		UPDATE engine_columns
		SET logical_name = $3, is_nullable = $4, is_unique = $5, is_indexed = $6,
		    default_value = $7, description = $8, updated_at = $9
		WHERE table_id = $1 AND id = $2 AND is_active`

	tag, err := q.Exec(ctx, query,
		column.TableID, column.ID, column.LogicalName, column.IsNullable, column.IsUnique, column.IsIndexed,
		column.DefaultValue, column.Description, column.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "column", column.LogicalName, "update column")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *metadataRepository) SoftDeleteColumn(ctx context.Context, tableID, columnID uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_columns SET is_active = false, updated_at = now()
		WHERE table_id = $1 AND id = $2 AND is_active`, tableID, columnID)
	if err != nil {
		return fmt.Errorf("failed to delete column: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *metadataRepository) NextOrdinal(ctx context.Context, tableID uuid.UUID) (int, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}

	var next int
	err = q.QueryRow(ctx,
		`SELECT COALESCE(MAX(ordinal_position), 0) + 1 FROM engine_columns WHERE table_id = $1`, tableID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next ordinal: %w", err)
	}
	return next, nil
}

// ============================================================================
// Index Methods
// ============================================================================

const indexColumns = `id, table_id, tenant_id, logical_name, physical_name, columns, kind,
		       is_unique, where_clause, is_active, created_at, updated_at`

func (r *metadataRepository) CreateIndex(ctx context.Context, index *models.Index) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if index.ID == uuid.Nil {
		index.ID = uuid.New()
	}
	now := time.Now()
	index.CreatedAt = now
	index.UpdatedAt = now
	index.IsActive = true

	columnsJSON, err := json.Marshal(index.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal index columns: %w", err)
	}

	query := `
		INSERT INTO engine_indexes (
			id, table_id, tenant_id, logical_name, physical_name, columns, kind,
			is_unique, where_clause, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = q.Exec(ctx, query,
		index.ID, index.TableID, index.TenantID, index.LogicalName, index.PhysicalName,
		columnsJSON, string(index.Kind), index.IsUnique, index.Where, index.IsActive,
		index.CreatedAt, index.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "index", index.LogicalName, "create index")
	}
	return nil
}

func (r *metadataRepository) GetIndexByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Index, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + indexColumns + `
		FROM engine_indexes
		WHERE table_id = $1 AND logical_name = $2 AND is_active`

	idx, err := scanIndex(q.QueryRow(ctx, query, tableID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get index: %w", err)
	}
	return idx, nil
}

func (r *metadataRepository) ListIndexes(ctx context.Context, tableID uuid.UUID) ([]*models.Index, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + indexColumns + `
		FROM engine_indexes
		WHERE table_id = $1 AND is_active
		ORDER BY created_at, logical_name`

	rows, err := q.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	indexes := make([]*models.Index, 0)
	for rows.Next() {
		idx, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating indexes: %w", err)
	}
	return indexes, nil
}

func (r *metadataRepository) SoftDeleteIndex(ctx context.Context, tableID, indexID uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_indexes SET is_active = false, updated_at = now()
		WHERE table_id = $1 AND id = $2 AND is_active`, tableID, indexID)
	if err != nil {
		return fmt.Errorf("failed to delete index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *metadataRepository) SoftDeleteIndexesByColumn(ctx context.Context, tableID, columnID uuid.UUID) (int64, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, err
	}

	key, err := json.Marshal([]map[string]string{{"column_id": columnID.String()}})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal column filter: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_indexes SET is_active = false, updated_at = now()
		WHERE table_id = $1 AND is_active AND columns @> $2::jsonb`, tableID, key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete indexes for column: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// Relation Methods
// ============================================================================

const relationColumns = `id, tenant_id, logical_name, physical_name, source_table_id, source_column_id,
		       target_table_id, target_column_id, kind, on_delete, on_update, is_active,
		       created_at, updated_at`

func (r *metadataRepository) CreateRelation(ctx context.Context, rel *models.Relation) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	now := time.Now()
	rel.CreatedAt = now
	rel.UpdatedAt = now
	rel.IsActive = true

	query := `
		INSERT INTO engine_relations (
			id, tenant_id, logical_name, physical_name, source_table_id, source_column_id,
			target_table_id, target_column_id, kind, on_delete, on_update, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = q.Exec(ctx, query,
		rel.ID, rel.TenantID, rel.LogicalName, rel.PhysicalName,
		rel.SourceTableID, rel.SourceColumnID, rel.TargetTableID, rel.TargetColumnID,
		string(rel.Kind), string(rel.OnDelete), string(rel.OnUpdate), rel.IsActive,
		rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return duplicateOr(err, "relation", rel.LogicalName, "create relation")
	}
	return nil
}

func (r *metadataRepository) GetRelationByID(ctx context.Context, tenantID, relationID uuid.UUID) (*models.Relation, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + relationColumns + `
		FROM engine_relations
		WHERE tenant_id = $1 AND id = $2 AND is_active`

	rel, err := scanRelation(q.QueryRow(ctx, query, tenantID, relationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relation: %w", err)
	}
	return rel, nil
}

func (r *metadataRepository) GetRelationByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Relation, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + relationColumns + `
		FROM engine_relations
		WHERE tenant_id = $1 AND logical_name = $2 AND is_active`

	rel, err := scanRelation(q.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relation by name: %w", err)
	}
	return rel, nil
}

func (r *metadataRepository) ListRelationsByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Relation, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + relationColumns + `
		FROM engine_relations
		WHERE (source_table_id = $1 OR target_table_id = $1) AND is_active
		ORDER BY logical_name`

	rows, err := q.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	relations := make([]*models.Relation, 0)
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		relations = append(relations, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}
	return relations, nil
}

func (r *metadataRepository) SoftDeleteRelation(ctx context.Context, tenantID, relationID uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE engine_relations SET is_active = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active`, tenantID, relationID)
	if err != nil {
		return fmt.Errorf("failed to delete relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ============================================================================
// Scan helpers
// ============================================================================

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func scanTable(row pgx.Row) (*models.Table, error) {
	var t models.Table
	var metadataJSON []byte
	err := row.Scan(
		&t.ID, &t.TenantID, &t.LogicalName, &t.PhysicalName, &t.SchemaVersion,
		&t.Description, &metadataJSON, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &t, nil
}

func scanColumn(row pgx.Row) (*models.Column, error) {
	var c models.Column
	var dataType string
	err := row.Scan(
		&c.ID, &c.TableID, &c.TenantID, &c.LogicalName, &c.PhysicalName, &dataType, &c.NativeType,
		&c.IsNullable, &c.IsUnique, &c.IsPrimaryKey, &c.IsIndexed, &c.IsEncrypted, &c.IsSystem,
		&c.DefaultValue, &c.CheckExpression, &c.OrdinalPosition, &c.Description, &c.IsActive,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.DataType = models.DataType(dataType)
	return &c, nil
}

func scanIndex(row pgx.Row) (*models.Index, error) {
	var idx models.Index
	var columnsJSON []byte
	var kind string
	err := row.Scan(
		&idx.ID, &idx.TableID, &idx.TenantID, &idx.LogicalName, &idx.PhysicalName, &columnsJSON, &kind,
		&idx.IsUnique, &idx.Where, &idx.IsActive, &idx.CreatedAt, &idx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	idx.Kind = models.IndexKind(kind)
	if err := json.Unmarshal(columnsJSON, &idx.Columns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal index columns: %w", err)
	}
	return &idx, nil
}

func scanRelation(row pgx.Row) (*models.Relation, error) {
	var rel models.Relation
	var kind, onDelete, onUpdate string
	err := row.Scan(
		&rel.ID, &rel.TenantID, &rel.LogicalName, &rel.PhysicalName,
		&rel.SourceTableID, &rel.SourceColumnID, &rel.TargetTableID, &rel.TargetColumnID,
		&kind, &onDelete, &onUpdate, &rel.IsActive, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rel.Kind = models.RelationKind(kind)
	rel.OnDelete = models.ReferentialAction(onDelete)
	rel.OnUpdate = models.ReferentialAction(onUpdate)
	return &rel, nil
}
