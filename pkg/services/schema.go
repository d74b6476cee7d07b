package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/lock"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/naming"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
	"github.com/ekaya-inc/ekaya-tables/pkg/typemap"
)

// SchemaService applies structural changes to tenant tables. Every mutation
// validates its input, checks the caller's expected version, takes the table
// locks and then executes DDL, writes descriptors, bumps the version and
// appends a change-log entry in one transaction.
type SchemaService interface {
	// CreateTable creates a table with the system columns plus the requested columns.
	CreateTable(ctx context.Context, tenantID uuid.UUID, req *models.CreateTableRequest) (*models.Table, error)

	// GetTable returns a table with its active columns and indexes.
	GetTable(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error)

	// ListTables returns the tenant's active tables without columns.
	ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error)

	// UpdateTable renames a table or changes its description and metadata.
	// The physical table is untouched.
	UpdateTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.UpdateTableRequest) (*models.Table, error)

	// DeleteTable drops the physical table and deactivates its descriptors.
	// Tables referenced by relations from other tables cannot be deleted.
	DeleteTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.DeleteTableRequest) error

	AddColumn(ctx context.Context, tenantID uuid.UUID, table string, req *models.AddColumnRequest) (*models.Column, error)
	UpdateColumn(ctx context.Context, tenantID uuid.UUID, table, column string, req *models.UpdateColumnRequest) (*models.Column, error)
	DeleteColumn(ctx context.Context, tenantID uuid.UUID, table, column string, req *models.DeleteColumnRequest) error

	CreateIndex(ctx context.Context, tenantID uuid.UUID, table string, req *models.CreateIndexRequest) (*models.Index, error)
	DeleteIndex(ctx context.Context, tenantID uuid.UUID, table, index string, req *models.DeleteIndexRequest) error

	// CreateRelation adds a foreign key. The source table's version is bumped.
	CreateRelation(ctx context.Context, tenantID uuid.UUID, req *models.CreateRelationRequest) (*models.Relation, error)
	DeleteRelation(ctx context.Context, tenantID uuid.UUID, name string, req *models.DeleteRelationRequest) error

	// ListRelations returns active relations where the table is source or target.
	ListRelations(ctx context.Context, tenantID uuid.UUID, table string) ([]*models.Relation, error)
}

type schemaService struct {
	metadata  repositories.MetadataRepository
	changeLog repositories.ChangeLogRepository
	locks     *lock.Coordinator
	auditor   *audit.SecurityAuditor
	tenantCtx TenantContextFunc
	cfg       config.EngineConfig
	listeners []SchemaChangeListener
	logger    *zap.Logger
}

var _ SchemaService = (*schemaService)(nil)

// NewSchemaService creates a new schema service. Listeners are called after
// every committed mutation.
func NewSchemaService(
	metadata repositories.MetadataRepository,
	changeLog repositories.ChangeLogRepository,
	locks *lock.Coordinator,
	auditor *audit.SecurityAuditor,
	tenantCtx TenantContextFunc,
	cfg config.EngineConfig,
	logger *zap.Logger,
	listeners ...SchemaChangeListener,
) SchemaService {
	return &schemaService{
		metadata:  metadata,
		changeLog: changeLog,
		locks:     locks,
		auditor:   auditor,
		tenantCtx: tenantCtx,
		cfg:       cfg,
		listeners: listeners,
		logger:    logger.Named("schema"),
	}
}

// ============================================================================
// Tables
// ============================================================================

func (s *schemaService) CreateTable(ctx context.Context, tenantID uuid.UUID, req *models.CreateTableRequest) (*models.Table, error) {
	var table *models.Table
	_, err := s.run(ctx, tenantID, models.OperationCreateTable, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		if err := s.validateName("table", req.Name); err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(req.Columns))
		for _, def := range req.Columns {
			if err := s.validateColumnDefinition(def); err != nil {
				return nil, err
			}
			if seen[def.Name] {
				return nil, apperrors.DuplicateName("column", def.Name)
			}
			seen[def.Name] = true
		}
		if err := s.ensureTableNameFree(ctx, tenantID, req.Name); err != nil {
			return nil, err
		}

		tableID := uuid.New()
		table = &models.Table{
			ID:            tableID,
			TenantID:      tenantID,
			LogicalName:   req.Name,
			PhysicalName:  naming.Generate(naming.KindTable, naming.Scope(tenantID, tableID), req.Name),
			SchemaVersion: 1,
			Description:   req.Description,
			Metadata:      req.Metadata,
			IsActive:      true,
		}
		table.Columns = systemColumns(table)
		userColumns := make([]*models.Column, len(req.Columns))
		for i, def := range req.Columns {
			userColumns[i] = newColumn(table, def, len(models.SystemColumnNames)+i+1)
		}
		table.Columns = append(table.Columns, userColumns...)

		resolve := columnResolver(table.Columns)
		defs := make([]sql.ColumnDef, 0, len(table.Columns))
		for _, c := range table.Columns {
			def, err := s.columnDef(ctx, table, c, resolve)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}

		stmts := []string{
			sql.CreateTable(table.PhysicalName, defs),
			tenantIndex(table),
		}
		for _, c := range userColumns {
			extra, idx := columnExtras(table, c)
			stmts = append(stmts, extra...)
			if idx != nil {
				table.Indexes = append(table.Indexes, idx)
			}
		}

		return &mutation{
			tableID: table.ID,
			create:  true,
			ddl:     func() []string { return stmts },
			persist: func(ctx context.Context) error {
				if err := s.metadata.CreateTable(ctx, table); err != nil {
					return err
				}
				for _, c := range table.Columns {
					if err := s.metadata.CreateColumn(ctx, c); err != nil {
						return err
					}
				}
				for _, idx := range table.Indexes {
					if err := s.metadata.CreateIndex(ctx, idx); err != nil {
						return err
					}
				}
				return nil
			},
			payload: map[string]any{
				"name":          table.LogicalName,
				"physical_name": table.PhysicalName,
				"columns":       columnNames(userColumns),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

func (s *schemaService) GetTable(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	table, err := loadTable(ctx, s.metadata, tenantID, name)
	if err != nil {
		return nil, apperrors.Normalize("get table", err)
	}
	return table, nil
}

func (s *schemaService) ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	tables, err := s.metadata.ListTables(ctx, tenantID)
	if err != nil {
		s.logger.Error("Failed to list tables",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, apperrors.Normalize("list tables", err)
	}
	return tables, nil
}

func (s *schemaService) UpdateTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.UpdateTableRequest) (*models.Table, error) {
	var table *models.Table
	version, err := s.run(ctx, tenantID, models.OperationUpdateTable, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		planned, err := loadTable(ctx, s.metadata, tenantID, name)
		if err != nil {
			return nil, err
		}
		changed, err := s.applyTableUpdate(ctx, tenantID, planned, req)
		if err != nil {
			return nil, err
		}
		if len(changed) == 0 {
			return nil, apperrors.Validation("no changes requested")
		}

		m := &mutation{
			tableID:  planned.ID,
			expected: req.ExpectedVersion,
		}
		// The request is applied again to the row read under the lock, so
		// fields another mutation changed after planning are kept.
		m.guard = func(ctx context.Context) error {
			current, err := loadTableByID(ctx, s.metadata, tenantID, planned.ID)
			if err != nil {
				return err
			}
			if m.changed, err = s.applyTableUpdate(ctx, tenantID, current, req); err != nil {
				return err
			}
			table = current
			m.payload = map[string]any{"name": table.LogicalName}
			return nil
		}
		m.persist = func(ctx context.Context) error {
			return s.metadata.UpdateTable(ctx, table)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	table.SchemaVersion = version
	return table, nil
}

// applyTableUpdate applies req to table and returns the fields it changed.
func (s *schemaService) applyTableUpdate(ctx context.Context, tenantID uuid.UUID, table *models.Table, req *models.UpdateTableRequest) (map[string]models.FieldChange, error) {
	changed := make(map[string]models.FieldChange)
	if req.Name != nil && *req.Name != table.LogicalName {
		if err := s.validateName("table", *req.Name); err != nil {
			return nil, err
		}
		if err := s.ensureTableNameFree(ctx, tenantID, *req.Name); err != nil {
			return nil, err
		}
		changed["name"] = models.FieldChange{Old: table.LogicalName, New: *req.Name}
		table.LogicalName = *req.Name
	}
	if req.Description != nil {
		changed["description"] = models.FieldChange{Old: derefString(table.Description), New: *req.Description}
		table.Description = req.Description
	}
	if req.Metadata != nil {
		changed["metadata"] = models.FieldChange{Old: table.Metadata, New: req.Metadata}
		table.Metadata = req.Metadata
	}
	return changed, nil
}

func (s *schemaService) DeleteTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.DeleteTableRequest) error {
	_, err := s.run(ctx, tenantID, models.OperationDeleteTable, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			req = &models.DeleteTableRequest{}
		}
		table, err := loadTable(ctx, s.metadata, tenantID, name)
		if err != nil {
			return nil, err
		}

		var outbound []*models.Relation
		return &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			guard: func(ctx context.Context) error {
				rels, err := s.metadata.ListRelationsByTable(ctx, table.ID)
				if err != nil {
					return fmt.Errorf("list relations: %w", err)
				}
				for _, r := range rels {
					if r.TargetTableID == table.ID && r.SourceTableID != table.ID {
						return apperrors.Validation("table %q is referenced by relation %q", table.LogicalName, r.LogicalName).
							WithDetail("relation", r.LogicalName)
					}
					outbound = append(outbound, r)
				}
				return nil
			},
			ddl: func() []string {
				return []string{sql.DropTable(table.PhysicalName)}
			},
			persist: func(ctx context.Context) error {
				// Foreign keys on the dropped table went with it.
				for _, r := range outbound {
					if err := s.metadata.SoftDeleteRelation(ctx, tenantID, r.ID); err != nil {
						return err
					}
				}
				return s.metadata.SoftDeleteTable(ctx, tenantID, table.ID)
			},
			payload: map[string]any{
				"name":          table.LogicalName,
				"physical_name": table.PhysicalName,
			},
		}, nil
	})
	return err
}

// ensureTableNameFree reports DuplicateName when an active table already uses name.
// The metadata unique index still guards the race between this check and the insert.
func (s *schemaService) ensureTableNameFree(ctx context.Context, tenantID uuid.UUID, name string) error {
	_, err := s.metadata.GetTableByName(ctx, tenantID, name)
	switch {
	case err == nil:
		return apperrors.DuplicateName("table", name)
	case errors.Is(err, apperrors.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("get table: %w", err)
	}
}

// ============================================================================
// Descriptor construction
// ============================================================================

// systemColumns returns the four engine-managed columns of a new table.
func systemColumns(table *models.Table) []*models.Column {
	specs := []struct {
		name       string
		dataType   models.DataType
		primaryKey bool
		def        *string
	}{
		{models.SystemColumnID, models.DataTypeUUID, true, strPtr("gen_random_uuid()")},
		{models.SystemColumnTenantID, models.DataTypeUUID, false, nil},
		{models.SystemColumnCreatedAt, models.DataTypeSystemTimestamp, false, typemap.DefaultExpression(models.DataTypeSystemTimestamp)},
		{models.SystemColumnUpdatedAt, models.DataTypeSystemTimestamp, false, typemap.DefaultExpression(models.DataTypeSystemTimestamp)},
	}

	cols := make([]*models.Column, len(specs))
	for i, spec := range specs {
		c := newColumn(table, models.ColumnDefinition{
			Name:         spec.name,
			DataType:     spec.dataType,
			IsNullable:   boolPtr(false),
			DefaultValue: spec.def,
		}, i+1)
		c.IsPrimaryKey = spec.primaryKey
		c.IsIndexed = spec.name == models.SystemColumnTenantID
		c.IsSystem = true
		cols[i] = c
	}
	return cols
}

// newColumn builds a descriptor with a freshly minted physical name.
func newColumn(table *models.Table, def models.ColumnDefinition, ordinal int) *models.Column {
	id := uuid.New()
	return &models.Column{
		ID:              id,
		TableID:         table.ID,
		TenantID:        table.TenantID,
		LogicalName:     def.Name,
		PhysicalName:    naming.Generate(naming.KindColumn, naming.Scope(table.ID, id), def.Name),
		DataType:        def.DataType,
		NativeType:      typemap.ToNativeType(def.DataType),
		IsNullable:      def.Nullable(),
		IsUnique:        def.IsUnique,
		IsIndexed:       def.IsIndexed,
		IsEncrypted:     def.IsEncrypted,
		DefaultValue:    def.DefaultValue,
		CheckExpression: def.CheckExpression,
		OrdinalPosition: ordinal,
		Description:     def.Description,
		IsActive:        true,
	}
}

// columnDef builds the physical column clause. User default and check
// expressions are screened and rewritten; the descriptor keeps the logical form.
func (s *schemaService) columnDef(ctx context.Context, table *models.Table, c *models.Column, resolve sql.Resolver) (sql.ColumnDef, error) {
	def := sql.ColumnDefFor(table.PhysicalName, c)
	if c.IsSystem {
		return def, nil
	}
	if c.DefaultValue != nil {
		expr, err := s.rewriteFragment(ctx, table.TenantID, table.LogicalName, "default_value", *c.DefaultValue, nil)
		if err != nil {
			return sql.ColumnDef{}, err
		}
		def.Default = &expr
	}
	if c.CheckExpression != nil {
		expr, err := s.rewriteFragment(ctx, table.TenantID, table.LogicalName, "check_expression", *c.CheckExpression, resolve)
		if err != nil {
			return sql.ColumnDef{}, err
		}
		def.Check = &expr
	}
	return def, nil
}

// columnExtras returns the unique constraint and secondary index a new column
// asks for. A unique column already has an index, so is_indexed adds none.
func columnExtras(table *models.Table, c *models.Column) ([]string, *models.Index) {
	if c.IsUnique {
		return []string{sql.AddUniqueConstraint(table.PhysicalName,
			sql.UniqueConstraintName(table.PhysicalName, c.PhysicalName), c.PhysicalName)}, nil
	}
	if !c.IsIndexed {
		return nil, nil
	}

	id := uuid.New()
	logical := c.LogicalName + "_index"
	idx := &models.Index{
		ID:           id,
		TableID:      table.ID,
		TenantID:     table.TenantID,
		LogicalName:  logical,
		PhysicalName: naming.Generate(naming.KindIndex, naming.Scope(table.ID, id), logical),
		Columns: []models.IndexColumn{{
			ColumnID:     c.ID,
			PhysicalName: c.PhysicalName,
			Direction:    models.SortAsc,
		}},
		Kind:     typemap.RecommendedIndexKind(c.DataType),
		IsActive: true,
	}
	return []string{sql.CreateIndex(table.PhysicalName, sql.IndexDef{
		Name:    idx.PhysicalName,
		Columns: idx.Columns,
		Kind:    idx.Kind,
	})}, idx
}

// tenantIndex is the DDL for the index backing the per-row tenant filter.
func tenantIndex(table *models.Table) string {
	tenantCol, _ := table.ColumnByName(models.SystemColumnTenantID)
	return sql.CreateIndex(table.PhysicalName, sql.IndexDef{
		Name: sql.TenantIndexName(table.PhysicalName),
		Columns: []models.IndexColumn{{
			ColumnID:     tenantCol.ID,
			PhysicalName: tenantCol.PhysicalName,
			Direction:    models.SortAsc,
		}},
	})
}

func columnNames(cols []*models.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.LogicalName
	}
	return out
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
