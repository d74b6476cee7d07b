package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/naming"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
	"github.com/ekaya-inc/ekaya-tables/pkg/typemap"
)

// ============================================================================
// Columns
// ============================================================================

func (s *schemaService) AddColumn(ctx context.Context, tenantID uuid.UUID, tableName string, req *models.AddColumnRequest) (*models.Column, error) {
	var col *models.Column
	_, err := s.run(ctx, tenantID, models.OperationAddColumn, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		if err := s.validateColumnDefinition(req.Column); err != nil {
			return nil, err
		}
		table, err := loadTable(ctx, s.metadata, tenantID, tableName)
		if err != nil {
			return nil, err
		}
		if _, ok := table.ColumnByName(req.Column.Name); ok {
			return nil, apperrors.DuplicateName("column", req.Column.Name)
		}

		// The ordinal is assigned under the lock.
		col = newColumn(table, req.Column, 0)
		def, err := s.columnDef(ctx, table, col, columnResolver(append(table.Columns, col)))
		if err != nil {
			return nil, err
		}
		extra, idx := columnExtras(table, col)

		return &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			guard: func(ctx context.Context) error {
				n, err := s.metadata.NextOrdinal(ctx, table.ID)
				if err != nil {
					return fmt.Errorf("next ordinal: %w", err)
				}
				col.OrdinalPosition = n
				return nil
			},
			ddl: func() []string {
				return append([]string{sql.AddColumn(table.PhysicalName, def)}, extra...)
			},
			persist: func(ctx context.Context) error {
				if err := s.metadata.CreateColumn(ctx, col); err != nil {
					return err
				}
				if idx != nil {
					return s.metadata.CreateIndex(ctx, idx)
				}
				return nil
			},
			payload: map[string]any{
				"column":        col.LogicalName,
				"physical_name": col.PhysicalName,
				"data_type":     string(col.DataType),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (s *schemaService) UpdateColumn(ctx context.Context, tenantID uuid.UUID, tableName, columnName string, req *models.UpdateColumnRequest) (*models.Column, error) {
	var updated *models.Column
	_, err := s.run(ctx, tenantID, models.OperationUpdateColumn, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		table, col, err := s.loadColumn(ctx, tenantID, tableName, columnName)
		if err != nil {
			return nil, err
		}
		if col.IsSystem {
			return nil, apperrors.Validation("column %q is system-managed", columnName)
		}
		change, err := s.applyColumnUpdate(ctx, tenantID, table, col, req)
		if err != nil {
			return nil, err
		}
		if len(change.changed) == 0 {
			return nil, apperrors.Validation("no changes requested")
		}

		var stmts []string
		m := &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			ddl:      func() []string { return stmts },
		}
		// Re-plan against the column as stored under the lock so a concurrent
		// update is neither overwritten nor undone by stale DDL.
		m.guard = func(ctx context.Context) error {
			current, err := loadTableByID(ctx, s.metadata, tenantID, table.ID)
			if err != nil {
				return err
			}
			c, ok := current.ColumnByID(col.ID)
			if !ok {
				return apperrors.NotFound("column", columnName)
			}
			change, err := s.applyColumnUpdate(ctx, tenantID, current, c, req)
			if err != nil {
				return err
			}
			updated, stmts, m.changed = change.column, change.stmts, change.changed
			m.payload = map[string]any{"column": updated.LogicalName}
			return nil
		}
		m.persist = func(ctx context.Context) error {
			return s.metadata.UpdateColumn(ctx, updated)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// columnChange is an UpdateColumnRequest applied to one stored column.
type columnChange struct {
	column  *models.Column
	stmts   []string
	changed map[string]models.FieldChange
}

func (s *schemaService) applyColumnUpdate(ctx context.Context, tenantID uuid.UUID, table *models.Table, col *models.Column, req *models.UpdateColumnRequest) (*columnChange, error) {
	updated := *col
	out := &columnChange{column: &updated, changed: make(map[string]models.FieldChange)}

	if req.Name != nil && *req.Name != col.LogicalName {
		if err := s.validateName("column", *req.Name); err != nil {
			return nil, err
		}
		if models.IsSystemColumnName(*req.Name) {
			return nil, apperrors.Validation("column name %q is reserved for a system column", *req.Name)
		}
		if _, ok := table.ColumnByName(*req.Name); ok {
			return nil, apperrors.DuplicateName("column", *req.Name)
		}
		// Logical rename only; the physical name never changes.
		out.changed["name"] = models.FieldChange{Old: col.LogicalName, New: *req.Name}
		updated.LogicalName = *req.Name
	}

	if req.IsNullable != nil && *req.IsNullable != col.IsNullable {
		if *req.IsNullable {
			out.stmts = append(out.stmts, sql.DropNotNull(table.PhysicalName, col.PhysicalName))
		} else {
			out.stmts = append(out.stmts, sql.SetNotNull(table.PhysicalName, col.PhysicalName))
		}
		out.changed["is_nullable"] = models.FieldChange{Old: col.IsNullable, New: *req.IsNullable}
		updated.IsNullable = *req.IsNullable
	}

	if req.IsUnique != nil && *req.IsUnique != col.IsUnique {
		constraint := sql.UniqueConstraintName(table.PhysicalName, col.PhysicalName)
		if *req.IsUnique {
			if col.DataType.IsStructured() {
				return nil, apperrors.Validation("column %q of type %s cannot be unique", col.LogicalName, col.DataType)
			}
			out.stmts = append(out.stmts, sql.AddUniqueConstraint(table.PhysicalName, constraint, col.PhysicalName))
		} else {
			out.stmts = append(out.stmts, sql.DropConstraint(table.PhysicalName, constraint))
		}
		out.changed["is_unique"] = models.FieldChange{Old: col.IsUnique, New: *req.IsUnique}
		updated.IsUnique = *req.IsUnique
	}

	switch {
	case req.DropDefault:
		if col.DefaultValue != nil {
			out.stmts = append(out.stmts, sql.DropDefault(table.PhysicalName, col.PhysicalName))
			out.changed["default_value"] = models.FieldChange{Old: *col.DefaultValue, New: nil}
			updated.DefaultValue = nil
		}
	case req.DefaultValue != nil:
		expr, err := s.rewriteFragment(ctx, tenantID, table.LogicalName, "default_value", *req.DefaultValue, nil)
		if err != nil {
			return nil, err
		}
		out.stmts = append(out.stmts, sql.SetDefault(table.PhysicalName, col.PhysicalName, expr))
		out.changed["default_value"] = models.FieldChange{Old: derefString(col.DefaultValue), New: *req.DefaultValue}
		updated.DefaultValue = req.DefaultValue
	}

	if req.Description != nil {
		out.changed["description"] = models.FieldChange{Old: derefString(col.Description), New: *req.Description}
		updated.Description = req.Description
	}
	return out, nil
}

func (s *schemaService) DeleteColumn(ctx context.Context, tenantID uuid.UUID, tableName, columnName string, req *models.DeleteColumnRequest) error {
	_, err := s.run(ctx, tenantID, models.OperationDeleteColumn, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			req = &models.DeleteColumnRequest{}
		}
		table, col, err := s.loadColumn(ctx, tenantID, tableName, columnName)
		if err != nil {
			return nil, err
		}
		if col.IsSystem {
			return nil, apperrors.Validation("system column %q cannot be deleted", columnName)
		}

		return &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			guard: func(ctx context.Context) error {
				rels, err := s.metadata.ListRelationsByTable(ctx, table.ID)
				if err != nil {
					return fmt.Errorf("list relations: %w", err)
				}
				for _, r := range rels {
					if r.References(col.ID) {
						return apperrors.Validation("column %q is referenced by relation %q", columnName, r.LogicalName).
							WithDetail("relation", r.LogicalName)
					}
				}
				return nil
			},
			ddl: func() []string {
				// The backend drops indexes and constraints on the column with it.
				return []string{sql.DropColumn(table.PhysicalName, col.PhysicalName)}
			},
			persist: func(ctx context.Context) error {
				if _, err := s.metadata.SoftDeleteIndexesByColumn(ctx, table.ID, col.ID); err != nil {
					return err
				}
				return s.metadata.SoftDeleteColumn(ctx, table.ID, col.ID)
			},
			payload: map[string]any{
				"column":        col.LogicalName,
				"physical_name": col.PhysicalName,
			},
		}, nil
	})
	return err
}

func (s *schemaService) loadColumn(ctx context.Context, tenantID uuid.UUID, tableName, columnName string) (*models.Table, *models.Column, error) {
	table, err := loadTable(ctx, s.metadata, tenantID, tableName)
	if err != nil {
		return nil, nil, err
	}
	col, ok := table.ColumnByName(columnName)
	if !ok {
		return nil, nil, apperrors.NotFound("column", columnName)
	}
	return table, col, nil
}

// ============================================================================
// Indexes
// ============================================================================

func (s *schemaService) CreateIndex(ctx context.Context, tenantID uuid.UUID, tableName string, req *models.CreateIndexRequest) (*models.Index, error) {
	var idx *models.Index
	_, err := s.run(ctx, tenantID, models.OperationCreateIndex, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		if err := s.validateName("index", req.Name); err != nil {
			return nil, err
		}
		if len(req.Columns) == 0 {
			return nil, apperrors.Validation("index %q needs at least one column", req.Name)
		}
		table, err := loadTable(ctx, s.metadata, tenantID, tableName)
		if err != nil {
			return nil, err
		}
		if _, ok := table.IndexByName(req.Name); ok {
			return nil, apperrors.DuplicateName("index", req.Name)
		}

		keys := make([]models.IndexColumn, 0, len(req.Columns))
		seen := make(map[uuid.UUID]bool, len(req.Columns))
		var first *models.Column
		for _, k := range req.Columns {
			col, ok := table.ColumnByName(k.Column)
			if !ok {
				return nil, apperrors.NotFound("column", k.Column)
			}
			if seen[col.ID] {
				return nil, apperrors.Validation("column %q appears twice in index %q", k.Column, req.Name)
			}
			seen[col.ID] = true
			if first == nil {
				first = col
			}

			dir := k.Direction
			if dir == "" {
				dir = models.SortAsc
			}
			if !dir.IsValid() {
				return nil, apperrors.Validation("invalid direction %q for column %q", k.Direction, k.Column)
			}
			if !k.Nulls.IsValid() {
				return nil, apperrors.Validation("invalid nulls ordering %q for column %q", k.Nulls, k.Column)
			}
			keys = append(keys, models.IndexColumn{
				ColumnID:     col.ID,
				PhysicalName: col.PhysicalName,
				Direction:    dir,
				Nulls:        k.Nulls,
			})
		}

		kind := req.Kind
		if kind == "" {
			kind = typemap.RecommendedIndexKind(first.DataType)
		}
		if !kind.IsValid() {
			return nil, apperrors.Validation("invalid index kind %q", req.Kind)
		}
		if req.IsUnique && kind != models.IndexKindBTree {
			return nil, apperrors.Validation("unique indexes must use %s, not %s", models.IndexKindBTree, kind)
		}

		var where string
		if req.Where != nil {
			if where, err = s.rewriteFragment(ctx, tenantID, table.LogicalName, "where", *req.Where, columnResolver(table.Columns)); err != nil {
				return nil, err
			}
		}

		id := uuid.New()
		idx = &models.Index{
			ID:           id,
			TableID:      table.ID,
			TenantID:     tenantID,
			LogicalName:  req.Name,
			PhysicalName: naming.Generate(naming.KindIndex, naming.Scope(table.ID, id), req.Name),
			Columns:      keys,
			Kind:         kind,
			IsUnique:     req.IsUnique,
			Where:        req.Where,
			IsActive:     true,
		}

		return &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			ddl: func() []string {
				return []string{sql.CreateIndex(table.PhysicalName, sql.IndexDef{
					Name:    idx.PhysicalName,
					Columns: idx.Columns,
					Kind:    idx.Kind,
					Unique:  idx.IsUnique,
					Where:   where,
				})}
			},
			persist: func(ctx context.Context) error {
				return s.metadata.CreateIndex(ctx, idx)
			},
			payload: map[string]any{
				"index":         idx.LogicalName,
				"physical_name": idx.PhysicalName,
				"kind":          string(idx.Kind),
				"unique":        idx.IsUnique,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (s *schemaService) DeleteIndex(ctx context.Context, tenantID uuid.UUID, tableName, indexName string, req *models.DeleteIndexRequest) error {
	_, err := s.run(ctx, tenantID, models.OperationDeleteIndex, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			req = &models.DeleteIndexRequest{}
		}
		table, err := loadTable(ctx, s.metadata, tenantID, tableName)
		if err != nil {
			return nil, err
		}
		idx, ok := table.IndexByName(indexName)
		if !ok {
			return nil, apperrors.NotFound("index", indexName)
		}

		return &mutation{
			tableID:  table.ID,
			expected: req.ExpectedVersion,
			ddl:      func() []string { return []string{sql.DropIndex(idx.PhysicalName)} },
			persist: func(ctx context.Context) error {
				return s.metadata.SoftDeleteIndex(ctx, table.ID, idx.ID)
			},
			payload: map[string]any{
				"index":         idx.LogicalName,
				"physical_name": idx.PhysicalName,
			},
		}, nil
	})
	return err
}
