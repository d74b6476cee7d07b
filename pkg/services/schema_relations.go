package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/naming"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
)

// ============================================================================
// Relations
// ============================================================================

// defaultRelationName names a relation after its tables, e.g. orders -> customers
// becomes "order_customers".
func defaultRelationName(source, target string) string {
	return inflection.Singular(source) + "_" + inflection.Plural(target)
}

func (s *schemaService) CreateRelation(ctx context.Context, tenantID uuid.UUID, req *models.CreateRelationRequest) (*models.Relation, error) {
	var rel *models.Relation
	_, err := s.run(ctx, tenantID, models.OperationCreateRelation, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			return nil, apperrors.Validation("request is required")
		}
		source, srcCol, err := s.loadColumn(ctx, tenantID, req.SourceTable, req.SourceColumn)
		if err != nil {
			return nil, err
		}
		targetColumn := req.TargetColumn
		if targetColumn == "" {
			targetColumn = models.SystemColumnID
		}
		target, tgtCol, err := s.loadColumn(ctx, tenantID, req.TargetTable, targetColumn)
		if err != nil {
			return nil, err
		}

		if !tgtCol.IsPrimaryKey && !tgtCol.IsUnique {
			return nil, apperrors.Validation("target column %q must be unique", targetColumn)
		}
		if srcCol.DataType != tgtCol.DataType {
			return nil, apperrors.Validation("column %q (%s) cannot reference %q (%s)",
				req.SourceColumn, srcCol.DataType, targetColumn, tgtCol.DataType)
		}

		kind := req.Kind
		if kind == "" {
			kind = models.RelationOneToMany
		}
		if !kind.IsValid() {
			return nil, apperrors.Validation("invalid relation kind %q", req.Kind)
		}
		onDelete, err := referentialAction("on_delete", req.OnDelete)
		if err != nil {
			return nil, err
		}
		onUpdate, err := referentialAction("on_update", req.OnUpdate)
		if err != nil {
			return nil, err
		}
		if (onDelete == models.ActionSetNull || onUpdate == models.ActionSetNull) && !srcCol.IsNullable {
			return nil, apperrors.Validation("set_null requires nullable column %q", req.SourceColumn)
		}

		name := req.Name
		if name == "" {
			name = defaultRelationName(source.LogicalName, target.LogicalName)
		}
		if err := s.validateName("relation", name); err != nil {
			return nil, err
		}
		if _, err := s.metadata.GetRelationByName(ctx, tenantID, name); err == nil {
			return nil, apperrors.DuplicateName("relation", name)
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("get relation: %w", err)
		}

		id := uuid.New()
		rel = &models.Relation{
			ID:             id,
			TenantID:       tenantID,
			LogicalName:    name,
			PhysicalName:   naming.Generate(naming.KindForeignKey, naming.Scope(tenantID, id), name),
			SourceTableID:  source.ID,
			SourceColumnID: srcCol.ID,
			TargetTableID:  target.ID,
			TargetColumnID: tgtCol.ID,
			Kind:           kind,
			OnDelete:       onDelete,
			OnUpdate:       onUpdate,
			IsActive:       true,
		}

		return &mutation{
			tableID:  source.ID,
			lockIDs:  []uuid.UUID{target.ID},
			expected: req.ExpectedVersion,
			ddl: func() []string {
				return []string{sql.AddForeignKey(sql.ForeignKeyDef{
					Table:     source.PhysicalName,
					Name:      rel.PhysicalName,
					Column:    srcCol.PhysicalName,
					RefTable:  target.PhysicalName,
					RefColumn: tgtCol.PhysicalName,
					OnDelete:  onDelete,
					OnUpdate:  onUpdate,
				})}
			},
			persist: func(ctx context.Context) error {
				return s.metadata.CreateRelation(ctx, rel)
			},
			payload: map[string]any{
				"relation":      rel.LogicalName,
				"physical_name": rel.PhysicalName,
				"source_table":  source.LogicalName,
				"source_column": srcCol.LogicalName,
				"target_table":  target.LogicalName,
				"target_column": tgtCol.LogicalName,
				"kind":          string(kind),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func (s *schemaService) DeleteRelation(ctx context.Context, tenantID uuid.UUID, name string, req *models.DeleteRelationRequest) error {
	_, err := s.run(ctx, tenantID, models.OperationDeleteRelation, func(ctx context.Context) (*mutation, error) {
		if req == nil {
			req = &models.DeleteRelationRequest{}
		}
		rel, err := s.metadata.GetRelationByName(ctx, tenantID, name)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, apperrors.NotFound("relation", name)
			}
			return nil, fmt.Errorf("get relation: %w", err)
		}
		source, err := s.metadata.GetTableByID(ctx, tenantID, rel.SourceTableID)
		if err != nil {
			return nil, fmt.Errorf("get source table: %w", err)
		}

		return &mutation{
			tableID:  source.ID,
			lockIDs:  []uuid.UUID{rel.TargetTableID},
			expected: req.ExpectedVersion,
			ddl: func() []string {
				return []string{sql.DropForeignKey(source.PhysicalName, rel.PhysicalName)}
			},
			persist: func(ctx context.Context) error {
				return s.metadata.SoftDeleteRelation(ctx, tenantID, rel.ID)
			},
			payload: map[string]any{
				"relation":      rel.LogicalName,
				"physical_name": rel.PhysicalName,
			},
		}, nil
	})
	return err
}

func (s *schemaService) ListRelations(ctx context.Context, tenantID uuid.UUID, tableName string) ([]*models.Relation, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	table, err := s.metadata.GetTableByName(ctx, tenantID, tableName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("table", tableName)
		}
		return nil, apperrors.Normalize("list relations", err)
	}
	rels, err := s.metadata.ListRelationsByTable(ctx, table.ID)
	if err != nil {
		return nil, apperrors.Normalize("list relations", err)
	}
	return rels, nil
}

func referentialAction(field string, a models.ReferentialAction) (models.ReferentialAction, error) {
	if a == "" {
		return models.ActionNoAction, nil
	}
	if !a.IsValid() {
		return "", apperrors.Validation("invalid %s action %q", field, a)
	}
	return a, nil
}
