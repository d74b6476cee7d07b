package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/cache"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
)

// DescriptorResolver loads a table with its active columns and indexes,
// going through the descriptor cache when one is configured. It runs on the
// tenant scope in ctx.
type DescriptorResolver struct {
	metadata repositories.MetadataRepository
	cache    cache.DescriptorCache
	logger   *zap.Logger
}

var _ query.SchemaSource = (*DescriptorResolver)(nil)

// NewDescriptorResolver creates a resolver. c may be nil.
func NewDescriptorResolver(metadata repositories.MetadataRepository, c cache.DescriptorCache, logger *zap.Logger) *DescriptorResolver {
	return &DescriptorResolver{
		metadata: metadata,
		cache:    c,
		logger:   logger.Named("descriptor-resolver"),
	}
}

// ResolveTable returns the descriptor for a logical table name.
func (r *DescriptorResolver) ResolveTable(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	if r.cache == nil {
		return loadTable(ctx, r.metadata, tenantID, name)
	}

	table, ok, err := r.cache.Get(ctx, tenantID, name)
	if err != nil {
		r.logger.Warn("Descriptor cache read failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", name),
			zap.Error(err))
	} else if ok {
		return table, nil
	}

	// The generation must be read before the load; see cache.DescriptorCache.
	gen, genErr := r.cache.Generation(ctx, tenantID)
	if genErr != nil {
		r.logger.Warn("Descriptor cache generation read failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(genErr))
	}

	table, err = loadTable(ctx, r.metadata, tenantID, name)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return table, nil
	}

	stored, err := r.cache.Set(ctx, table, gen)
	switch {
	case err != nil:
		r.logger.Warn("Descriptor cache write failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", name),
			zap.Error(err))
	case !stored:
		r.logger.Debug("Schema changed during load, descriptor not cached",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", name))
	}
	return table, nil
}

// loadTable reads a table with its active columns and indexes from the metadata store.
func loadTable(ctx context.Context, metadata repositories.MetadataRepository, tenantID uuid.UUID, name string) (*models.Table, error) {
	table, err := metadata.GetTableByName(ctx, tenantID, name)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("table", name)
		}
		return nil, fmt.Errorf("get table: %w", err)
	}
	return withChildren(ctx, metadata, table)
}

// loadTableByID loads a table by ID, which survives a concurrent rename.
func loadTableByID(ctx context.Context, metadata repositories.MetadataRepository, tenantID, tableID uuid.UUID) (*models.Table, error) {
	table, err := metadata.GetTableByID(ctx, tenantID, tableID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("table", tableID.String())
		}
		return nil, fmt.Errorf("get table: %w", err)
	}
	return withChildren(ctx, metadata, table)
}

func withChildren(ctx context.Context, metadata repositories.MetadataRepository, table *models.Table) (*models.Table, error) {
	var err error
	if table.Columns, err = metadata.ListColumns(ctx, table.ID); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	if table.Indexes, err = metadata.ListIndexes(ctx, table.ID); err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	return table, nil
}
