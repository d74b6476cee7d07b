package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
)

// ChangeLogService reads the schema change history of a table.
type ChangeLogService interface {
	// Recent returns up to limit entries for table, newest first. A
	// non-positive limit uses the configured default.
	Recent(ctx context.Context, tenantID uuid.UUID, table string, limit int) ([]*models.ChangeLogEntry, error)
}

type changeLogService struct {
	metadata  repositories.MetadataRepository
	changeLog repositories.ChangeLogRepository
	tenantCtx TenantContextFunc
	cfg       config.EngineConfig
	logger    *zap.Logger
}

var _ ChangeLogService = (*changeLogService)(nil)

func NewChangeLogService(
	metadata repositories.MetadataRepository,
	changeLog repositories.ChangeLogRepository,
	tenantCtx TenantContextFunc,
	cfg config.EngineConfig,
	logger *zap.Logger,
) ChangeLogService {
	return &changeLogService{
		metadata:  metadata,
		changeLog: changeLog,
		tenantCtx: tenantCtx,
		cfg:       cfg,
		logger:    logger.Named("change-log"),
	}
}

func (s *changeLogService) Recent(ctx context.Context, tenantID uuid.UUID, tableName string, limit int) ([]*models.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultChangeLogLimit
	}

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
		return nil, apperrors.Normalize("get table", err)
	}

	entries, err := s.changeLog.ListByTable(ctx, tenantID, table.ID, limit)
	if err != nil {
		s.logger.Error("Failed to list change log",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table_id", table.ID.String()),
			zap.Error(err))
		return nil, apperrors.Normalize("list change log", err)
	}
	return entries, nil
}
