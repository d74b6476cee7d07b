package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
)

// QueryService executes translated queries against dynamic tables.
type QueryService interface {
	// All returns every row the query matches.
	All(ctx context.Context, tenantID uuid.UUID, q *query.Builder) ([]*models.Row, error)
	// First limits q to one row and returns it. NotFound when nothing matches.
	First(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (*models.Row, error)
	// Count returns the number of rows (or groups) q matches.
	Count(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error)
	// Scalar returns the first column of the first row, or Null when nothing matches.
	Scalar(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (models.Value, error)

	// UpdateWhere assigns set to every row matching q's predicate.
	UpdateWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder, set *models.Row) ([]*models.Row, error)
	// DeleteWhere deletes every row matching q's predicate and returns the count.
	DeleteWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error)
}

type queryService struct {
	tables    query.SchemaSource
	tenantCtx TenantContextFunc
	auditor   *audit.SecurityAuditor
	logger    *zap.Logger
}

var _ QueryService = (*queryService)(nil)

// NewQueryService creates a query service. auditor may be nil.
func NewQueryService(tables query.SchemaSource, tenantCtx TenantContextFunc, auditor *audit.SecurityAuditor, logger *zap.Logger) QueryService {
	return &queryService{
		tables:    tables,
		tenantCtx: tenantCtx,
		auditor:   auditor,
		logger:    logger.Named("query"),
	}
}

func (s *queryService) All(ctx context.Context, tenantID uuid.UUID, q *query.Builder) ([]*models.Row, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	stmt, err := q.Build(ctx, s.tables, tenantID)
	if err != nil {
		return nil, apperrors.Normalize("build query", err)
	}
	rows, err := s.run(ctx, stmt)
	if err != nil {
		return nil, s.queryFailed(tenantID, q, err)
	}
	return rows, nil
}

func (s *queryService) First(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (*models.Row, error) {
	rows, err := s.All(ctx, tenantID, q.Clone().Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("row", q.Table())
	}
	return rows[0], nil
}

func (s *queryService) Count(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return 0, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	stmt, err := q.BuildCount(ctx, s.tables, tenantID)
	if err != nil {
		return 0, apperrors.Normalize("build query", err)
	}
	conn, err := database.GetQuerier(ctx)
	if err != nil {
		return 0, apperrors.Execution("count rows", err)
	}
	var n int64
	if err := conn.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, s.queryFailed(tenantID, q, err)
	}
	return n, nil
}

func (s *queryService) Scalar(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (models.Value, error) {
	rows, err := s.All(ctx, tenantID, q)
	if err != nil {
		return models.Null(), err
	}
	if len(rows) == 0 {
		return models.Null(), nil
	}
	keys := rows[0].Keys()
	if len(keys) == 0 {
		return models.Null(), nil
	}
	v, _ := rows[0].Get(keys[0])
	return v, nil
}

func (s *queryService) UpdateWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder, set *models.Row) ([]*models.Row, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	stmt, err := q.BuildUpdate(ctx, s.tables, tenantID, set)
	if err != nil {
		return nil, apperrors.Normalize("build update", err)
	}

	start := time.Now()
	var rows []*models.Row
	err = database.InTx(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.run(ctx, stmt)
		return err
	})
	s.auditMutation(ctx, tenantID, q, "UPDATE", int64(len(rows)), start, err)
	if err != nil {
		return nil, s.queryFailed(tenantID, q, err)
	}
	return rows, nil
}

func (s *queryService) DeleteWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return 0, apperrors.Execution("acquire tenant connection", err)
	}
	defer cleanup()

	stmt, err := q.BuildDelete(ctx, s.tables, tenantID)
	if err != nil {
		return 0, apperrors.Normalize("build delete", err)
	}

	start := time.Now()
	var deleted int64
	err = database.InTx(ctx, func(ctx context.Context) error {
		tx, ok := database.GetTx(ctx)
		if !ok {
			return errors.New("no transaction in context")
		}
		tag, err := tx.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	s.auditMutation(ctx, tenantID, q, "DELETE", deleted, start, err)
	if err != nil {
		return 0, s.queryFailed(tenantID, q, err)
	}
	return deleted, nil
}

// run executes stmt on the querier in ctx and maps result columns back to
// logical names.
func (s *queryService) run(ctx context.Context, stmt *query.Statement) ([]*models.Row, error) {
	conn, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, stmt.Field)
}

func (s *queryService) auditMutation(ctx context.Context, tenantID uuid.UUID, q *query.Builder, op string, affected int64, start time.Time, err error) {
	if s.auditor == nil {
		return
	}
	predicate, logicalErr := q.ToLogicalSQL()
	if logicalErr != nil {
		predicate = q.Table()
	}
	details := audit.FilteredMutationDetails{
		Operation:       op,
		Predicate:       predicate,
		RowsAffected:    affected,
		Success:         err == nil,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		details.ErrorMessage = apperrors.Normalize(op, err).Message
		details.RowsAffected = 0
	}
	s.auditor.LogFilteredMutation(ctx, tenantID, q.Table(), details)
}

func (s *queryService) queryFailed(tenantID uuid.UUID, q *query.Builder, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	s.logger.Error("Query execution failed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("table", q.Table()),
		zap.Error(err))
	return apperrors.Execution("execute query", err)
}
