package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/sql"
	"github.com/ekaya-inc/ekaya-tables/pkg/typemap"
)

// maxBindParams is the PostgreSQL limit on parameters in one statement.
const maxBindParams = 65535

// DataService reads and writes rows of dynamic tables by logical names.
type DataService interface {
	GetByID(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID) (*models.Row, error)
	Insert(ctx context.Context, tenantID uuid.UUID, table string, row *models.Row) (*models.Row, error)
	Update(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID, fields *models.Row) (*models.Row, error)
	Delete(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID) error

	// BatchInsert inserts every row or none.
	BatchInsert(ctx context.Context, tenantID uuid.UUID, table string, rows []*models.Row) ([]*models.Row, error)
	// BatchUpdate applies each item independently and reports per-item results.
	BatchUpdate(ctx context.Context, tenantID uuid.UUID, table string, items []models.BatchUpdateItem) ([]models.BatchItemResult, error)
	// BatchDelete deletes every listed row in one statement and returns the count deleted.
	BatchDelete(ctx context.Context, tenantID uuid.UUID, table string, ids []uuid.UUID) (int64, error)
	// Upsert inserts rows or updates the rows they conflict with on the key columns.
	Upsert(ctx context.Context, tenantID uuid.UUID, table string, req *models.UpsertRequest) ([]*models.Row, error)
}

type dataService struct {
	tables    query.SchemaSource
	tenantCtx TenantContextFunc
	cfg       config.EngineConfig
	logger    *zap.Logger
}

var _ DataService = (*dataService)(nil)

// NewDataService creates a data service resolving tables through tables.
func NewDataService(tables query.SchemaSource, tenantCtx TenantContextFunc, cfg config.EngineConfig, logger *zap.Logger) DataService {
	return &dataService{
		tables:    tables,
		tenantCtx: tenantCtx,
		cfg:       cfg,
		logger:    logger.Named("data"),
	}
}

// boundRow is a row converted to physical column names and driver arguments.
type boundRow struct {
	cols []string
	args []any
}

func (b *boundRow) add(col string, arg any) {
	b.cols = append(b.cols, col)
	b.args = append(b.args, arg)
}

// tableHandle carries a resolved table and the physical names of its system columns.
type tableHandle struct {
	*models.Table
	id        string
	tenant    string
	updatedAt string
}

// open acquires the tenant scope and resolves the table. cleanup must be called.
func (s *dataService) open(ctx context.Context, tenantID uuid.UUID, name string) (context.Context, *tableHandle, func(), error) {
	ctx, cleanup, err := ensureTenantScope(ctx, s.tenantCtx, tenantID)
	if err != nil {
		return nil, nil, nil, apperrors.Execution("acquire tenant connection", err)
	}
	table, err := s.tables.ResolveTable(ctx, tenantID, name)
	if err != nil {
		cleanup()
		return nil, nil, nil, apperrors.Normalize("resolve table", err)
	}
	h := &tableHandle{Table: table}
	for _, target := range []struct {
		name string
		dst  *string
	}{
		{models.SystemColumnID, &h.id},
		{models.SystemColumnTenantID, &h.tenant},
		{models.SystemColumnUpdatedAt, &h.updatedAt},
	} {
		c, err := systemColumn(table, target.name)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		*target.dst = c.PhysicalName
	}
	return ctx, h, cleanup, nil
}

// bind converts row to physical columns. System columns are rejected, except
// a caller-supplied id when allowID is set.
func bind(table *models.Table, row *models.Row, allowID bool) (*boundRow, error) {
	out := &boundRow{}
	var err error
	row.Range(func(name string, v models.Value) bool {
		c, ok := table.ColumnByName(name)
		if !ok {
			err = apperrors.NotFound("column", name)
			return false
		}
		if c.IsSystem && !(allowID && name == models.SystemColumnID) {
			err = apperrors.Validation("column %q is system-managed", name)
			return false
		}
		arg, convErr := typemap.ToStorageValue(c.DataType, v)
		if convErr != nil {
			err = apperrors.Validation("field %q: %v", name, convErr).WithDetail("field", name)
			return false
		}
		out.add(c.PhysicalName, arg)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *dataService) checkBatchSize(n int) error {
	if s.cfg.MaxBatchSize > 0 && n > s.cfg.MaxBatchSize {
		return apperrors.Validation("batch of %d exceeds the limit of %d", n, s.cfg.MaxBatchSize)
	}
	return nil
}

// queryRows runs stmt on the querier in ctx and decodes the result.
func queryRows(ctx context.Context, table *models.Table, stmt string, args ...any) ([]*models.Row, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, tableFields(table))
}

// ============================================================================
// Single-row operations
// ============================================================================

func (s *dataService) GetByID(ctx context.Context, tenantID uuid.UUID, tableName string, id uuid.UUID) (*models.Row, error) {
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	stmt := sql.SelectByID(table.PhysicalName, returningColumns(table.Table), table.id, table.tenant)
	rows, err := queryRows(ctx, table.Table, stmt, id, tenantID)
	if err != nil {
		return nil, apperrors.Execution("get row", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("row", id.String())
	}
	return rows[0], nil
}

func (s *dataService) Insert(ctx context.Context, tenantID uuid.UUID, tableName string, row *models.Row) (*models.Row, error) {
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	b, err := bind(table.Table, row, true)
	if err != nil {
		return nil, err
	}
	b.add(table.tenant, tenantID)

	stmt := sql.Insert(table.PhysicalName, b.cols, returningColumns(table.Table))
	rows, err := queryRows(ctx, table.Table, stmt, b.args...)
	if err != nil {
		return nil, s.writeFailed("insert row", tenantID, tableName, err)
	}
	return rows[0], nil
}

func (s *dataService) Update(ctx context.Context, tenantID uuid.UUID, tableName string, id uuid.UUID, fields *models.Row) (*models.Row, error) {
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	return s.updateRow(ctx, table, tenantID, id, fields)
}

func (s *dataService) updateRow(ctx context.Context, table *tableHandle, tenantID, id uuid.UUID, fields *models.Row) (*models.Row, error) {
	b, err := bind(table.Table, fields, false)
	if err != nil {
		return nil, err
	}
	if len(b.cols) == 0 {
		return nil, apperrors.Validation("no fields to update")
	}
	b.add(table.updatedAt, time.Now().UTC())

	stmt := sql.Update(table.PhysicalName, b.cols, []string{table.id, table.tenant}, returningColumns(table.Table))
	rows, err := queryRows(ctx, table.Table, stmt, append(b.args, id, tenantID)...)
	if err != nil {
		return nil, s.writeFailed("update row", tenantID, table.LogicalName, err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("row", id.String())
	}
	return rows[0], nil
}

func (s *dataService) Delete(ctx context.Context, tenantID uuid.UUID, tableName string, id uuid.UUID) error {
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return err
	}
	defer cleanup()

	q, err := database.GetQuerier(ctx)
	if err != nil {
		return apperrors.Execution("delete row", err)
	}
	tag, err := q.Exec(ctx, sql.Delete(table.PhysicalName, []string{table.id, table.tenant}, nil), id, tenantID)
	if err != nil {
		return s.writeFailed("delete row", tenantID, tableName, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("row", id.String())
	}
	return nil
}

// ============================================================================
// Batch operations
// ============================================================================

func (s *dataService) BatchInsert(ctx context.Context, tenantID uuid.UUID, tableName string, rows []*models.Row) ([]*models.Row, error) {
	if len(rows) == 0 {
		return []*models.Row{}, nil
	}
	if err := s.checkBatchSize(len(rows)); err != nil {
		return nil, err
	}
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	bound := make([]*boundRow, len(rows))
	for i, row := range rows {
		b, err := bind(table.Table, row, true)
		if err != nil {
			return nil, withIndex(err, i)
		}
		b.add(table.tenant, tenantID)
		bound[i] = b
	}

	returning := returningColumns(table.Table)
	var out []*models.Row
	err = database.InTx(ctx, func(ctx context.Context) error {
		if uniform(bound) {
			cols := bound[0].cols
			chunk := maxBindParams / len(cols)
			for start := 0; start < len(bound); start += chunk {
				end := min(start+chunk, len(bound))
				args := make([]any, 0, (end-start)*len(cols))
				for _, b := range bound[start:end] {
					args = append(args, b.argsFor(cols)...)
				}
				inserted, err := queryRows(ctx, table.Table, sql.BulkInsert(table.PhysicalName, cols, end-start, returning), args...)
				if err != nil {
					return err
				}
				out = append(out, inserted...)
			}
			return nil
		}
		for _, b := range bound {
			inserted, err := queryRows(ctx, table.Table, sql.Insert(table.PhysicalName, b.cols, returning), b.args...)
			if err != nil {
				return err
			}
			out = append(out, inserted...)
		}
		return nil
	})
	if err != nil {
		return nil, s.writeFailed("batch insert", tenantID, tableName, err)
	}
	s.logger.Debug("Batch inserted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("table", tableName),
		zap.Int("rows", len(out)))
	return out, nil
}

// uniform reports whether every row sets the same columns, in any order.
func uniform(rows []*boundRow) bool {
	first := make(map[string]bool, len(rows[0].cols))
	for _, c := range rows[0].cols {
		first[c] = true
	}
	for _, r := range rows[1:] {
		if len(r.cols) != len(first) {
			return false
		}
		for _, c := range r.cols {
			if !first[c] {
				return false
			}
		}
	}
	return true
}

// argsFor returns the row's arguments in the order of cols.
func (b *boundRow) argsFor(cols []string) []any {
	byCol := make(map[string]any, len(b.cols))
	for i, c := range b.cols {
		byCol[c] = b.args[i]
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = byCol[c]
	}
	return out
}

func (s *dataService) BatchUpdate(ctx context.Context, tenantID uuid.UUID, tableName string, items []models.BatchUpdateItem) ([]models.BatchItemResult, error) {
	if err := s.checkBatchSize(len(items)); err != nil {
		return nil, err
	}
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	results := make([]models.BatchItemResult, len(items))
	failed := 0
	for i, item := range items {
		var row *models.Row
		// Each item runs in its own transaction (a savepoint under a caller
		// transaction), so a failed item leaves the others intact.
		err := database.InTx(ctx, func(ctx context.Context) error {
			var err error
			row, err = s.updateRow(ctx, table, tenantID, item.ID, item.Fields)
			return err
		})
		results[i] = models.BatchItemResult{Index: i, ID: item.ID, Success: err == nil, Row: row}
		if err != nil {
			e := apperrors.Normalize("update row", err)
			results[i].Code = e.Code
			results[i].Error = e.Message
			failed++
		}
	}
	if failed > 0 {
		s.logger.Warn("Batch update partially failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("table", tableName),
			zap.Int("items", len(items)),
			zap.Int("failed", failed))
	}
	return results, nil
}

func (s *dataService) BatchDelete(ctx context.Context, tenantID uuid.UUID, tableName string, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.checkBatchSize(len(ids)); err != nil {
		return 0, err
	}
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	var deleted int64
	err = database.InTx(ctx, func(ctx context.Context) error {
		tx, ok := database.GetTx(ctx)
		if !ok {
			return errors.New("no transaction in context")
		}
		tag, err := tx.Exec(ctx, sql.BatchDelete(table.PhysicalName, table.id, table.tenant, nil), ids, tenantID)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, s.writeFailed("batch delete", tenantID, tableName, err)
	}
	return deleted, nil
}

// ============================================================================
// Upsert
// ============================================================================

func (s *dataService) Upsert(ctx context.Context, tenantID uuid.UUID, tableName string, req *models.UpsertRequest) ([]*models.Row, error) {
	if req == nil || len(req.KeyColumns) == 0 {
		return nil, apperrors.Validation("upsert requires key_columns")
	}
	if len(req.Rows) == 0 {
		return []*models.Row{}, nil
	}
	if err := s.checkBatchSize(len(req.Rows)); err != nil {
		return nil, err
	}
	ctx, table, cleanup, err := s.open(ctx, tenantID, tableName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	keys := make([]*models.Column, len(req.KeyColumns))
	keyPhysical := make(map[string]bool, len(keys))
	for i, name := range req.KeyColumns {
		c, ok := table.ColumnByName(name)
		if !ok {
			return nil, apperrors.NotFound("column", name)
		}
		keys[i] = c
		keyPhysical[c.PhysicalName] = true
	}
	if !coveredByUnique(table.Table, keys) {
		return nil, apperrors.Validation("key columns %v are not covered by a unique constraint", req.KeyColumns)
	}
	conflict := make([]string, len(keys))
	for i, c := range keys {
		conflict[i] = c.PhysicalName
	}

	bound := make([]*boundRow, len(req.Rows))
	for i, row := range req.Rows {
		for _, name := range req.KeyColumns {
			if !row.Has(name) {
				return nil, apperrors.Validation("row %d is missing key column %q", i, name).WithDetail("index", i)
			}
		}
		b, err := bind(table.Table, row, true)
		if err != nil {
			return nil, withIndex(err, i)
		}
		b.add(table.tenant, tenantID)
		bound[i] = b
	}

	returning := returningColumns(table.Table)
	var out []*models.Row
	err = database.InTx(ctx, func(ctx context.Context) error {
		for _, b := range bound {
			var update []string
			for _, c := range b.cols {
				if !keyPhysical[c] && c != table.tenant {
					update = append(update, c)
				}
			}
			if len(update) > 0 {
				// EXCLUDED.updated_at carries the column default.
				update = append(update, table.updatedAt)
			}
			stmt := sql.Upsert(table.PhysicalName, b.cols, conflict, update, returning)
			rows, err := queryRows(ctx, table.Table, stmt, b.args...)
			if err != nil {
				return err
			}
			out = append(out, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, s.writeFailed("upsert", tenantID, tableName, err)
	}
	return out, nil
}

// coveredByUnique reports whether keys match the primary key, a unique column,
// or the full column set of an active unique non-partial index.
func coveredByUnique(table *models.Table, keys []*models.Column) bool {
	if len(keys) == 1 && (keys[0].IsPrimaryKey || keys[0].IsUnique) {
		return true
	}
	for _, idx := range table.Indexes {
		if !idx.IsActive || !idx.IsUnique || idx.Where != nil || len(idx.Columns) != len(keys) {
			continue
		}
		matched := true
		for _, k := range keys {
			if !idx.CoversColumn(k.ID) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// ============================================================================
// Errors
// ============================================================================

// withIndex tags a per-row rejection with the row's position in the batch.
func withIndex(err error, i int) error {
	if e, ok := apperrors.As(err); ok {
		return e.WithDetail("index", i)
	}
	return err
}

func (s *dataService) writeFailed(op string, tenantID uuid.UUID, table string, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	e := apperrors.Execution(op, err)
	s.logger.Error("Row write failed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("table", table),
		zap.String("operation", op),
		zap.Error(err))
	return e
}
