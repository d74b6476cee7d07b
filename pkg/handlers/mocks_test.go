package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// fakeTenant stands in for database.WithTenantContext: it places a scope
// without a connection in the request context.
func fakeTenant(tenantID uuid.UUID) TenantMiddleware {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx := database.SetTenantScope(r.Context(), &database.TenantScope{TenantID: tenantID})
			next(w, r.WithContext(ctx))
		}
	}
}

// mockSchemaService records the last request and returns the configured result.
type mockSchemaService struct {
	services.SchemaService
	table    *models.Table
	column   *models.Column
	index    *models.Index
	relation *models.Relation
	err      error

	tenantID       uuid.UUID
	lastName       string
	lastCreate     *models.CreateTableRequest
	lastUpdate     *models.UpdateTableRequest
	lastDelete     *models.DeleteTableRequest
	lastAddColumn  *models.AddColumnRequest
	lastRelation   *models.CreateRelationRequest
	lastDeleteCol  *models.DeleteColumnRequest
	lastIndexReq   *models.CreateIndexRequest
	lastColumnName string
}

func (m *mockSchemaService) CreateTable(ctx context.Context, tenantID uuid.UUID, req *models.CreateTableRequest) (*models.Table, error) {
	m.tenantID, m.lastCreate = tenantID, req
	return m.table, m.err
}

func (m *mockSchemaService) GetTable(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	m.tenantID, m.lastName = tenantID, name
	return m.table, m.err
}

func (m *mockSchemaService) ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error) {
	m.tenantID = tenantID
	if m.err != nil {
		return nil, m.err
	}
	return []*models.Table{m.table}, nil
}

func (m *mockSchemaService) UpdateTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.UpdateTableRequest) (*models.Table, error) {
	m.tenantID, m.lastName, m.lastUpdate = tenantID, name, req
	return m.table, m.err
}

func (m *mockSchemaService) DeleteTable(ctx context.Context, tenantID uuid.UUID, name string, req *models.DeleteTableRequest) error {
	m.tenantID, m.lastName, m.lastDelete = tenantID, name, req
	return m.err
}

func (m *mockSchemaService) AddColumn(ctx context.Context, tenantID uuid.UUID, table string, req *models.AddColumnRequest) (*models.Column, error) {
	m.tenantID, m.lastName, m.lastAddColumn = tenantID, table, req
	return m.column, m.err
}

func (m *mockSchemaService) DeleteColumn(ctx context.Context, tenantID uuid.UUID, table, column string, req *models.DeleteColumnRequest) error {
	m.tenantID, m.lastName, m.lastColumnName, m.lastDeleteCol = tenantID, table, column, req
	return m.err
}

func (m *mockSchemaService) CreateIndex(ctx context.Context, tenantID uuid.UUID, table string, req *models.CreateIndexRequest) (*models.Index, error) {
	m.tenantID, m.lastName, m.lastIndexReq = tenantID, table, req
	return m.index, m.err
}

func (m *mockSchemaService) CreateRelation(ctx context.Context, tenantID uuid.UUID, req *models.CreateRelationRequest) (*models.Relation, error) {
	m.tenantID, m.lastRelation = tenantID, req
	return m.relation, m.err
}

// mockChangeLogService returns fixed entries and records the requested limit.
type mockChangeLogService struct {
	entries   []*models.ChangeLogEntry
	err       error
	lastLimit int
}

func (m *mockChangeLogService) Recent(ctx context.Context, tenantID uuid.UUID, table string, limit int) ([]*models.ChangeLogEntry, error) {
	m.lastLimit = limit
	return m.entries, m.err
}

// mockDataService records the rows it receives.
type mockDataService struct {
	services.DataService
	row     *models.Row
	results []models.BatchItemResult
	count   int64
	err     error

	lastID     uuid.UUID
	lastRows   []*models.Row
	lastItems  []models.BatchUpdateItem
	lastIDs    []uuid.UUID
	lastUpsert *models.UpsertRequest
}

func (m *mockDataService) GetByID(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID) (*models.Row, error) {
	m.lastID = id
	return m.row, m.err
}

func (m *mockDataService) Insert(ctx context.Context, tenantID uuid.UUID, table string, row *models.Row) (*models.Row, error) {
	m.lastRows = []*models.Row{row}
	return m.row, m.err
}

func (m *mockDataService) Update(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID, fields *models.Row) (*models.Row, error) {
	m.lastID, m.lastRows = id, []*models.Row{fields}
	return m.row, m.err
}

func (m *mockDataService) Delete(ctx context.Context, tenantID uuid.UUID, table string, id uuid.UUID) error {
	m.lastID = id
	return m.err
}

func (m *mockDataService) BatchInsert(ctx context.Context, tenantID uuid.UUID, table string, rows []*models.Row) ([]*models.Row, error) {
	m.lastRows = rows
	if m.err != nil {
		return nil, m.err
	}
	return rows, nil
}

func (m *mockDataService) BatchUpdate(ctx context.Context, tenantID uuid.UUID, table string, items []models.BatchUpdateItem) ([]models.BatchItemResult, error) {
	m.lastItems = items
	return m.results, m.err
}

func (m *mockDataService) BatchDelete(ctx context.Context, tenantID uuid.UUID, table string, ids []uuid.UUID) (int64, error) {
	m.lastIDs = ids
	return m.count, m.err
}

func (m *mockDataService) Upsert(ctx context.Context, tenantID uuid.UUID, table string, req *models.UpsertRequest) ([]*models.Row, error) {
	m.lastUpsert = req
	if m.err != nil {
		return nil, m.err
	}
	return req.Rows, nil
}

// mockQueryService renders the builder it receives to logical SQL so tests
// can assert on the translated request.
type mockQueryService struct {
	services.QueryService
	rows  []*models.Row
	count int64
	err   error

	scalar  models.Value
	lastSQL string
	lastSet *models.Row
}

func (m *mockQueryService) capture(q *query.Builder) error {
	sql, err := q.ToLogicalSQL()
	m.lastSQL = sql
	return err
}

func (m *mockQueryService) All(ctx context.Context, tenantID uuid.UUID, q *query.Builder) ([]*models.Row, error) {
	if err := m.capture(q); err != nil {
		return nil, err
	}
	return m.rows, m.err
}

func (m *mockQueryService) Count(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error) {
	if err := m.capture(q); err != nil {
		return 0, err
	}
	return m.count, m.err
}

func (m *mockQueryService) UpdateWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder, set *models.Row) ([]*models.Row, error) {
	m.lastSet = set
	if err := m.capture(q); err != nil {
		return nil, err
	}
	return m.rows, m.err
}

func (m *mockQueryService) DeleteWhere(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (int64, error) {
	if err := m.capture(q); err != nil {
		return 0, err
	}
	return m.count, m.err
}

func (m *mockQueryService) Scalar(ctx context.Context, tenantID uuid.UUID, q *query.Builder) (models.Value, error) {
	if err := m.capture(q); err != nil {
		return models.Null(), err
	}
	return m.scalar, m.err
}
