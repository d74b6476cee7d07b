package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

type schemaTestEnv struct {
	mux      *http.ServeMux
	schema   *mockSchemaService
	changes  *mockChangeLogService
	tenantID uuid.UUID
}

func newSchemaTestEnv() *schemaTestEnv {
	env := &schemaTestEnv{
		mux:      http.NewServeMux(),
		schema:   &mockSchemaService{table: &models.Table{ID: uuid.New(), LogicalName: "orders", SchemaVersion: 1}},
		changes:  &mockChangeLogService{},
		tenantID: uuid.New(),
	}
	NewSchemaHandler(env.schema, env.changes, zap.NewNop()).RegisterRoutes(env.mux, fakeTenant(env.tenantID))
	return env
}

func (e *schemaTestEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func TestSchemaHandler_CreateTable(t *testing.T) {
	env := newSchemaTestEnv()

	rec := env.do(http.MethodPost, "/api/tables",
		`{"name":"orders","columns":[{"name":"total","data_type":"decimal","is_nullable":false}]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, env.tenantID, env.schema.tenantID)
	require.NotNil(t, env.schema.lastCreate)
	assert.Equal(t, "orders", env.schema.lastCreate.Name)
	require.Len(t, env.schema.lastCreate.Columns, 1)
	assert.Equal(t, models.DataTypeDecimal, env.schema.lastCreate.Columns[0].DataType)
	assert.False(t, env.schema.lastCreate.Columns[0].Nullable())

	var table models.Table
	decodeData(t, rec, &table)
	assert.Equal(t, "orders", table.LogicalName)
}

func TestSchemaHandler_CreateTable_InvalidBody(t *testing.T) {
	env := newSchemaTestEnv()

	for _, body := range []string{"", "{not json"} {
		rec := env.do(http.MethodPost, "/api/tables", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
	assert.Nil(t, env.schema.lastCreate)
}

func TestSchemaHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"duplicate", apperrors.DuplicateName("table", "orders"), http.StatusConflict},
		{"stale version", apperrors.ConcurrencyConflict(1, 2), http.StatusConflict},
		{"lock timeout", apperrors.LockTimeout("table:x", nil), http.StatusLocked},
		{"not found", apperrors.NotFound("table", "orders"), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newSchemaTestEnv()
			env.schema.err = tt.err

			rec := env.do(http.MethodPatch, "/api/tables/orders", `{"description":"x","expected_version":1}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSchemaHandler_UpdateTable(t *testing.T) {
	env := newSchemaTestEnv()

	rec := env.do(http.MethodPatch, "/api/tables/orders", `{"name":"purchases","expected_version":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders", env.schema.lastName)
	require.NotNil(t, env.schema.lastUpdate.ExpectedVersion)
	assert.Equal(t, 3, *env.schema.lastUpdate.ExpectedVersion)
	assert.Equal(t, "purchases", *env.schema.lastUpdate.Name)
}

func TestSchemaHandler_DeleteTable(t *testing.T) {
	env := newSchemaTestEnv()

	rec := env.do(http.MethodDelete, "/api/tables/orders?expected_version=4", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, env.schema.lastDelete.ExpectedVersion)
	assert.Equal(t, 4, *env.schema.lastDelete.ExpectedVersion)

	rec = env.do(http.MethodDelete, "/api/tables/orders?expected_version=four", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemaHandler_ColumnRoutes(t *testing.T) {
	env := newSchemaTestEnv()
	env.schema.column = &models.Column{LogicalName: "status", DataType: models.DataTypeString}

	rec := env.do(http.MethodPost, "/api/tables/orders/columns", `{"column":{"name":"status","data_type":"string"},"expected_version":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "status", env.schema.lastAddColumn.Column.Name)

	rec = env.do(http.MethodDelete, "/api/tables/orders/columns/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "status", env.schema.lastColumnName)
	assert.Nil(t, env.schema.lastDeleteCol.ExpectedVersion)
}

func TestSchemaHandler_CreateIndex(t *testing.T) {
	env := newSchemaTestEnv()
	env.schema.index = &models.Index{LogicalName: "by_status"}

	rec := env.do(http.MethodPost, "/api/tables/orders/indexes",
		`{"name":"by_status","columns":[{"column":"status","direction":"desc"}],"is_unique":true}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	req := env.schema.lastIndexReq
	require.Len(t, req.Columns, 1)
	assert.Equal(t, models.SortDesc, req.Columns[0].Direction)
	assert.True(t, req.IsUnique)
}

func TestSchemaHandler_CreateRelation(t *testing.T) {
	env := newSchemaTestEnv()
	env.schema.relation = &models.Relation{LogicalName: "order_customers"}

	rec := env.do(http.MethodPost, "/api/relations",
		`{"source_table":"orders","source_column":"customer_id","target_table":"customers","on_delete":"cascade"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.ActionCascade, env.schema.lastRelation.OnDelete)
}

func TestSchemaHandler_ListChanges(t *testing.T) {
	env := newSchemaTestEnv()
	env.changes.entries = []*models.ChangeLogEntry{{Operation: models.OperationAddColumn, SchemaVersion: 2}}

	rec := env.do(http.MethodGet, "/api/tables/orders/changes?limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, env.changes.lastLimit)
	var entries []models.ChangeLogEntry
	decodeData(t, rec, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationAddColumn, entries[0].Operation)
}

func TestSchemaHandler_MissingTenant(t *testing.T) {
	mux := http.NewServeMux()
	passthrough := func(next http.HandlerFunc) http.HandlerFunc { return next }
	NewSchemaHandler(&mockSchemaService{}, &mockChangeLogService{}, zap.NewNop()).RegisterRoutes(mux, passthrough)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tables", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), apperrors.CodeValidation)
}
