package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// SchemaHandler handles table, column, index and relation definitions.
type SchemaHandler struct {
	schemaService    services.SchemaService
	changeLogService services.ChangeLogService
	logger           *zap.Logger
}

// NewSchemaHandler creates a new schema handler.
func NewSchemaHandler(schemaService services.SchemaService, changeLogService services.ChangeLogService, logger *zap.Logger) *SchemaHandler {
	return &SchemaHandler{
		schemaService:    schemaService,
		changeLogService: changeLogService,
		logger:           logger,
	}
}

// RegisterRoutes registers the schema handler's routes on the given mux.
func (h *SchemaHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	// Tables
	mux.HandleFunc("GET /api/tables", tenantMiddleware(h.ListTables))
	mux.HandleFunc("POST /api/tables", tenantMiddleware(h.CreateTable))
	mux.HandleFunc("GET /api/tables/{table}", tenantMiddleware(h.GetTable))
	mux.HandleFunc("PATCH /api/tables/{table}", tenantMiddleware(h.UpdateTable))
	mux.HandleFunc("DELETE /api/tables/{table}", tenantMiddleware(h.DeleteTable))
	mux.HandleFunc("GET /api/tables/{table}/changes", tenantMiddleware(h.ListChanges))

	// Columns
	mux.HandleFunc("POST /api/tables/{table}/columns", tenantMiddleware(h.AddColumn))
	mux.HandleFunc("PATCH /api/tables/{table}/columns/{column}", tenantMiddleware(h.UpdateColumn))
	mux.HandleFunc("DELETE /api/tables/{table}/columns/{column}", tenantMiddleware(h.DeleteColumn))

	// Indexes
	mux.HandleFunc("POST /api/tables/{table}/indexes", tenantMiddleware(h.CreateIndex))
	mux.HandleFunc("DELETE /api/tables/{table}/indexes/{index}", tenantMiddleware(h.DeleteIndex))

	// Relations
	mux.HandleFunc("GET /api/tables/{table}/relations", tenantMiddleware(h.ListRelations))
	mux.HandleFunc("POST /api/relations", tenantMiddleware(h.CreateRelation))
	mux.HandleFunc("DELETE /api/relations/{relation}", tenantMiddleware(h.DeleteRelation))
}

// ============================================================================
// Tables
// ============================================================================

// ListTables handles GET /api/tables
func (h *SchemaHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	tables, err := h.schemaService.ListTables(r.Context(), tenant)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, tables, h.logger)
}

// CreateTable handles POST /api/tables
func (h *SchemaHandler) CreateTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.CreateTableRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	table, err := h.schemaService.CreateTable(r.Context(), tenant, &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, table, h.logger)
}

// GetTable handles GET /api/tables/{table}
// Returns the table with its active columns and indexes.
func (h *SchemaHandler) GetTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	table, err := h.schemaService.GetTable(r.Context(), tenant, r.PathValue("table"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, table, h.logger)
}

// UpdateTable handles PATCH /api/tables/{table}
func (h *SchemaHandler) UpdateTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.UpdateTableRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	table, err := h.schemaService.UpdateTable(r.Context(), tenant, r.PathValue("table"), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, table, h.logger)
}

// DeleteTable handles DELETE /api/tables/{table}?expected_version=N
func (h *SchemaHandler) DeleteTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	version, ok := intQuery(w, r, "expected_version", h.logger)
	if !ok {
		return
	}

	err := h.schemaService.DeleteTable(r.Context(), tenant, r.PathValue("table"), &models.DeleteTableRequest{ExpectedVersion: version})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListChanges handles GET /api/tables/{table}/changes?limit=N
// Returns the table's change log, newest first.
func (h *SchemaHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit", h.logger)
	if !ok {
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	entries, err := h.changeLogService.Recent(r.Context(), tenant, r.PathValue("table"), n)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, entries, h.logger)
}

// ============================================================================
// Columns
// ============================================================================

// AddColumn handles POST /api/tables/{table}/columns
func (h *SchemaHandler) AddColumn(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.AddColumnRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	col, err := h.schemaService.AddColumn(r.Context(), tenant, r.PathValue("table"), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, col, h.logger)
}

// UpdateColumn handles PATCH /api/tables/{table}/columns/{column}
func (h *SchemaHandler) UpdateColumn(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.UpdateColumnRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	col, err := h.schemaService.UpdateColumn(r.Context(), tenant, r.PathValue("table"), r.PathValue("column"), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, col, h.logger)
}

// DeleteColumn handles DELETE /api/tables/{table}/columns/{column}?expected_version=N
func (h *SchemaHandler) DeleteColumn(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	version, ok := intQuery(w, r, "expected_version", h.logger)
	if !ok {
		return
	}

	err := h.schemaService.DeleteColumn(r.Context(), tenant, r.PathValue("table"), r.PathValue("column"),
		&models.DeleteColumnRequest{ExpectedVersion: version})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Indexes
// ============================================================================

// CreateIndex handles POST /api/tables/{table}/indexes
func (h *SchemaHandler) CreateIndex(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.CreateIndexRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	idx, err := h.schemaService.CreateIndex(r.Context(), tenant, r.PathValue("table"), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, idx, h.logger)
}

// DeleteIndex handles DELETE /api/tables/{table}/indexes/{index}?expected_version=N
func (h *SchemaHandler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	version, ok := intQuery(w, r, "expected_version", h.logger)
	if !ok {
		return
	}

	err := h.schemaService.DeleteIndex(r.Context(), tenant, r.PathValue("table"), r.PathValue("index"),
		&models.DeleteIndexRequest{ExpectedVersion: version})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Relations
// ============================================================================

// ListRelations handles GET /api/tables/{table}/relations
func (h *SchemaHandler) ListRelations(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}

	rels, err := h.schemaService.ListRelations(r.Context(), tenant, r.PathValue("table"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, rels, h.logger)
}

// CreateRelation handles POST /api/relations
func (h *SchemaHandler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.CreateRelationRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	rel, err := h.schemaService.CreateRelation(r.Context(), tenant, &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, rel, h.logger)
}

// DeleteRelation handles DELETE /api/relations/{relation}?expected_version=N
func (h *SchemaHandler) DeleteRelation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	version, ok := intQuery(w, r, "expected_version", h.logger)
	if !ok {
		return
	}

	err := h.schemaService.DeleteRelation(r.Context(), tenant, r.PathValue("relation"),
		&models.DeleteRelationRequest{ExpectedVersion: version})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
