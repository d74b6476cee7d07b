package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// BatchInsertRequest is the body of POST /rows/batch.
type BatchInsertRequest struct {
	Rows []*models.Row `json:"rows"`
}

// BatchUpdateRequest is the body of PATCH /rows/batch.
type BatchUpdateRequest struct {
	Items []models.BatchUpdateItem `json:"items"`
}

// BatchDeleteRequest is the body of POST /rows/batch-delete.
type BatchDeleteRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

// CountResponse reports how many rows an operation matched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// DataHandler handles row reads and writes on dynamic tables.
type DataHandler struct {
	dataService services.DataService
	logger      *zap.Logger
}

// NewDataHandler creates a new data handler.
func NewDataHandler(dataService services.DataService, logger *zap.Logger) *DataHandler {
	return &DataHandler{
		dataService: dataService,
		logger:      logger,
	}
}

// RegisterRoutes registers the data handler's routes on the given mux.
func (h *DataHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/tables/{table}/rows", tenantMiddleware(h.Insert))
	mux.HandleFunc("PUT /api/tables/{table}/rows", tenantMiddleware(h.Upsert))
	mux.HandleFunc("GET /api/tables/{table}/rows/{id}", tenantMiddleware(h.Get))
	mux.HandleFunc("PATCH /api/tables/{table}/rows/{id}", tenantMiddleware(h.Update))
	mux.HandleFunc("DELETE /api/tables/{table}/rows/{id}", tenantMiddleware(h.Delete))

	mux.HandleFunc("POST /api/tables/{table}/rows/batch", tenantMiddleware(h.BatchInsert))
	mux.HandleFunc("PATCH /api/tables/{table}/rows/batch", tenantMiddleware(h.BatchUpdate))
	mux.HandleFunc("POST /api/tables/{table}/rows/batch-delete", tenantMiddleware(h.BatchDelete))
}

// Get handles GET /api/tables/{table}/rows/{id}
func (h *DataHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := rowID(w, r, h.logger)
	if !ok {
		return
	}

	row, err := h.dataService.GetByID(r.Context(), tenant, r.PathValue("table"), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, row, h.logger)
}

// Insert handles POST /api/tables/{table}/rows
func (h *DataHandler) Insert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	row := models.NewRow(0)
	if !decodeBody(w, r, row, false, h.logger) {
		return
	}

	inserted, err := h.dataService.Insert(r.Context(), tenant, r.PathValue("table"), row)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, inserted, h.logger)
}

// Update handles PATCH /api/tables/{table}/rows/{id}
func (h *DataHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := rowID(w, r, h.logger)
	if !ok {
		return
	}
	fields := models.NewRow(0)
	if !decodeBody(w, r, fields, false, h.logger) {
		return
	}

	row, err := h.dataService.Update(r.Context(), tenant, r.PathValue("table"), id, fields)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, row, h.logger)
}

// Delete handles DELETE /api/tables/{table}/rows/{id}
func (h *DataHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	id, ok := rowID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.dataService.Delete(r.Context(), tenant, r.PathValue("table"), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BatchInsert handles POST /api/tables/{table}/rows/batch
// All rows are inserted or none are.
func (h *DataHandler) BatchInsert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req BatchInsertRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	rows, err := h.dataService.BatchInsert(r.Context(), tenant, r.PathValue("table"), req.Rows)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusCreated, rows, h.logger)
}

// BatchUpdate handles PATCH /api/tables/{table}/rows/batch
// Returns one result per item; failed items do not fail the request.
func (h *DataHandler) BatchUpdate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req BatchUpdateRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	results, err := h.dataService.BatchUpdate(r.Context(), tenant, r.PathValue("table"), req.Items)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, results, h.logger)
}

// BatchDelete handles POST /api/tables/{table}/rows/batch-delete
func (h *DataHandler) BatchDelete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req BatchDeleteRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	n, err := h.dataService.BatchDelete(r.Context(), tenant, r.PathValue("table"), req.IDs)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, CountResponse{Count: n}, h.logger)
}

// Upsert handles PUT /api/tables/{table}/rows
func (h *DataHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req models.UpsertRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}

	rows, err := h.dataService.Upsert(r.Context(), tenant, r.PathValue("table"), &req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, rows, h.logger)
}
