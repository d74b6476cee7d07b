package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// UpdateWhereRequest assigns Set to every row matching Query's predicate.
type UpdateWhereRequest struct {
	Query query.Request `json:"query"`
	Set   *models.Row   `json:"set"`
}

// QueryResponse carries the rows a query returned.
type QueryResponse struct {
	Rows  []*models.Row `json:"rows"`
	Count int           `json:"count"`
}

// ScalarResponse carries the first column of the first row of an aggregate query.
type ScalarResponse struct {
	Value models.Value `json:"value"`
}

// QueryHandler runs structured queries against dynamic tables.
type QueryHandler struct {
	queryService services.QueryService
	logger       *zap.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(queryService services.QueryService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		queryService: queryService,
		logger:       logger,
	}
}

// RegisterRoutes registers the query handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/tables/{table}/query", tenantMiddleware(h.Query))
	mux.HandleFunc("POST /api/tables/{table}/query/first", tenantMiddleware(h.First))
	mux.HandleFunc("POST /api/tables/{table}/query/count", tenantMiddleware(h.Count))
	mux.HandleFunc("POST /api/tables/{table}/query/scalar", tenantMiddleware(h.Scalar))
	mux.HandleFunc("POST /api/tables/{table}/query/update", tenantMiddleware(h.UpdateWhere))
	mux.HandleFunc("POST /api/tables/{table}/query/delete", tenantMiddleware(h.DeleteWhere))
}

// builder decodes a query.Request body into a builder on the path's table.
// An empty body selects every row.
func (h *QueryHandler) builder(w http.ResponseWriter, r *http.Request) (*query.Builder, bool) {
	var req query.Request
	if !decodeBody(w, r, &req, true, h.logger) {
		return nil, false
	}
	b := req.Builder(r.PathValue("table"))
	if err := b.Err(); err != nil {
		WriteError(w, err, h.logger)
		return nil, false
	}
	return b, true
}

// Query handles POST /api/tables/{table}/query
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	b, ok := h.builder(w, r)
	if !ok {
		return
	}

	rows, err := h.queryService.All(r.Context(), tenant, b)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, QueryResponse{Rows: rows, Count: len(rows)}, h.logger)
}

// First handles POST /api/tables/{table}/query/first
func (h *QueryHandler) First(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	b, ok := h.builder(w, r)
	if !ok {
		return
	}

	row, err := h.queryService.First(r.Context(), tenant, b)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, row, h.logger)
}

// Count handles POST /api/tables/{table}/query/count
func (h *QueryHandler) Count(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	b, ok := h.builder(w, r)
	if !ok {
		return
	}

	n, err := h.queryService.Count(r.Context(), tenant, b)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, CountResponse{Count: n}, h.logger)
}

// Scalar handles POST /api/tables/{table}/query/scalar
func (h *QueryHandler) Scalar(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	b, ok := h.builder(w, r)
	if !ok {
		return
	}

	v, err := h.queryService.Scalar(r.Context(), tenant, b)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, ScalarResponse{Value: v}, h.logger)
}

// UpdateWhere handles POST /api/tables/{table}/query/update
func (h *QueryHandler) UpdateWhere(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	var req UpdateWhereRequest
	if !decodeBody(w, r, &req, false, h.logger) {
		return
	}
	if req.Set == nil || req.Set.Len() == 0 {
		WriteError(w, apperrors.Validation("set must name at least one column"), h.logger)
		return
	}

	b := req.Query.Builder(r.PathValue("table"))
	if err := b.Err(); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	rows, err := h.queryService.UpdateWhere(r.Context(), tenant, b, req.Set)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, QueryResponse{Rows: rows, Count: len(rows)}, h.logger)
}

// DeleteWhere handles POST /api/tables/{table}/query/delete
func (h *QueryHandler) DeleteWhere(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(w, r, h.logger)
	if !ok {
		return
	}
	b, ok := h.builder(w, r)
	if !ok {
		return
	}

	n, err := h.queryService.DeleteWhere(r.Context(), tenant, b)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeData(w, http.StatusOK, CountResponse{Count: n}, h.logger)
}
