package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
)

// TenantMiddleware wraps a handler with a tenant-scoped connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// ApiResponse is the envelope for successful responses.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorBody is the JSON shape of an error response.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return writeErrorBody(w, statusCode, errorBody{Error: errorCode, Message: message})
}

func writeErrorBody(w http.ResponseWriter, statusCode int, body errorBody) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(body)
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// StatusForCode maps an engine error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case apperrors.CodeValidation:
		return http.StatusBadRequest
	case apperrors.CodeDuplicateName, apperrors.CodeConcurrencyConflict:
		return http.StatusConflict
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeLockTimeout:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as a JSON error. Engine errors keep their code, message
// and details; anything else becomes an opaque internal error. Wrapped causes
// are logged, never returned.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	body := errorBody{Error: "internal_error", Message: "Internal server error"}
	status := http.StatusInternalServerError

	if e, ok := apperrors.As(err); ok {
		body = errorBody{Error: e.Code, Message: e.Message, Details: e.Details}
		status = StatusForCode(e.Code)
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("code", body.Error), zap.Error(err))
	}

	if err := writeErrorBody(w, status, body); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeData wraps data in an ApiResponse.
func writeData(w http.ResponseWriter, status int, data any, logger *zap.Logger) {
	if err := WriteJSON(w, status, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// tenantID returns the tenant of the request's scope. The tenant middleware
// must have run first.
func tenantID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	scope, ok := database.GetTenantScope(r.Context())
	if !ok || scope.TenantID == uuid.Nil {
		WriteError(w, apperrors.Validation("missing %s header", database.TenantHeader), logger)
		return uuid.Nil, false
	}
	return scope.TenantID, true
}

// decodeBody decodes the JSON request body into dst. When optional is set an
// empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool, logger *zap.Logger) bool {
	if r.Body == nil {
		if optional {
			return true
		}
		WriteError(w, apperrors.Validation("request body is required"), logger)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return true
			}
			WriteError(w, apperrors.Validation("request body is required"), logger)
			return false
		}
		WriteError(w, apperrors.Validation("invalid request body: %s", err.Error()), logger)
		return false
	}
	return true
}

// intQuery parses an optional integer query parameter.
func intQuery(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (*int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		WriteError(w, apperrors.Validation("%s must be an integer", name), logger)
		return nil, false
	}
	return &n, true
}

// rowID parses the {id} path value.
func rowID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, apperrors.Validation("invalid row id %q", r.PathValue("id")), logger)
		return uuid.Nil, false
	}
	return id, true
}
