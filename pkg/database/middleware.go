package database

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// Request headers read by WithTenantContext.
const (
	TenantHeader = "X-Tenant-ID"
	ActorHeader  = "X-Actor"
)

// WithTenantContext creates middleware that sets up a tenant-scoped DB connection.
// The tenant comes from the X-Tenant-ID header; a missing or malformed header is a
// caller error. X-Actor, when present, is recorded as the change-log actor.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(TenantHeader))
			if raw == "" {
				writeError(w, http.StatusBadRequest, "validation_error", "Missing "+TenantHeader+" header")
				return
			}

			tenantID, err := uuid.Parse(raw)
			if err != nil {
				logger.Warn("Invalid tenant ID header",
					zap.String("tenant_id", raw),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "validation_error", "Invalid tenant ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), tenantID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("tenant_id", tenantID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "execution_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			ctx = models.WithAPIProvenance(ctx, strings.TrimSpace(r.Header.Get(ActorHeader)))
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
