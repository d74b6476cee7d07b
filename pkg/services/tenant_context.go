package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-tables/pkg/database"
)

// TenantContextFunc acquires a tenant-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return func(ctx context.Context, tenantID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		tenantCtx := database.SetTenantScope(ctx, scope)
		return tenantCtx, func() { scope.Close() }, nil
	}
}

// ensureTenantScope reuses a transaction or a matching tenant scope already in
// ctx (set by the HTTP middleware) and otherwise acquires one for tenantID.
func ensureTenantScope(ctx context.Context, acquire TenantContextFunc, tenantID uuid.UUID) (context.Context, func(), error) {
	if _, ok := database.GetTx(ctx); ok {
		return ctx, func() {}, nil
	}
	if scope, ok := database.GetTenantScope(ctx); ok && scope.TenantID == tenantID {
		return ctx, func() {}, nil
	}
	if acquire == nil {
		return nil, nil, database.ErrNoTenantScope
	}
	return acquire(ctx, tenantID)
}
