package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/cache"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// SchemaChangeEvent describes a committed schema mutation.
type SchemaChangeEvent struct {
	TenantID      uuid.UUID
	TableID       uuid.UUID
	Operation     models.ChangeOperation
	SchemaVersion int
}

// SchemaChangeListener is notified after a schema mutation commits.
// Listeners run synchronously on the request path and must not fail the mutation.
type SchemaChangeListener interface {
	OnSchemaChange(ctx context.Context, event SchemaChangeEvent)
}

// SchemaChangeListenerFunc adapts a function to SchemaChangeListener.
type SchemaChangeListenerFunc func(ctx context.Context, event SchemaChangeEvent)

// OnSchemaChange calls f.
func (f SchemaChangeListenerFunc) OnSchemaChange(ctx context.Context, event SchemaChangeEvent) {
	f(ctx, event)
}

type cacheInvalidator struct {
	cache  cache.DescriptorCache
	logger *zap.Logger
}

// NewCacheInvalidator returns a listener that drops the tenant's cached descriptors.
func NewCacheInvalidator(c cache.DescriptorCache, logger *zap.Logger) SchemaChangeListener {
	return &cacheInvalidator{cache: c, logger: logger.Named("cache-invalidator")}
}

func (l *cacheInvalidator) OnSchemaChange(ctx context.Context, event SchemaChangeEvent) {
	if err := l.cache.Invalidate(ctx, event.TenantID); err != nil {
		// Entries expire on their TTL; the next mutation retries the invalidation.
		l.logger.Error("Failed to invalidate descriptor cache",
			zap.String("tenant_id", event.TenantID.String()),
			zap.String("table_id", event.TableID.String()),
			zap.Error(err))
		return
	}
	l.logger.Debug("Descriptor cache invalidated",
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("operation", string(event.Operation)),
		zap.Int("schema_version", event.SchemaVersion))
}
