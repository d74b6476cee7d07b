package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/cache"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// countingMetadata counts table lookups by name.
type countingMetadata struct {
	*mockMetadataRepository
	lookups int
}

func (m *countingMetadata) GetTableByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	m.lookups++
	return m.mockMetadataRepository.GetTableByName(ctx, tenantID, name)
}

func seedTable(t *testing.T, repo *mockMetadataRepository, tenantID uuid.UUID, name string) *models.Table {
	t.Helper()
	table := &models.Table{ID: uuid.New(), TenantID: tenantID, LogicalName: name, PhysicalName: "t_" + name, SchemaVersion: 1, IsActive: true}
	require.NoError(t, repo.CreateTable(context.Background(), table))
	for i, c := range systemColumns(table) {
		c.OrdinalPosition = i + 1
		require.NoError(t, repo.CreateColumn(context.Background(), c))
	}
	return table
}

func TestDescriptorResolver_LoadsColumns(t *testing.T) {
	repo := newMockMetadataRepository()
	tenantID := uuid.New()
	seedTable(t, repo, tenantID, "orders")

	r := NewDescriptorResolver(repo, nil, zap.NewNop())
	table, err := r.ResolveTable(context.Background(), tenantID, "orders")

	require.NoError(t, err)
	require.Len(t, table.Columns, 4)
	assert.Equal(t, models.SystemColumnID, table.Columns[0].LogicalName)
}

func TestDescriptorResolver_NotFound(t *testing.T) {
	r := NewDescriptorResolver(newMockMetadataRepository(), nil, zap.NewNop())

	_, err := r.ResolveTable(context.Background(), uuid.New(), "missing")

	require.Error(t, err)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotFound, e.Code)
	assert.Equal(t, "table", e.Details["kind"])
}

func TestDescriptorResolver_UsesCacheUntilInvalidated(t *testing.T) {
	repo := &countingMetadata{mockMetadataRepository: newMockMetadataRepository()}
	tenantID := uuid.New()
	seedTable(t, repo.mockMetadataRepository, tenantID, "orders")

	c := cache.NewMemoryCache(time.Minute)
	r := NewDescriptorResolver(repo, c, zap.NewNop())
	ctx := context.Background()

	_, err := r.ResolveTable(ctx, tenantID, "orders")
	require.NoError(t, err)
	_, err = r.ResolveTable(ctx, tenantID, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.lookups)

	NewCacheInvalidator(c, zap.NewNop()).OnSchemaChange(ctx, SchemaChangeEvent{TenantID: tenantID})

	_, err = r.ResolveTable(ctx, tenantID, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.lookups)
}

// invalidatingMetadata invalidates the tenant's cache entries while a table
// lookup is in flight, the way a schema change committing mid-load does.
type invalidatingMetadata struct {
	*mockMetadataRepository
	cache cache.DescriptorCache
	once  bool
}

func (m *invalidatingMetadata) GetTableByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	table, err := m.mockMetadataRepository.GetTableByName(ctx, tenantID, name)
	if !m.once {
		m.once = true
		NewCacheInvalidator(m.cache, zap.NewNop()).OnSchemaChange(ctx, SchemaChangeEvent{TenantID: tenantID})
	}
	return table, err
}

func TestDescriptorResolver_InvalidationDuringLoadIsNotCached(t *testing.T) {
	c := cache.NewMemoryCache(time.Minute)
	repo := &invalidatingMetadata{mockMetadataRepository: newMockMetadataRepository(), cache: c}
	tenantID := uuid.New()
	seedTable(t, repo.mockMetadataRepository, tenantID, "orders")
	r := NewDescriptorResolver(repo, c, zap.NewNop())
	ctx := context.Background()

	table, err := r.ResolveTable(ctx, tenantID, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", table.LogicalName)

	_, ok, err := c.Get(ctx, tenantID, "orders")
	require.NoError(t, err)
	assert.False(t, ok, "descriptor loaded before the invalidation must not be cached")

	// The next resolve starts after the change and is cached normally.
	_, err = r.ResolveTable(ctx, tenantID, "orders")
	require.NoError(t, err)
	_, ok, err = c.Get(ctx, tenantID, "orders")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChangeLogService_Recent(t *testing.T) {
	env := newSchemaTestEnv(t)
	env.createTable(t, "orders")
	for _, d := range []string{"a", "b", "c"} {
		_, err := env.service.UpdateTable(env.ctx, env.tenantID, "orders", &models.UpdateTableRequest{Description: strPtr(d)})
		require.NoError(t, err)
	}

	svc := NewChangeLogService(env.metadata, env.changeLog, nil, testEngineConfig(), zap.NewNop())

	entries, err := svc.Recent(env.ctx, env.tenantID, "orders", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 4, entries[0].SchemaVersion, "newest first")
	assert.Equal(t, 3, entries[1].SchemaVersion)

	entries, err = svc.Recent(env.ctx, env.tenantID, "orders", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	_, err = svc.Recent(env.ctx, env.tenantID, "missing", 0)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
