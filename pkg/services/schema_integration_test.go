//go:build integration

package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/cache"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/lock"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
	"github.com/ekaya-inc/ekaya-tables/pkg/query"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
	"github.com/ekaya-inc/ekaya-tables/pkg/testhelpers"
)

// engineTestContext wires every service to the shared test database.
type engineTestContext struct {
	t        *testing.T
	schema   SchemaService
	data     DataService
	queries  QueryService
	changes  ChangeLogService
	tenantID uuid.UUID
	ctx      context.Context
}

func setupEngineTest(t *testing.T) *engineTestContext {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)
	logger := zap.NewNop()
	cfg := testEngineConfig()

	metadata := repositories.NewMetadataRepository()
	changeLog := repositories.NewChangeLogRepository()
	tenantCtx := NewTenantContextFunc(engineDB.DB)
	descriptors := cache.NewMemoryCache(time.Minute)
	resolver := NewDescriptorResolver(metadata, descriptors, logger)
	locks := lock.NewCoordinator(config.LockConfig{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  20,
		Timeout:      2 * time.Second,
	}, logger)
	auditor := audit.NewSecurityAuditor(logger)

	return &engineTestContext{
		t:        t,
		schema:   NewSchemaService(metadata, changeLog, locks, auditor, tenantCtx, cfg, logger, NewCacheInvalidator(descriptors, logger)),
		data:     NewDataService(resolver, tenantCtx, cfg, logger),
		queries:  NewQueryService(resolver, tenantCtx, auditor, logger),
		changes:  NewChangeLogService(metadata, changeLog, tenantCtx, cfg, logger),
		tenantID: uuid.New(),
		ctx:      context.Background(),
	}
}

func (tc *engineTestContext) createCustomers() *models.Table {
	tc.t.Helper()
	table, err := tc.schema.CreateTable(tc.ctx, tc.tenantID, &models.CreateTableRequest{
		Name: "customers",
		Columns: []models.ColumnDefinition{
			{Name: "email", DataType: models.DataTypeText, IsNullable: boolPtr(false)},
			{Name: "age", DataType: models.DataTypeInteger},
		},
	})
	require.NoError(tc.t, err)
	return table
}

func (tc *engineTestContext) version(name string) int {
	tc.t.Helper()
	table, err := tc.schema.GetTable(tc.ctx, tc.tenantID, name)
	require.NoError(tc.t, err)
	return table.SchemaVersion
}

// ============================================================================
// Scenarios
// ============================================================================

func TestEngine_CreateTable(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	table, err := tc.schema.GetTable(tc.ctx, tc.tenantID, "customers")
	require.NoError(t, err)

	assert.Len(t, table.Columns, 6)
	assert.True(t, strings.HasPrefix(table.PhysicalName, "tbl_"))
	assert.Equal(t, 1, table.SchemaVersion)

	entries, err := tc.changes.Recent(tc.ctx, tc.tenantID, "customers", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationCreateTable, entries[0].Operation)
}

func TestEngine_InsertAndGet(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	inserted, err := tc.data.Insert(tc.ctx, tc.tenantID, "customers", models.RowOf("email", "a@example.com", "age", 30))
	require.NoError(t, err)

	idValue, ok := inserted.Get("id")
	require.True(t, ok)
	idText, ok := idValue.AsString()
	require.True(t, ok)
	id, err := uuid.Parse(idText)
	require.NoError(t, err)

	row, err := tc.data.GetByID(tc.ctx, tc.tenantID, "customers", id)
	require.NoError(t, err)

	email, _ := row.Get("email")
	assert.Equal(t, models.String("a@example.com"), email)
	age, _ := row.Get("age")
	assert.Equal(t, models.Int(30), age)
	for _, name := range []string{"created_at", "updated_at"} {
		v, ok := row.Get(name)
		require.True(t, ok)
		assert.False(t, v.IsNull(), name)
	}

	// Another tenant cannot see the row.
	_, err = tc.data.GetByID(tc.ctx, uuid.New(), "customers", id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEngine_StaleExpectedVersion(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()
	_, err := tc.schema.UpdateTable(tc.ctx, tc.tenantID, "customers", &models.UpdateTableRequest{Description: strPtr("v2")})
	require.NoError(t, err)
	require.Equal(t, 2, tc.version("customers"))

	_, err = tc.schema.UpdateTable(tc.ctx, tc.tenantID, "customers", &models.UpdateTableRequest{
		Description:     strPtr("stale"),
		ExpectedVersion: intPtr(1),
	})
	assert.ErrorIs(t, err, apperrors.ErrConcurrencyConflict)

	table, err := tc.schema.GetTable(tc.ctx, tc.tenantID, "customers")
	require.NoError(t, err)
	assert.Equal(t, 2, table.SchemaVersion)
	assert.Equal(t, "v2", *table.Description)
}

func TestEngine_UniqueColumnOverDuplicates(t *testing.T) {
	tc := setupEngineTest(t)
	_, err := tc.schema.CreateTable(tc.ctx, tc.tenantID, &models.CreateTableRequest{
		Name:    "contacts",
		Columns: []models.ColumnDefinition{{Name: "name", DataType: models.DataTypeText}},
	})
	require.NoError(t, err)
	_, err = tc.data.BatchInsert(tc.ctx, tc.tenantID, "contacts", []*models.Row{
		models.RowOf("name", "a"), models.RowOf("name", "b"),
	})
	require.NoError(t, err)

	// Two rows share the new column's default, so the unique constraint fails.
	_, err = tc.schema.AddColumn(tc.ctx, tc.tenantID, "contacts", &models.AddColumnRequest{
		Column: models.ColumnDefinition{Name: "email", DataType: models.DataTypeText, IsUnique: true, DefaultValue: strPtr("'dup@example.com'")},
	})
	require.Error(t, err)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeExecution, e.Code)
	assert.Equal(t, "unique_violation", e.Details["sql_state_code"])

	table, err := tc.schema.GetTable(tc.ctx, tc.tenantID, "contacts")
	require.NoError(t, err)
	_, found := table.ColumnByName("email")
	assert.False(t, found, "the column must not be partially added")
	assert.Equal(t, 1, table.SchemaVersion)

	_, err = tc.data.Insert(tc.ctx, tc.tenantID, "contacts", models.RowOf("name", "c", "email", "x@example.com"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "the physical column was rolled back with the descriptor")
}

func TestEngine_BatchInsertIsAtomic(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	_, err := tc.data.BatchInsert(tc.ctx, tc.tenantID, "customers", []*models.Row{
		models.RowOf("email", "a@example.com"),
		models.RowOf("email", "b@example.com"),
		models.RowOf("email", "c@example.com"),
		models.RowOf("email", "d@example.com", "nickname", "dee"),
	})
	require.Error(t, err)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotFound, e.Code)
	assert.Equal(t, 3, e.Details["index"])

	n, err := tc.queries.Count(tc.ctx, tc.tenantID, query.New("customers"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ============================================================================
// Properties
// ============================================================================

func TestEngine_VersionMonotonicity(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	steps := []func() error{
		func() error {
			_, err := tc.schema.AddColumn(tc.ctx, tc.tenantID, "customers", &models.AddColumnRequest{
				Column: models.ColumnDefinition{Name: "city", DataType: models.DataTypeString},
			})
			return err
		},
		func() error {
			_, err := tc.schema.CreateIndex(tc.ctx, tc.tenantID, "customers", &models.CreateIndexRequest{
				Name: "city_idx", Columns: []models.IndexColumnDefinition{{Column: "city"}},
			})
			return err
		},
		func() error {
			_, err := tc.schema.UpdateColumn(tc.ctx, tc.tenantID, "customers", "city", &models.UpdateColumnRequest{
				DefaultValue: strPtr("'unknown'"), Description: strPtr("home city"),
			})
			return err
		},
		func() error { return tc.schema.DeleteIndex(tc.ctx, tc.tenantID, "customers", "city_idx", nil) },
		func() error { return tc.schema.DeleteColumn(tc.ctx, tc.tenantID, "customers", "city", nil) },
	}
	for i, step := range steps {
		before := tc.version("customers")
		require.NoError(t, step(), "step %d", i)
		assert.Equal(t, before+1, tc.version("customers"), "step %d", i)

		// Replaying with the now-stale version fails.
		_, err := tc.schema.UpdateTable(tc.ctx, tc.tenantID, "customers", &models.UpdateTableRequest{
			Description: strPtr("replay"), ExpectedVersion: intPtr(before),
		})
		assert.ErrorIs(t, err, apperrors.ErrConcurrencyConflict, "step %d", i)
	}
}

func TestEngine_ConcurrentMutationsSerialize(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	const workers = 2
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = tc.schema.AddColumn(tc.ctx, tc.tenantID, "customers", &models.AddColumnRequest{
				Column:          models.ColumnDefinition{Name: "extra_" + string(rune('a'+i)), DataType: models.DataTypeText},
				ExpectedVersion: intPtr(1),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		code := apperrors.CodeOf(err)
		assert.Contains(t, []string{apperrors.CodeConcurrencyConflict, apperrors.CodeLockTimeout}, code)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, tc.version("customers"))
}

func TestEngine_RecreatedTableGetsNewPhysicalName(t *testing.T) {
	tc := setupEngineTest(t)
	first := tc.createCustomers()
	require.NoError(t, tc.schema.DeleteTable(tc.ctx, tc.tenantID, "customers", nil))

	second := tc.createCustomers()

	assert.NotEqual(t, first.PhysicalName, second.PhysicalName)
	assert.Equal(t, 1, second.SchemaVersion)
}

// ============================================================================
// Data and query paths
// ============================================================================

func TestEngine_UpdateDeleteAndQuery(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()

	rows, err := tc.data.BatchInsert(tc.ctx, tc.tenantID, "customers", []*models.Row{
		models.RowOf("email", "a@example.com", "age", 20),
		models.RowOf("email", "b@example.com", "age", 35),
		models.RowOf("age", 50, "email", "c@example.com"),
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	adults, err := tc.queries.All(tc.ctx, tc.tenantID,
		query.New("customers").Select("email").Where("age", query.OpGte, 30).OrderBy("age", models.SortAsc))
	require.NoError(t, err)
	require.Len(t, adults, 2)
	email, _ := adults[0].Get("email")
	assert.Equal(t, models.String("b@example.com"), email)

	oldest, err := tc.queries.Scalar(tc.ctx, tc.tenantID, query.New("customers").Aggregate(query.AggMax, "age", "oldest"))
	require.NoError(t, err)
	assert.Equal(t, models.Int(50), oldest)

	_, err = tc.queries.First(tc.ctx, tc.tenantID, query.New("customers").Where("age", query.OpGt, 100))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// First leaves the caller's builder reusable.
	adultQuery := query.New("customers").Where("age", query.OpGte, 30).OrderBy("age", models.SortAsc)
	youngestAdult, err := tc.queries.First(tc.ctx, tc.tenantID, adultQuery)
	require.NoError(t, err)
	age, _ := youngestAdult.Get("age")
	assert.Equal(t, models.Int(35), age)
	adults, err = tc.queries.All(tc.ctx, tc.tenantID, adultQuery)
	require.NoError(t, err)
	assert.Len(t, adults, 2)

	updated, err := tc.queries.UpdateWhere(tc.ctx, tc.tenantID,
		query.New("customers").Where("age", query.OpLt, 30), models.RowOf("age", 21))
	require.NoError(t, err)
	require.Len(t, updated, 1)

	deleted, err := tc.queries.DeleteWhere(tc.ctx, tc.tenantID, query.New("customers").Where("age", query.OpGte, 50))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	n, err := tc.queries.Count(tc.ctx, tc.tenantID, query.New("customers"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestEngine_BatchUpdateReportsPerItem(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()
	row, err := tc.data.Insert(tc.ctx, tc.tenantID, "customers", models.RowOf("email", "a@example.com"))
	require.NoError(t, err)
	idValue, _ := row.Get("id")
	idText, _ := idValue.AsString()
	id := uuid.MustParse(idText)

	results, err := tc.data.BatchUpdate(tc.ctx, tc.tenantID, "customers", []models.BatchUpdateItem{
		{ID: id, Fields: models.RowOf("age", 41)},
		{ID: uuid.New(), Fields: models.RowOf("age", 42)},
		{ID: id, Fields: models.RowOf("age", "old")},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, apperrors.CodeNotFound, results[1].Code)
	assert.False(t, results[2].Success)
	assert.Equal(t, apperrors.CodeValidation, results[2].Code)

	got, err := tc.data.GetByID(tc.ctx, tc.tenantID, "customers", id)
	require.NoError(t, err)
	age, _ := got.Get("age")
	assert.Equal(t, models.Int(41), age)

	require.NoError(t, tc.data.Delete(tc.ctx, tc.tenantID, "customers", id))
	assert.ErrorIs(t, tc.data.Delete(tc.ctx, tc.tenantID, "customers", id), apperrors.ErrNotFound)
}

func TestEngine_Upsert(t *testing.T) {
	tc := setupEngineTest(t)
	_, err := tc.schema.CreateTable(tc.ctx, tc.tenantID, &models.CreateTableRequest{
		Name: "accounts",
		Columns: []models.ColumnDefinition{
			{Name: "email", DataType: models.DataTypeText, IsUnique: true},
			{Name: "plan", DataType: models.DataTypeString},
		},
	})
	require.NoError(t, err)

	_, err = tc.data.Upsert(tc.ctx, tc.tenantID, "accounts", &models.UpsertRequest{
		KeyColumns: []string{"email"},
		Rows:       []*models.Row{models.RowOf("email", "a@example.com", "plan", "free")},
	})
	require.NoError(t, err)

	rows, err := tc.data.Upsert(tc.ctx, tc.tenantID, "accounts", &models.UpsertRequest{
		KeyColumns: []string{"email"},
		Rows:       []*models.Row{models.RowOf("email", "a@example.com", "plan", "pro")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	plan, _ := rows[0].Get("plan")
	assert.Equal(t, models.String("pro"), plan)

	n, err := tc.queries.Count(tc.ctx, tc.tenantID, query.New("accounts"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = tc.data.Upsert(tc.ctx, tc.tenantID, "accounts", &models.UpsertRequest{
		KeyColumns: []string{"plan"},
		Rows:       []*models.Row{models.RowOf("plan", "pro")},
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = tc.data.Upsert(tc.ctx, tc.tenantID, "accounts", &models.UpsertRequest{
		KeyColumns: []string{"email"},
		Rows:       []*models.Row{models.RowOf("plan", "pro")},
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestEngine_RelationsJoin(t *testing.T) {
	tc := setupEngineTest(t)
	tc.createCustomers()
	_, err := tc.schema.CreateTable(tc.ctx, tc.tenantID, &models.CreateTableRequest{
		Name: "orders",
		Columns: []models.ColumnDefinition{
			{Name: "customer_id", DataType: models.DataTypeUUID},
			{Name: "total", DataType: models.DataTypeDecimal},
		},
	})
	require.NoError(t, err)

	_, err = tc.schema.CreateRelation(tc.ctx, tc.tenantID, &models.CreateRelationRequest{
		SourceTable: "orders", SourceColumn: "customer_id", TargetTable: "customers", OnDelete: models.ActionCascade,
	})
	require.NoError(t, err)

	customer, err := tc.data.Insert(tc.ctx, tc.tenantID, "customers", models.RowOf("email", "a@example.com"))
	require.NoError(t, err)
	customerID, _ := customer.Get("id")
	_, err = tc.data.Insert(tc.ctx, tc.tenantID, "orders", models.RowOf("customer_id", customerID.Interface(), "total", "12.50"))
	require.NoError(t, err)

	_, err = tc.data.Insert(tc.ctx, tc.tenantID, "orders", models.RowOf("customer_id", uuid.NewString()))
	require.Error(t, err)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "foreign_key_violation", e.Details["sql_state_code"])

	rows, err := tc.queries.All(tc.ctx, tc.tenantID, query.New("orders").
		Select("orders.total", "customers.email").
		Join("customers", "orders.customer_id", "customers.id"))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	err = tc.schema.DeleteTable(tc.ctx, tc.tenantID, "customers", nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	require.NoError(t, tc.schema.DeleteRelation(tc.ctx, tc.tenantID, "order_customers", nil))
	require.NoError(t, tc.schema.DeleteTable(tc.ctx, tc.tenantID, "customers", nil))
}
