package services

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-tables/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// ============================================================================
// Fake transaction
// ============================================================================

// fakeTx records statements instead of running them. Begin returns the same
// transaction so database.InTx works on a context carrying it.
type fakeTx struct {
	pgx.Tx

	mu          sync.Mutex
	execs       []string
	execErr     func(stmt string) error
	lockGranted bool
	committed   bool
	rolledBack  bool
}

func newFakeTx() *fakeTx {
	return &fakeTx{lockGranted: true}
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return f, nil }

func (f *fakeTx) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func (f *fakeTx) Exec(ctx context.Context, stmt string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, stmt)
	if f.execErr != nil {
		if err := f.execErr(stmt); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

// QueryRow answers the advisory try-lock query.
func (f *fakeTx) QueryRow(ctx context.Context, stmt string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return boolRow(f.lockGranted)
}

func (f *fakeTx) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

// statementsWith returns the executed statements starting with prefix.
func (f *fakeTx) statementsWith(prefix string) []string {
	var out []string
	for _, s := range f.statements() {
		if strings.HasPrefix(s, prefix) {
			out = append(out, s)
		}
	}
	return out
}

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*dest[0].(*bool) = bool(r)
	return nil
}

// ============================================================================
// In-memory metadata repository
// ============================================================================

type mockMetadataRepository struct {
	mu        sync.Mutex
	tables    map[uuid.UUID]*models.Table
	columns   map[uuid.UUID]*models.Column
	indexes   map[uuid.UUID]*models.Index
	relations map[uuid.UUID]*models.Relation

	createColumnErr error
	// afterListIndexes runs after each ListIndexes, the last read of a table load.
	afterListIndexes func()
}

func newMockMetadataRepository() *mockMetadataRepository {
	return &mockMetadataRepository{
		tables:    make(map[uuid.UUID]*models.Table),
		columns:   make(map[uuid.UUID]*models.Column),
		indexes:   make(map[uuid.UUID]*models.Index),
		relations: make(map[uuid.UUID]*models.Relation),
	}
}

func copyTable(t *models.Table) *models.Table {
	cp := *t
	cp.Columns = nil
	cp.Indexes = nil
	return &cp
}

func (m *mockMetadataRepository) CreateTable(ctx context.Context, table *models.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		if t.IsActive && t.TenantID == table.TenantID && t.LogicalName == table.LogicalName {
			return apperrors.DuplicateName("table", table.LogicalName)
		}
	}
	m.tables[table.ID] = copyTable(table)
	return nil
}

func (m *mockMetadataRepository) GetTableByID(ctx context.Context, tenantID, tableID uuid.UUID) (*models.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok || !t.IsActive || t.TenantID != tenantID {
		return nil, apperrors.ErrNotFound
	}
	return copyTable(t), nil
}

func (m *mockMetadataRepository) GetTableByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		if t.IsActive && t.TenantID == tenantID && t.LogicalName == name {
			return copyTable(t), nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockMetadataRepository) ListTables(ctx context.Context, tenantID uuid.UUID) ([]*models.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Table
	for _, t := range m.tables {
		if t.IsActive && t.TenantID == tenantID {
			out = append(out, copyTable(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out, nil
}

func (m *mockMetadataRepository) UpdateTable(ctx context.Context, table *models.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table.ID]
	if !ok || !t.IsActive {
		return apperrors.ErrNotFound
	}
	t.LogicalName = table.LogicalName
	t.Description = table.Description
	t.Metadata = table.Metadata
	return nil
}

func (m *mockMetadataRepository) SoftDeleteTable(ctx context.Context, tenantID, tableID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok || !t.IsActive {
		return apperrors.ErrNotFound
	}
	t.IsActive = false
	for _, c := range m.columns {
		if c.TableID == tableID {
			c.IsActive = false
		}
	}
	for _, idx := range m.indexes {
		if idx.TableID == tableID {
			idx.IsActive = false
		}
	}
	return nil
}

func (m *mockMetadataRepository) CurrentVersion(ctx context.Context, tableID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok || !t.IsActive {
		return 0, apperrors.ErrNotFound
	}
	return t.SchemaVersion, nil
}

func (m *mockMetadataRepository) IncrementVersion(ctx context.Context, tableID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableID]
	if !ok || !t.IsActive {
		return 0, apperrors.ErrNotFound
	}
	t.SchemaVersion++
	return t.SchemaVersion, nil
}

func (m *mockMetadataRepository) CreateColumn(ctx context.Context, column *models.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createColumnErr != nil {
		return m.createColumnErr
	}
	cp := *column
	m.columns[column.ID] = &cp
	return nil
}

func (m *mockMetadataRepository) GetColumnByID(ctx context.Context, tableID, columnID uuid.UUID) (*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.columns[columnID]
	if !ok || !c.IsActive || c.TableID != tableID {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockMetadataRepository) GetColumnByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.columns {
		if c.IsActive && c.TableID == tableID && c.LogicalName == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockMetadataRepository) ListColumns(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Column
	for _, c := range m.columns {
		if c.IsActive && c.TableID == tableID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrdinalPosition < out[j].OrdinalPosition })
	return out, nil
}

func (m *mockMetadataRepository) UpdateColumn(ctx context.Context, column *models.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.columns[column.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *column
	m.columns[column.ID] = &cp
	return nil
}

func (m *mockMetadataRepository) SoftDeleteColumn(ctx context.Context, tableID, columnID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.columns[columnID]
	if !ok || !c.IsActive {
		return apperrors.ErrNotFound
	}
	c.IsActive = false
	return nil
}

func (m *mockMetadataRepository) NextOrdinal(ctx context.Context, tableID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := 0
	for _, c := range m.columns {
		if c.TableID == tableID && c.OrdinalPosition > highest {
			highest = c.OrdinalPosition
		}
	}
	return highest + 1, nil
}

func (m *mockMetadataRepository) CreateIndex(ctx context.Context, index *models.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *index
	m.indexes[index.ID] = &cp
	return nil
}

func (m *mockMetadataRepository) GetIndexByName(ctx context.Context, tableID uuid.UUID, name string) (*models.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.indexes {
		if idx.IsActive && idx.TableID == tableID && idx.LogicalName == name {
			cp := *idx
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockMetadataRepository) ListIndexes(ctx context.Context, tableID uuid.UUID) ([]*models.Index, error) {
	out := m.indexesOf(tableID)
	if m.afterListIndexes != nil {
		m.afterListIndexes()
	}
	return out, nil
}

func (m *mockMetadataRepository) indexesOf(tableID uuid.UUID) []*models.Index {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Index
	for _, idx := range m.indexes {
		if idx.IsActive && idx.TableID == tableID {
			cp := *idx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalName < out[j].LogicalName })
	return out
}

func (m *mockMetadataRepository) SoftDeleteIndex(ctx context.Context, tableID, indexID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexID]
	if !ok || !idx.IsActive {
		return apperrors.ErrNotFound
	}
	idx.IsActive = false
	return nil
}

func (m *mockMetadataRepository) SoftDeleteIndexesByColumn(ctx context.Context, tableID, columnID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, idx := range m.indexes {
		if idx.IsActive && idx.TableID == tableID && idx.CoversColumn(columnID) {
			idx.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *mockMetadataRepository) CreateRelation(ctx context.Context, rel *models.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rel
	m.relations[rel.ID] = &cp
	return nil
}

func (m *mockMetadataRepository) GetRelationByID(ctx context.Context, tenantID, relationID uuid.UUID) (*models.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relations[relationID]
	if !ok || !r.IsActive || r.TenantID != tenantID {
		return nil, apperrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockMetadataRepository) GetRelationByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.relations {
		if r.IsActive && r.TenantID == tenantID && r.LogicalName == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockMetadataRepository) ListRelationsByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Relation
	for _, r := range m.relations {
		if r.IsActive && (r.SourceTableID == tableID || r.TargetTableID == tableID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMetadataRepository) SoftDeleteRelation(ctx context.Context, tenantID, relationID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relations[relationID]
	if !ok || !r.IsActive {
		return apperrors.ErrNotFound
	}
	r.IsActive = false
	return nil
}

// ============================================================================
// In-memory change log
// ============================================================================

type mockChangeLogRepository struct {
	mu        sync.Mutex
	entries   []*models.ChangeLogEntry
	appendErr error
}

func (m *mockChangeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	cp := *entry
	cp.ID = uuid.New()
	m.entries = append(m.entries, &cp)
	entry.ID = cp.ID
	return nil
}

func (m *mockChangeLogRepository) ListByTable(ctx context.Context, tenantID, tableID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChangeLogEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if e.TenantID == tenantID && e.TableID == tableID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockChangeLogRepository) all() []*models.ChangeLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ChangeLogEntry(nil), m.entries...)
}
