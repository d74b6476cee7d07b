// Package cache holds resolved table descriptors (table + active columns + indexes)
// keyed by tenant and logical name, so row and query operations skip the
// metadata lookups on the hot path. Entries are dropped per tenant after every
// committed schema mutation.
//
// Every tenant has a generation that Invalidate advances. Callers read the
// generation before loading a descriptor and pass it to Set; a Set carrying an
// older generation is discarded, so a load that raced an invalidation never
// repopulates the cache with the pre-mutation descriptor.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

// DescriptorCache stores resolved table descriptors.
type DescriptorCache interface {
	// Get returns the cached descriptor for a logical table name.
	Get(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, bool, error)
	// Generation returns the tenant's current cache generation.
	Generation(ctx context.Context, tenantID uuid.UUID) (uint64, error)
	// Set caches a descriptor under its tenant and logical name if the tenant
	// is still at generation gen. It reports whether the entry was stored.
	Set(ctx context.Context, table *models.Table, gen uint64) (bool, error)
	// Invalidate drops every cached descriptor of a tenant and advances its generation.
	Invalidate(ctx context.Context, tenantID uuid.UUID) error
}

// MemoryCache is an in-process DescriptorCache used when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[string]*memoryEntry
	gens    map[uuid.UUID]uint64
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	table     *models.Table
	expiresAt time.Time
}

var _ DescriptorCache = (*MemoryCache)(nil)

// NewMemoryCache creates a MemoryCache. A non-positive ttl keeps entries until invalidated.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		tenants: make(map[uuid.UUID]map[string]*memoryEntry),
		gens:    make(map[uuid.UUID]uint64),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, tenantID uuid.UUID, name string) (*models.Table, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.tenants[tenantID][name]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.table, true, nil
}

func (c *MemoryCache) Generation(_ context.Context, tenantID uuid.UUID) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenantID], nil
}

func (c *MemoryCache) Set(_ context.Context, table *models.Table, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[table.TenantID] != gen {
		return false, nil
	}

	entries, ok := c.tenants[table.TenantID]
	if !ok {
		entries = make(map[string]*memoryEntry)
		c.tenants[table.TenantID] = entries
	}
	entry := &memoryEntry{table: table}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	entries[table.LogicalName] = entry
	return true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, tenantID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
	c.gens[tenantID]++
	return nil
}
