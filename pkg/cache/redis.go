package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-tables/pkg/models"
)

const keyPrefix = "engine:schema:"

// setIfCurrent writes one hash field only while the tenant's generation key
// still holds the caller's generation. A missing generation key reads as 0.
//
// KEYS[1] descriptor hash, KEYS[2] generation key
// ARGV[1] expected generation, ARGV[2] field, ARGV[3] value, ARGV[4] ttl in ms
var setIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisCache stores descriptors in one Redis hash per tenant, field = logical
// table name, value = JSON descriptor, next to a per-tenant generation counter.
// Invalidate deletes the whole hash and bumps the counter, so every process
// sharing the Redis instance sees the change at once.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ DescriptorCache = (*RedisCache)(nil)

// NewRedisCache creates a RedisCache. The tenant hash expires ttl after its last write.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Both keys share the {tenant} hash tag so the script stays on one cluster slot.
func tenantKey(tenantID uuid.UUID) string {
	return keyPrefix + "{" + tenantID.String() + "}"
}

func generationKey(tenantID uuid.UUID) string {
	return tenantKey(tenantID) + ":gen"
}

func (c *RedisCache) Generation(ctx context.Context, tenantID uuid.UUID) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(tenantID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) Get(ctx context.Context, tenantID uuid.UUID, name string) (*models.Table, bool, error) {
	data, err := c.client.HGet(ctx, tenantKey(tenantID), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached descriptor: %w", err)
	}

	var table models.Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached descriptor: %w", err)
	}
	return &table, true, nil
}

func (c *RedisCache) Set(ctx context.Context, table *models.Table, gen uint64) (bool, error) {
	data, err := json.Marshal(table)
	if err != nil {
		return false, fmt.Errorf("failed to encode descriptor: %w", err)
	}

	stored, err := setIfCurrent.Run(ctx, c.client,
		[]string{tenantKey(table.TenantID), generationKey(table.TenantID)},
		strconv.FormatUint(gen, 10), table.LogicalName, data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cache descriptor: %w", err)
	}
	return stored == 1, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, generationKey(tenantID))
	pipe.Del(ctx, tenantKey(tenantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate descriptors: %w", err)
	}
	return nil
}
