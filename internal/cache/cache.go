// Package cache provides caching for rendered result tables and query
// responses.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	TableCacheSizeMB int
	TableTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages table and query caches.
type Manager struct {
	tableCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TableTTL <= 0 {
		cfg.TableTTL = 30 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	tableCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.TableTTL,
		CleanWindow:        cfg.TableTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.TableCacheSizeMB,
		Verbose:            false,
	}

	tableCache, err := bigcache.New(context.Background(), tableCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create table cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		tableCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		tableCache: tableCache,
		queryCache: queryCache,
	}, nil
}

// GetTable retrieves a rendered table from cache.
func (m *Manager) GetTable(key string) ([]byte, bool) {
	data, err := m.tableCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTable stores a rendered table in cache.
func (m *Manager) SetTable(key string, data []byte) error {
	return m.tableCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// InvalidateJob drops every cached entry belonging to a job.
func (m *Manager) InvalidateJob(jobID string) {
	for _, kind := range []string{"mean", "percent"} {
		m.tableCache.Delete(TableKey(jobID, kind))
	}
	prefix := "result:" + jobID + ":"
	for _, k := range m.queryCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.queryCache.Remove(k)
		}
	}
}

// TableKey generates a cache key for a rendered table.
func TableKey(jobID, kind string) string {
	return fmt.Sprintf("table:%s:%s", jobID, kind)
}

// ResultKey generates a cache key for a page of cluster results.
func ResultKey(jobID, cluster string, offset, limit int) string {
	return fmt.Sprintf("result:%s:%d/%d:%s", jobID, offset, limit, cluster)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"table_cache_len":  m.tableCache.Len(),
		"table_cache_cap":  m.tableCache.Capacity(),
		"query_cache_len":  m.queryCache.Len(),
		"table_cache_hits": m.tableCache.Stats().Hits,
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tableCache.Close()
}
