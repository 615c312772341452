// Package cache implements the durable storefront cache: namespaced keys,
// JSON envelopes with a write timestamp, per-category TTLs enforced on read,
// a session-scoped backup layer for promotional content, and the logout
// clears that keep guest slides alive.
//
// # Basic Usage
//
//	durable := store.NewRedisStore(redisClient)
//	backup := store.NewMemoryStore(store.DefaultMemoryConfig())
//
//	manager := cache.NewManager(durable, cache.WithBackup(backup))
//
//	key := cache.Key{Category: cache.CategoryProducts, ID: "standard_websites"}
//	if err := manager.Set(ctx, key, products); err != nil {
//		log.Warn().Err(err).Msg("cache write failed")
//	}
//
//	products, err := cache.Load[[]Product](ctx, manager, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// absent, expired, corrupted or written by another schema version
//	}
//
// # Expiry
//
// Entries are never evicted proactively. A read of an entry older than its
// category TTL deletes it and reports a miss. Categories with a zero TTL
// never expire by age and are only removed by explicit clears.
//
// # Backup Layer
//
// Writes to mirrored categories (guest slides, banners) are copied to the
// backup store. The backup is consulted only after a durable miss; a backup
// hit is written back to the durable store.
//
// # Metrics
//
//   - storefront_cache_hits_total{layer} - hits by layer (durable, backup)
//   - storefront_cache_misses_total{category} - misses by category
//   - storefront_cache_expired_total{category} - entries dropped on read for age
//   - storefront_cache_backup_restores_total - backup hits copied to durable
//   - storefront_cache_errors_total{operation} - store and codec errors
//   - storefront_cache_clears_total{scope} - user and all clears
//   - storefront_cache_revalidations_total - 304 responses that re-stamped entries
package cache
