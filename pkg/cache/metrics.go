package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (durable, backup)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_hits_total",
			Help: "Total number of storefront cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by category
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_misses_total",
			Help: "Total number of storefront cache misses",
		},
		[]string{"category"},
	)

	// CacheExpired tracks entries deleted on read because they outlived their TTL
	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_expired_total",
			Help: "Total number of cache entries dropped on read for age",
		},
		[]string{"category"},
	)

	// BackupRestores tracks backup hits copied back to the durable store
	BackupRestores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_backup_restores_total",
			Help: "Total number of backup entries restored to the durable store",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "decode", "clear", "backup"
	)

	// CacheClears tracks clear operations by scope
	CacheClears = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storefront_cache_clears_total",
			Help: "Total number of cache clears",
		},
		[]string{"scope"}, // "user", "all"
	)

	// Revalidations tracks 304 responses that re-stamped a cached entry
	Revalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storefront_cache_revalidations_total",
			Help: "Total number of cache entries re-stamped after 304 Not Modified",
		},
	)
)
