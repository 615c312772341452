// Package refresh implements the two-stage read used for storefront data:
// serve the cached value immediately, then, when the backend is reachable,
// fetch a fresh value, overwrite the cache and serve it again.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/records"
)

var (
	// ErrOffline is returned when nothing is cached and the backend cannot
	// be reached.
	ErrOffline = errors.New("offline and no cached data")

	// ErrNoRecordStore is returned by LoadRecord when the loader has no
	// record store.
	ErrNoRecordStore = errors.New("no record store configured")
)

var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_refresh_loads_total",
		Help: "Total loads by outcome",
	}, []string{"outcome"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_refresh_coalesced_total",
		Help: "Total loads whose fetch was shared with a concurrent load of the same key",
	})
)

// Load outcomes.
const (
	outcomeVerified    = "verified"
	outcomeNotModified = "not_modified"
	outcomeOffline     = "offline"
	outcomeFallback    = "fallback"
	outcomeFailed      = "failed"
	outcomeFresh       = "fresh_record"
)

// Stage tells which stage of a load a snapshot belongs to.
type Stage int

const (
	// StageCached is the value read from the cache before any fetch.
	StageCached Stage = iota + 1

	// StageVerified is the value confirmed by the backend.
	StageVerified
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageCached:
		return "cached"
	case StageVerified:
		return "verified"
	default:
		return "none"
	}
}

// Snapshot is one rendering of a cached key.
type Snapshot struct {
	Key   cache.Key
	Stage Stage
	Data  json.RawMessage
	ETag  string

	// WrittenAt is when the data was stored or confirmed.
	WrittenAt time.Time
}

// Decode unmarshals the snapshot data into v.
func (s Snapshot) Decode(v any) error {
	return json.Unmarshal(s.Data, v)
}

// Result is a successful backend fetch.
type Result struct {
	Data json.RawMessage
	ETag string

	// NotModified confirms the cached entry without a new payload.
	NotModified bool
}

// FetchFunc fetches fresh data. cached is the current cache entry or nil and
// may be used for a conditional request.
type FetchFunc func(ctx context.Context, cached *cache.Entry) (Result, error)

// Emit receives every snapshot of a load in stage order.
type Emit func(Snapshot)

// Connectivity is the read-only view of the connectivity detector.
type Connectivity interface {
	Status() connectivity.Status
	WaitInitialized(ctx context.Context) error
}

// Loader runs two-stage loads against a cache manager.
type Loader struct {
	cache       *cache.Manager
	conn        Connectivity
	records     *records.Store
	initTimeout time.Duration
	logger      zerolog.Logger

	entries *flight[Snapshot]
	recs    *flight[*records.ProductRecord]
}

// Option configures a Loader.
type Option func(*Loader)

// WithRecords enables LoadRecord.
func WithRecords(s *records.Store) Option {
	return func(l *Loader) { l.records = s }
}

// WithInitTimeout bounds how long a load waits for the first connectivity
// probe. Zero waits as long as the load context allows.
func WithInitTimeout(d time.Duration) Option {
	return func(l *Loader) { l.initTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// NewLoader creates a loader.
func NewLoader(m *cache.Manager, conn Connectivity, opts ...Option) *Loader {
	if m == nil || conn == nil {
		panic("refresh: cache manager and connectivity are required")
	}
	l := &Loader{
		cache:   m,
		conn:    conn,
		logger:  logging.NewLogger("refresh"),
		entries: newFlight[Snapshot](),
		recs:    newFlight[*records.ProductRecord](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cache returns the underlying cache manager.
func (l *Loader) Cache() *cache.Manager {
	return l.cache
}

// Records returns the record store, or nil.
func (l *Loader) Records() *records.Store {
	return l.records
}

// Online reports whether the backend is currently reachable.
func (l *Loader) Online() bool {
	return l.conn.Status().CanFetch()
}

// Load emits the cached value of key when present, then fetches, stores and
// emits the verified value when the backend is reachable. It returns the last
// emitted snapshot.
//
// A failed fetch falls back to the cached snapshot with a nil error. Without
// a cached value it returns ErrOffline when offline, or the fetch error.
func (l *Loader) Load(ctx context.Context, key cache.Key, fetch FetchFunc, emit Emit) (Snapshot, error) {
	if emit == nil {
		emit = func(Snapshot) {}
	}

	entry, err := l.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			l.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, treating as absent")
		}
		entry = nil
	}

	var cached *Snapshot
	if entry != nil {
		snap := Snapshot{
			Key:       key,
			Stage:     StageCached,
			Data:      entry.Data,
			ETag:      entry.ETag,
			WrittenAt: entry.WrittenAt(),
		}
		cached = &snap
		emit(snap)
	}

	if !l.canFetch(ctx) {
		loadsTotal.WithLabelValues(outcomeOffline).Inc()
		if cached != nil {
			return *cached, nil
		}
		return Snapshot{Key: key}, ErrOffline
	}

	snap, shared, err := l.entries.do(ctx, key.String(), func() (Snapshot, error) {
		return l.fetchEntry(ctx, key, entry, fetch)
	})
	if shared {
		coalescedTotal.Inc()
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("Refresh failed")
		if cached != nil {
			loadsTotal.WithLabelValues(outcomeFallback).Inc()
			return *cached, nil
		}
		loadsTotal.WithLabelValues(outcomeFailed).Inc()
		return Snapshot{Key: key}, err
	}

	emit(snap)
	return snap, nil
}

func (l *Loader) fetchEntry(ctx context.Context, key cache.Key, entry *cache.Entry, fetch FetchFunc) (Snapshot, error) {
	res, err := fetch(ctx, entry)
	if err != nil {
		return Snapshot{}, err
	}

	if res.NotModified {
		if entry == nil {
			return Snapshot{}, fmt.Errorf("%s: not modified without a cached entry", key)
		}
		if err := l.cache.Touch(ctx, key, res.ETag); err != nil {
			l.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to re-stamp cache entry")
		}
		loadsTotal.WithLabelValues(outcomeNotModified).Inc()
		etag := entry.ETag
		if res.ETag != "" {
			etag = res.ETag
		}
		return Snapshot{
			Key:       key,
			Stage:     StageVerified,
			Data:      entry.Data,
			ETag:      etag,
			WrittenAt: l.cache.Now(),
		}, nil
	}

	if !json.Valid(res.Data) {
		return Snapshot{}, fmt.Errorf("%s: %w", key, cache.ErrInvalidEntry)
	}
	if err := l.cache.SetRaw(ctx, key, res.Data, res.ETag); err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to store refreshed value")
	}
	loadsTotal.WithLabelValues(outcomeVerified).Inc()
	return Snapshot{
		Key:       key,
		Stage:     StageVerified,
		Data:      res.Data,
		ETag:      res.ETag,
		WrittenAt: l.cache.Now(),
	}, nil
}

// canFetch waits for the first connectivity probe and reports whether the
// backend is reachable.
func (l *Loader) canFetch(ctx context.Context) bool {
	waitCtx := ctx
	if l.initTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.initTimeout)
		defer cancel()
	}
	if err := l.conn.WaitInitialized(waitCtx); err != nil {
		l.logger.Debug().Err(err).Msg("Connectivity not initialized, skipping fetch")
		return false
	}
	return l.conn.Status().CanFetch()
}
