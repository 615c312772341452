package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/store"
	"github.com/rs/zerolog"
)

var (
	// ErrCacheMiss indicates the requested key is absent, expired, corrupted
	// or written with another schema version.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored envelope could not be decoded.
	// It is always reported together with ErrCacheMiss.
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrSchemaMismatch indicates the envelope was written by another schema
	// version. It is always reported together with ErrCacheMiss.
	ErrSchemaMismatch = errors.New("cache entry schema mismatch")
)

const (
	// DefaultNamespace prefixes every physical key. Keys outside it, such as
	// locks and recorded status sharing the same Redis database, are never
	// listed or cleared.
	DefaultNamespace = "storefront:cache:"

	// SchemaVersion is the envelope version written by this package.
	SchemaVersion = 1
)

const (
	layerDurable = "durable"
	layerBackup  = "backup"
)

// Manager handles cache operations over a durable store and an optional backup store.
type Manager struct {
	durable   store.Store
	backup    store.Store
	namespace string
	policy    Policy
	version   int
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackup sets the session-scoped backup store.
func WithBackup(s store.Store) Option {
	return func(m *Manager) { m.backup = s }
}

// WithNamespace sets the physical key prefix.
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// WithPolicy replaces the default category policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithSchemaVersion overrides the envelope version written and accepted.
func WithSchemaVersion(v int) Option {
	return func(m *Manager) { m.version = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a cache manager over the durable store.
func NewManager(durable store.Store, opts ...Option) *Manager {
	if durable == nil {
		panic("durable store cannot be nil")
	}
	m := &Manager{
		durable:   durable,
		namespace: DefaultNamespace,
		policy:    DefaultPolicy(),
		version:   SchemaVersion,
		now:       time.Now,
		logger:    logging.NewLogger("cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the category policy in use.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

func (m *Manager) physical(k Key) string {
	return m.namespace + k.String()
}

func (m *Manager) logical(physical string) Key {
	return ParseKey(strings.TrimPrefix(physical, m.namespace))
}

// Get retrieves a fresh entry. Expired, corrupted and schema-mismatched
// entries are deleted and reported as ErrCacheMiss. Mirrored categories fall
// back to the backup store on a durable miss.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, _, err := m.read(ctx, m.durable, key, layerDurable)
	if err == nil {
		CacheHits.WithLabelValues(layerDurable).Inc()
		m.logger.Debug().Str("key", key.String()).Str("layer", layerDurable).Msg("Cache hit")
		return entry, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}

	if m.backup == nil || !m.policy.isMirrored(key.Category) {
		CacheMisses.WithLabelValues(key.Category).Inc()
		return nil, err
	}

	entry, raw, berr := m.read(ctx, m.backup, key, layerBackup)
	if berr != nil {
		if !errors.Is(berr, ErrCacheMiss) {
			CacheErrors.WithLabelValues("backup").Inc()
			m.logger.Warn().Err(berr).Str("key", key.String()).Msg("Backup read failed")
		}
		CacheMisses.WithLabelValues(key.Category).Inc()
		return nil, err
	}

	CacheHits.WithLabelValues(layerBackup).Inc()
	if werr := m.durable.Set(ctx, m.physical(key), raw); werr != nil {
		CacheErrors.WithLabelValues("set").Inc()
		m.logger.Warn().Err(werr).Str("key", key.String()).Msg("Failed to restore backup entry")
	} else {
		BackupRestores.Inc()
		m.logger.Info().Str("key", key.String()).Msg("Restored entry from backup")
	}
	return entry, nil
}

// read loads and validates one envelope from s, deleting it when unusable.
func (m *Manager) read(ctx context.Context, s store.Store, key Key, layer string) (*Entry, []byte, error) {
	pk := m.physical(key)

	raw, err := s.Get(ctx, pk)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrCacheMiss
		}
		return nil, nil, fmt.Errorf("%s get %s: %w", layer, key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		m.logger.Warn().Err(err).Str("key", key.String()).Str("layer", layer).Msg("Dropping corrupted cache entry")
		m.drop(ctx, s, pk, layer)
		return nil, nil, fmt.Errorf("%w: %w: %v", ErrCacheMiss, ErrInvalidEntry, err)
	}

	if entry.Version != m.version {
		m.logger.Warn().
			Str("key", key.String()).
			Int("version", entry.Version).
			Int("want", m.version).
			Msg("Dropping cache entry from another schema version")
		m.drop(ctx, s, pk, layer)
		return nil, nil, fmt.Errorf("%w: %w", ErrCacheMiss, ErrSchemaMismatch)
	}

	now := m.now()
	if entry.IsExpired(m.policy.TTL(key.Category), now) {
		CacheExpired.WithLabelValues(key.Category).Inc()
		m.logger.Debug().
			Str("key", key.String()).
			Str("layer", layer).
			Dur("age", entry.Age(now)).
			Msg("Cache entry expired")
		m.drop(ctx, s, pk, layer)
		return nil, nil, ErrCacheMiss
	}

	return &entry, raw, nil
}

func (m *Manager) drop(ctx context.Context, s store.Store, pk, layer string) {
	if err := s.Delete(ctx, pk); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		m.logger.Warn().Err(err).Str("layer", layer).Str("physical_key", pk).Msg("Failed to delete cache entry")
	}
}

// Set marshals value and stores it stamped with the current time.
func (m *Manager) Set(ctx context.Context, key Key, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return m.SetRaw(ctx, key, data, "")
}

// SetRaw stores an already encoded JSON payload with an optional ETag.
func (m *Manager) SetRaw(ctx context.Context, key Key, data json.RawMessage, etag string) error {
	if !json.Valid(data) {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}
	entry := &Entry{
		Data:      data,
		Timestamp: m.now().UnixMilli(),
		ETag:      etag,
		Version:   m.version,
	}
	return m.write(ctx, key, entry)
}

// Touch re-stamps an existing fresh entry, keeping its payload. A non-empty
// etag replaces the stored one.
func (m *Manager) Touch(ctx context.Context, key Key, etag string) error {
	entry, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	entry.Timestamp = m.now().UnixMilli()
	if etag != "" {
		entry.ETag = etag
	}
	if err := m.write(ctx, key, entry); err != nil {
		return err
	}
	Revalidations.Inc()
	return nil
}

func (m *Manager) write(ctx context.Context, key Key, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	pk := m.physical(key)
	if err := m.durable.Set(ctx, pk, raw); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("durable set %s: %w", key, err)
	}

	if m.backup != nil && m.policy.isMirrored(key.Category) {
		if err := m.backup.Set(ctx, pk, raw); err != nil {
			CacheErrors.WithLabelValues("backup").Inc()
			m.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to mirror entry to backup")
		}
	}
	return nil
}

// Delete removes keys from the durable store and the backup store.
func (m *Manager) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	pks := make([]string, len(keys))
	for i, k := range keys {
		pks[i] = m.physical(k)
	}
	if err := m.durable.Delete(ctx, pks...); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("durable delete: %w", err)
	}
	if m.backup != nil {
		if err := m.backup.Delete(ctx, pks...); err != nil {
			CacheErrors.WithLabelValues("backup").Inc()
			return fmt.Errorf("backup delete: %w", err)
		}
	}
	return nil
}

// ClearUserScoped removes the user-scoped categories and prefixes from the
// durable store. Guest slides are preserved through the backup store.
func (m *Manager) ClearUserScoped(ctx context.Context) error {
	all, err := m.durable.Keys(ctx, m.namespace)
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("list keys: %w", err)
	}

	var doomed []string
	for _, pk := range all {
		if m.policy.isUserScoped(m.logical(pk)) {
			doomed = append(doomed, pk)
		}
	}

	if err := m.clear(ctx, doomed); err != nil {
		return err
	}
	CacheClears.WithLabelValues("user").Inc()
	m.logger.Info().Int("removed", len(doomed)).Msg("Cleared user-scoped cache")
	return nil
}

// ClearAll removes every key except the preserved categories. Guest slides
// are preserved through the backup store.
func (m *Manager) ClearAll(ctx context.Context) error {
	all, err := m.durable.Keys(ctx, m.namespace)
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("list keys: %w", err)
	}

	var doomed []string
	for _, pk := range all {
		if !m.policy.isPreserved(m.logical(pk).Category) {
			doomed = append(doomed, pk)
		}
	}

	if err := m.clear(ctx, doomed); err != nil {
		return err
	}
	CacheClears.WithLabelValues("all").Inc()
	m.logger.Info().Int("removed", len(doomed)).Msg("Cleared cache")
	return nil
}

// clear deletes the physical keys, snapshotting guest slides beforehand and
// re-seeding them afterwards.
func (m *Manager) clear(ctx context.Context, pks []string) error {
	slidesKey := m.physical(Key{Category: CategoryGuestSlides})

	snapshot, err := m.durable.Get(ctx, slidesKey)
	if err != nil {
		snapshot = nil
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn().Err(err).Msg("Failed to snapshot guest slides")
		}
	}
	if snapshot != nil && m.backup != nil {
		if err := m.backup.Set(ctx, slidesKey, snapshot); err != nil {
			CacheErrors.WithLabelValues("backup").Inc()
			m.logger.Warn().Err(err).Msg("Failed to back up guest slides")
		}
	}

	if len(pks) > 0 {
		if err := m.durable.Delete(ctx, pks...); err != nil {
			CacheErrors.WithLabelValues("clear").Inc()
			return fmt.Errorf("durable delete: %w", err)
		}
	}

	seed := snapshot
	if m.backup != nil {
		if raw, err := m.backup.Get(ctx, slidesKey); err == nil {
			seed = raw
		}
	}
	if seed != nil {
		if err := m.durable.Set(ctx, slidesKey, seed); err != nil {
			CacheErrors.WithLabelValues("set").Inc()
			m.logger.Warn().Err(err).Msg("Failed to re-seed guest slides")
		}
	}
	return nil
}

// Keys lists the logical keys currently held in the durable store.
func (m *Manager) Keys(ctx context.Context) ([]Key, error) {
	all, err := m.durable.Keys(ctx, m.namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys := make([]Key, 0, len(all))
	for _, pk := range all {
		keys = append(keys, m.logical(pk))
	}
	return keys, nil
}
