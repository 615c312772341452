package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("record not found")

// ErrEmptyPayload is returned when decoding a record without payload.
var ErrEmptyPayload = errors.New("record has no payload")

// ErrInvalidPayload is returned by Put when the fields are not a JSON object.
var ErrInvalidPayload = errors.New("record payload must be a JSON object")

const (
	// SchemaVersion is bumped whenever ProductRecord changes shape. Init drops
	// and recreates the table when the stored version differs.
	SchemaVersion = 1

	// StaleAfter is the age after which a record should be refetched.
	StaleAfter = time.Hour

	// SweepAfter is the age after which Sweep removes a record.
	SweepAfter = 24 * time.Hour

	metaName = "product_records"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	recordSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_records_sweeps_total",
		Help: "Total number of record sweeps run",
	})

	recordsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_records_swept_total",
		Help: "Total number of product records removed by sweeps",
	})

	recordErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_records_errors_total",
		Help: "Total number of record store errors by operation",
	}, []string{"operation"})
)

// Config holds record store configuration.
type Config struct {
	// Driver is "sqlite" (embedded, default) or "postgres".
	Driver string

	// DSN is the driver specific data source name.
	DSN string

	// StaleAfter overrides the staleness age. Zero uses StaleAfter.
	StaleAfter time.Duration

	// SweepAfter overrides the sweep age. Zero uses SweepAfter.
	SweepAfter time.Duration

	// SweepInterval is the minimum time between opportunistic sweeps.
	SweepInterval time.Duration
}

// DefaultConfig returns an embedded SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:        DriverSQLite,
		DSN:           "file:storefront-records.db?cache=shared&_busy_timeout=5000",
		StaleAfter:    StaleAfter,
		SweepAfter:    SweepAfter,
		SweepInterval: time.Hour,
	}
}

// Store is the per-record product cache.
type Store struct {
	db     *bun.DB
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	lastSweep time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the configured database. Call Init before use.
func Open(cfg Config, opts ...Option) (*Store, error) {
	var (
		sqldb *sql.DB
		db    *bun.DB
		err   error
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		sqldb, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers; one connection avoids SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverPostgres:
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		return nil, fmt.Errorf("unsupported record driver %q", cfg.Driver)
	}

	return New(db, cfg, opts...), nil
}

// New wraps an existing bun database.
func New(db *bun.DB, cfg Config, opts ...Option) *Store {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = StaleAfter
	}
	if cfg.SweepAfter <= 0 {
		cfg.SweepAfter = SweepAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	s := &Store{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NewLogger("records"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the record table and its category and last_updated indexes.
// A stored schema version different from SchemaVersion recreates the table.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*schemaMeta)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var meta schemaMeta
	err := s.db.NewSelect().Model(&meta).Where("name = ?", metaName).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case meta.Version != SchemaVersion:
		s.logger.Info().
			Int("stored", meta.Version).
			Int("want", SchemaVersion).
			Msg("Record schema changed, recreating table")
		if _, err := s.db.NewDropTable().Model((*ProductRecord)(nil)).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop record table: %w", err)
		}
	}

	if _, err := s.db.NewCreateTable().Model((*ProductRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create record table: %w", err)
	}
	indexes := []struct{ name, column string }{
		{"idx_product_records_category", "category"},
		{"idx_product_records_last_updated", "last_updated"},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().
			Model((*ProductRecord)(nil)).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}

	_, err = s.db.NewInsert().
		Model(&schemaMeta{Name: metaName, Version: SchemaVersion}).
		On("CONFLICT (name) DO UPDATE").
		Set("version = EXCLUDED.version").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Put stamps the record with the current time and upserts it. fields must
// encode to a JSON object.
func (s *Store) Put(ctx context.Context, id, category string, fields any) (*ProductRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("record id cannot be empty")
	}

	var payload []byte
	switch v := fields.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		var err error
		if payload, err = json.Marshal(fields); err != nil {
			return nil, fmt.Errorf("marshal record %s: %w", id, err)
		}
	}
	var probe map[string]any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("record %s: %w: %v", id, ErrInvalidPayload, err)
	}
	if probe == nil {
		return nil, fmt.Errorf("record %s: %w: got null", id, ErrInvalidPayload)
	}

	rec := &ProductRecord{
		ID:          id,
		Category:    category,
		Payload:     string(payload),
		LastUpdated: s.now().UnixMilli(),
	}
	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (id) DO UPDATE").
		Set("category = EXCLUDED.category").
		Set("payload = EXCLUDED.payload").
		Set("last_updated = EXCLUDED.last_updated").
		Exec(ctx)
	if err != nil {
		recordErrors.WithLabelValues("put").Inc()
		return nil, fmt.Errorf("upsert record %s: %w", id, err)
	}
	return rec, nil
}

// Get returns the stored record without checking staleness.
func (s *Store) Get(ctx context.Context, id string) (*ProductRecord, error) {
	rec := new(ProductRecord)
	err := s.db.NewSelect().Model(rec).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		recordErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// ListByCategory returns the records of a category, newest first.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]ProductRecord, error) {
	var recs []ProductRecord
	err := s.db.NewSelect().
		Model(&recs).
		Where("category = ?", category).
		Order("last_updated DESC").
		Scan(ctx)
	if err != nil {
		recordErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list records of %s: %w", category, err)
	}
	return recs, nil
}

// Delete removes one record. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*ProductRecord)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		recordErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// IsStale reports whether a record is absent or older than the configured staleness age.
func (s *Store) IsStale(rec *ProductRecord) bool {
	if rec == nil {
		return true
	}
	return isStale(rec.UpdatedAt(), s.now(), s.cfg.StaleAfter)
}

// IsStale reports whether lastUpdated is zero or older than StaleAfter at now.
func IsStale(lastUpdated, now time.Time) bool {
	return isStale(lastUpdated, now, StaleAfter)
}

func isStale(lastUpdated, now time.Time, maxAge time.Duration) bool {
	if lastUpdated.IsZero() {
		return true
	}
	return now.Sub(lastUpdated) > maxAge
}

// SweepOlderThan deletes every record last updated before cutoff and
// returns the number removed.
func (s *Store) SweepOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*ProductRecord)(nil)).
		Where("last_updated < ?", cutoff.UnixMilli()).
		Exec(ctx)
	if err != nil {
		recordErrors.WithLabelValues("sweep").Inc()
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}

	recordSweeps.Inc()
	recordsSwept.Add(float64(removed))
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Swept old product records")
	}
	return removed, nil
}

// Sweep deletes records older than the configured sweep age.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	removed, err := s.SweepOlderThan(ctx, now.Add(-s.cfg.SweepAfter))
	if err == nil {
		s.mu.Lock()
		s.lastSweep = now
		s.mu.Unlock()
	}
	return removed, err
}

// SweepIfDue runs Sweep when the last sweep is older than the sweep
// interval. It reports whether a sweep ran.
func (s *Store) SweepIfDue(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	due := s.lastSweep.IsZero() || s.now().Sub(s.lastSweep) >= s.cfg.SweepInterval
	s.mu.Unlock()
	if !due {
		return 0, false, nil
	}
	removed, err := s.Sweep(ctx)
	return removed, true, err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
