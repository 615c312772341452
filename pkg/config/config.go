// Package config loads the storefront-cache configuration from a TOML file
// and STOREFRONT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/client"
	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/lock"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/records"
	"github.com/Sternrassler/storefront-cache/pkg/store"
	"github.com/Sternrassler/storefront-cache/pkg/storefront"
	"github.com/Sternrassler/storefront-cache/pkg/warmup"
)

// Durable store kinds.
const (
	StoreRedis  = "redis"
	StoreS3     = "s3"
	StoreMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOREFRONT_"

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete configuration.
type Config struct {
	Logging      Logging      `toml:"logging"`
	Backend      Backend      `toml:"backend"`
	Cache        Cache        `toml:"cache"`
	Redis        Redis        `toml:"redis"`
	S3           S3           `toml:"s3"`
	Backup       Backup       `toml:"backup"`
	Records      Records      `toml:"records"`
	Connectivity Connectivity `toml:"connectivity"`
	Warmup       Warmup       `toml:"warmup"`
	Server       Server       `toml:"server"`
}

// Logging configures the logger.
type Logging struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Backend configures the storefront REST backend.
type Backend struct {
	BaseURL   string               `toml:"base_url"`
	UserAgent string               `toml:"user_agent"`
	Timeout   Duration             `toml:"timeout"`
	Endpoints storefront.Endpoints `toml:"endpoints"`
}

// Cache configures the durable cache.
type Cache struct {
	// Store is "redis", "s3" or "memory".
	Store     string              `toml:"store"`
	Namespace string              `toml:"namespace"`
	TTLs      map[string]Duration `toml:"ttls"`
}

// Redis configures the Redis connection used by the redis store, the
// sweep lock and the connectivity recorder.
type Redis struct {
	Addr      string   `toml:"addr"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db"`
	StatusTTL Duration `toml:"status_ttl"`
}

// S3 configures the S3 store.
type S3 struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

// Backup configures the in-process backup store.
type Backup struct {
	Capacity   int      `toml:"capacity"`
	SessionTTL Duration `toml:"session_ttl"`
}

// Records configures the product record store.
type Records struct {
	Driver        string   `toml:"driver"`
	DSN           string   `toml:"dsn"`
	StaleAfter    Duration `toml:"stale_after"`
	SweepAfter    Duration `toml:"sweep_after"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// Connectivity configures the online detector.
type Connectivity struct {
	// ProbeURL defaults to the backend base URL joined with /health.
	ProbeURL         string   `toml:"probe_url"`
	Interval         Duration `toml:"interval"`
	ProbeTimeout     Duration `toml:"probe_timeout"`
	FailureThreshold int      `toml:"failure_threshold"`
	InitTimeout      Duration `toml:"init_timeout"`
}

// Warmup configures background prefetching.
type Warmup struct {
	Enabled        bool     `toml:"enabled"`
	MaxConcurrency int      `toml:"max_concurrency"`
	Timeout        Duration `toml:"timeout"`
	Interval       Duration `toml:"interval"`
}

// Server configures the daemon's HTTP listener.
type Server struct {
	Addr string `toml:"addr"`
}

// Default returns the default configuration.
func Default() Config {
	rec := records.DefaultConfig()
	backup := store.DefaultMemoryConfig()
	warm := warmup.DefaultConfig()

	ttls := make(map[string]Duration)
	for category, ttl := range cache.DefaultPolicy().TTLs {
		ttls[category] = Duration(ttl)
	}

	return Config{
		Logging: Logging{Level: string(logging.LevelInfo)},
		Backend: Backend{
			BaseURL:   "http://localhost:8080/api",
			UserAgent: "storefront-cache/1.0",
			Timeout:   Duration(15 * time.Second),
			Endpoints: storefront.DefaultEndpoints(),
		},
		Cache: Cache{
			Store:     StoreRedis,
			Namespace: cache.DefaultNamespace,
			TTLs:      ttls,
		},
		Redis: Redis{
			Addr:      "localhost:6379",
			StatusTTL: Duration(time.Hour),
		},
		S3: S3{Region: "us-east-1"},
		Backup: Backup{
			Capacity:   backup.Capacity,
			SessionTTL: Duration(backup.SessionTTL),
		},
		Records: Records{
			Driver:        rec.Driver,
			DSN:           rec.DSN,
			StaleAfter:    Duration(rec.StaleAfter),
			SweepAfter:    Duration(rec.SweepAfter),
			SweepInterval: Duration(rec.SweepInterval),
		},
		Connectivity: Connectivity{
			Interval:         Duration(15 * time.Second),
			ProbeTimeout:     Duration(5 * time.Second),
			FailureThreshold: 1,
			InitTimeout:      Duration(10 * time.Second),
		},
		Warmup: Warmup{
			Enabled:        true,
			MaxConcurrency: warm.MaxConcurrency,
			Timeout:        Duration(warm.Timeout),
			Interval:       Duration(10 * time.Minute),
		},
		Server: Server{Addr: ":8090"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("cannot read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("cannot parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from STOREFRONT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"LOG_LEVEL":      &c.Logging.Level,
		"BACKEND_URL":    &c.Backend.BaseURL,
		"USER_AGENT":     &c.Backend.UserAgent,
		"CACHE_STORE":    &c.Cache.Store,
		"REDIS_ADDR":     &c.Redis.Addr,
		"REDIS_PASSWORD": &c.Redis.Password,
		"S3_BUCKET":      &c.S3.Bucket,
		"S3_REGION":      &c.S3.Region,
		"S3_ENDPOINT":    &c.S3.Endpoint,
		"RECORDS_DRIVER": &c.Records.Driver,
		"RECORDS_DSN":    &c.Records.DSN,
		"PROBE_URL":      &c.Connectivity.ProbeURL,
		"SERVER_ADDR":    &c.Server.Addr,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Redis.DB = db
	}
	for name, dst := range map[string]*bool{
		"LOG_PRETTY":     &c.Logging.Pretty,
		"WARMUP_ENABLED": &c.Warmup.Enabled,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Logging),
		validation.Field(&c.Backend),
		validation.Field(&c.Cache),
		validation.Field(&c.Records),
		validation.Field(&c.Connectivity),
		validation.Field(&c.Warmup),
		validation.Field(&c.Server),
	)
	if err != nil {
		return err
	}

	switch c.Cache.Store {
	case StoreRedis:
		return validation.Errors{"redis": c.Redis.Validate()}.Filter()
	case StoreS3:
		return validation.Errors{"s3": c.S3.Validate()}.Filter()
	}
	return nil
}

// Validate checks the logging section.
func (l Logging) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "warning", "error")),
	)
}

// Validate checks the backend section.
func (b Backend) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.BaseURL, validation.Required, validation.By(httpURL)),
		validation.Field(&b.Timeout, validation.Required, validation.Min(Duration(time.Millisecond))),
	)
}

// Validate checks the cache section.
func (c Cache) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Store, validation.Required, validation.In(StoreRedis, StoreS3, StoreMemory)),
		validation.Field(&c.Namespace, validation.Required, validation.By(ownNamespace)),
	)
}

// ownNamespace rejects cache namespaces that would cover the lock or status
// keys, since ClearAll deletes everything under the namespace.
func ownNamespace(value any) error {
	ns, _ := value.(string)
	for _, key := range []string{lock.KeySweep, connectivity.RedisKeyStatus} {
		if ns != "" && strings.HasPrefix(key, ns) {
			return fmt.Errorf("must not be a prefix of %s", key)
		}
	}
	return nil
}

// Validate checks the redis section.
func (r Redis) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Addr, validation.Required),
		validation.Field(&r.DB, validation.Min(0), validation.Max(15)),
	)
}

// Validate checks the s3 section.
func (s S3) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Bucket, validation.Required),
		validation.Field(&s.Region, validation.Required),
		validation.Field(&s.Endpoint, validation.By(httpURL)),
	)
}

// Validate checks the records section.
func (r Records) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Driver, validation.Required, validation.In(records.DriverSQLite, records.DriverPostgres)),
		validation.Field(&r.DSN, validation.Required),
		validation.Field(&r.StaleAfter, validation.Required),
		validation.Field(&r.SweepAfter, validation.Required, validation.Min(r.StaleAfter)),
	)
}

// Validate checks the connectivity section.
func (c Connectivity) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProbeURL, validation.By(httpURL)),
		validation.Field(&c.Interval, validation.Required, validation.Min(Duration(100*time.Millisecond))),
		validation.Field(&c.ProbeTimeout, validation.Required),
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
	)
}

// Validate checks the warmup section.
func (w Warmup) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.MaxConcurrency, validation.When(w.Enabled, validation.Required, validation.Min(1))),
		validation.Field(&w.Timeout, validation.When(w.Enabled, validation.Required)),
	)
}

// Validate checks the server section.
func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Addr, validation.Required),
	)
}

// httpURL accepts empty strings and absolute http(s) URLs.
func httpURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

// LoggerConfig returns the logging configuration.
func (c Config) LoggerConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Logging.Level)
	lc.Pretty = c.Logging.Pretty
	return lc
}

// ClientConfig returns the backend client configuration.
func (c Config) ClientConfig() client.Config {
	cc := client.DefaultConfig(c.Backend.BaseURL)
	if c.Backend.UserAgent != "" {
		cc.UserAgent = c.Backend.UserAgent
	}
	cc.Timeout = c.Backend.Timeout.Std()
	return cc
}

// Policy returns the default cache policy with the configured TTLs.
func (c Config) Policy() cache.Policy {
	p := cache.DefaultPolicy()
	for category, ttl := range c.Cache.TTLs {
		p = p.WithTTL(category, ttl.Std())
	}
	return p
}

// MemoryConfig returns the backup store configuration.
func (c Config) MemoryConfig() store.MemoryConfig {
	mc := store.DefaultMemoryConfig()
	mc.Capacity = c.Backup.Capacity
	mc.SessionTTL = c.Backup.SessionTTL.Std()
	return mc
}

// RecordsConfig returns the record store configuration.
func (c Config) RecordsConfig() records.Config {
	return records.Config{
		Driver:        c.Records.Driver,
		DSN:           c.Records.DSN,
		StaleAfter:    c.Records.StaleAfter.Std(),
		SweepAfter:    c.Records.SweepAfter.Std(),
		SweepInterval: c.Records.SweepInterval.Std(),
	}
}

// WarmupConfig returns the warmer configuration.
func (c Config) WarmupConfig() warmup.Config {
	return warmup.Config{
		MaxConcurrency: c.Warmup.MaxConcurrency,
		Timeout:        c.Warmup.Timeout.Std(),
	}
}

// ProbeURL returns the connectivity probe target.
func (c Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return strings.TrimRight(c.Backend.BaseURL, "/") + "/health"
}
