package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/client"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/records"
	"github.com/Sternrassler/storefront-cache/pkg/refresh"
	"github.com/Sternrassler/storefront-cache/pkg/store"
	"github.com/Sternrassler/storefront-cache/pkg/storefront"
)

// app holds the wired components.
type app struct {
	cfg      config.Config
	redis    *redis.Client
	cache    *cache.Manager
	records  *records.Store
	client   *client.Client
	detector *connectivity.Detector
	loader   *refresh.Loader
	service  *storefront.Service
	logger   zerolog.Logger
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logging.NewLogger("storefront-cache")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.Redis.Addr != "" {
		a.redis = store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if perr := a.redis.Ping(ctx).Err(); perr != nil {
			if cfg.Cache.Store == config.StoreRedis {
				return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, perr)
			}
			a.logger.Warn().Err(perr).Msg("Redis unavailable, running without sweep lock and status recorder")
			a.redis.Close()
			a.redis = nil
		}
	}

	durable, err := newDurableStore(ctx, cfg, a.redis)
	if err != nil {
		return nil, err
	}
	a.cache = cache.NewManager(durable,
		cache.WithBackup(store.NewMemoryStore(cfg.MemoryConfig())),
		cache.WithNamespace(cfg.Cache.Namespace),
		cache.WithPolicy(cfg.Policy()),
	)

	if a.records, err = records.Open(cfg.RecordsConfig()); err != nil {
		return nil, err
	}
	if err = a.records.Init(ctx); err != nil {
		return nil, err
	}

	if a.client, err = client.New(cfg.ClientConfig()); err != nil {
		return nil, err
	}

	detectorOpts := []connectivity.Option{
		connectivity.WithInterval(cfg.Connectivity.Interval.Std()),
		connectivity.WithProbeTimeout(cfg.Connectivity.ProbeTimeout.Std()),
		connectivity.WithFailureThreshold(cfg.Connectivity.FailureThreshold),
	}
	if a.redis != nil {
		detectorOpts = append(detectorOpts,
			connectivity.WithRecorder(connectivity.NewRedisRecorder(a.redis, cfg.Redis.StatusTTL.Std())))
	}
	a.detector = connectivity.NewDetector(&connectivity.HTTPProbe{URL: cfg.ProbeURL()}, detectorOpts...)

	a.loader = refresh.NewLoader(a.cache, a.detector,
		refresh.WithRecords(a.records),
		refresh.WithInitTimeout(cfg.Connectivity.InitTimeout.Std()),
	)
	a.service = storefront.NewService(a.client, a.loader, storefront.WithEndpoints(cfg.Backend.Endpoints))
	return a, nil
}

// newDurableStore builds the configured durable store.
func newDurableStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Cache.Store {
	case config.StoreRedis:
		return store.NewRedisStore(rdb), nil
	case config.StoreS3:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
		if cfg.S3.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.S3.UsePathStyle
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			}
		})
		return store.NewS3Store(cfg.S3.Bucket, s3Client), nil
	case config.StoreMemory:
		return store.NewMemoryStore(cfg.MemoryConfig()), nil
	default:
		return nil, fmt.Errorf("unknown cache store %q", cfg.Cache.Store)
	}
}

func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.records != nil {
		a.records.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
