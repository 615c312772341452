//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/storefront-cache/internal/testutil"
	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/client"
	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/lock"
	"github.com/Sternrassler/storefront-cache/pkg/refresh"
	"github.com/Sternrassler/storefront-cache/pkg/store"
	"github.com/Sternrassler/storefront-cache/pkg/storefront"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

type stack struct {
	manager  *cache.Manager
	detector *connectivity.Detector
	service  *storefront.Service
}

// newStack wires a service over Redis and the mock backend with a running detector.
func newStack(t *testing.T, rdb *redis.Client, mock *testutil.MockBackend) *stack {
	t.Helper()

	manager := cache.NewManager(store.NewRedisStore(rdb),
		cache.WithBackup(store.NewMemoryStore(store.DefaultMemoryConfig())),
		cache.WithLogger(zerolog.Nop()),
	)

	cfg := client.DefaultConfig(mock.URL())
	cfg.RetryPolicy = func(client.ErrorClass) client.RetryConfig { return client.RetryConfig{MaxAttempts: 1} }
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	c.SetLogger(zerolog.Nop())
	t.Cleanup(func() { c.Close() })

	detector := connectivity.NewDetector(
		&connectivity.HTTPProbe{URL: mock.URL() + "/health"},
		connectivity.WithInterval(20*time.Millisecond),
		connectivity.WithRecorder(connectivity.NewRedisRecorder(rdb, time.Minute)),
		connectivity.WithLogger(zerolog.Nop()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		detector.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	loader := refresh.NewLoader(manager, detector, refresh.WithLogger(zerolog.Nop()))
	return &stack{
		manager:  manager,
		detector: detector,
		service:  storefront.NewService(c, loader, storefront.WithLogger(zerolog.Nop())),
	}
}

func waitForStatus(t *testing.T, d *connectivity.Detector, online bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := d.Status(); st.IsInitialized && st.IsOnline == online {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("detector did not report online=%v", online)
}

// TestFullRequestFlow covers fetch, durable write, loss of the backend and
// the offline read from Redis.
func TestFullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockBackend()
	defer mock.Close()
	mock.SetData("/categories", []storefront.Category{{ID: "1", Name: "Websites", Slug: "websites"}})

	s := newStack(t, redisClient, mock)
	ctx := context.Background()
	waitForStatus(t, s.detector, true)

	v, err := s.service.Categories(ctx, nil)
	if err != nil {
		t.Fatalf("Categories() error = %v", err)
	}
	if v.Stage != refresh.StageVerified || len(v.Value) != 1 {
		t.Fatalf("Categories() online = %+v", v)
	}

	exists, err := redisClient.Exists(ctx, cache.DefaultNamespace+cache.CategoryCategories).Result()
	if err != nil || exists != 1 {
		t.Fatalf("categories not stored in Redis (exists=%d, err=%v)", exists, err)
	}

	mock.SetDown(true)
	waitForStatus(t, s.detector, false)
	before := mock.GetPathCount("/categories")

	v, err = s.service.Categories(ctx, nil)
	if err != nil {
		t.Fatalf("Categories() offline error = %v", err)
	}
	if v.Stage != refresh.StageCached || v.Value[0].Slug != "websites" {
		t.Errorf("Categories() offline = %+v, want cached value", v)
	}
	if got := mock.GetPathCount("/categories"); got != before {
		t.Errorf("backend called while offline")
	}

	recorded, err := connectivity.LoadRecorded(ctx, redisClient)
	if err != nil {
		t.Fatalf("LoadRecorded() error = %v", err)
	}
	if recorded.IsOnline {
		t.Errorf("recorded status = %v, want offline", recorded)
	}
}

// TestCacheSurvivesRestart reads data written by one manager from a fresh one.
func TestCacheSurvivesRestart(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	first := cache.NewManager(store.NewRedisStore(redisClient), cache.WithLogger(zerolog.Nop()))
	key := cache.Key{Category: cache.CategoryProducts, ID: "websites"}
	if err := first.Set(ctx, key, []storefront.Product{{ID: "p-1", Price: 99}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second := cache.NewManager(store.NewRedisStore(redisClient), cache.WithLogger(zerolog.Nop()))
	products, err := cache.Load[[]storefront.Product](ctx, second, key)
	if err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	if len(products) != 1 || products[0].Price != 99 {
		t.Errorf("Load() after restart = %+v", products)
	}
}

// TestClearAllKeepsGuestSlides checks the preserved and re-seeded categories in Redis.
func TestClearAllKeepsGuestSlides(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	m := cache.NewManager(store.NewRedisStore(redisClient),
		cache.WithBackup(store.NewMemoryStore(store.DefaultMemoryConfig())),
		cache.WithLogger(zerolog.Nop()),
	)
	seed := map[cache.Key]any{
		{Category: cache.CategoryGuestSlides}:              []storefront.Slide{{ID: "s1"}},
		{Category: cache.CategoryCategories}:               []storefront.Category{{Slug: "websites"}},
		{Category: cache.CategoryBanners}:                  []storefront.Banner{{ID: "b1"}},
		{Category: cache.CategoryUserProfile}:              storefront.Profile{ID: "u-1"},
		{Category: cache.CategoryOrders, ID: "u-1"}:        []storefront.Order{{ID: "o-1"}},
		{Category: cache.CategoryProducts, ID: "websites"}: []storefront.Product{{ID: "p-1"}},
	}
	for k, v := range seed {
		if err := m.Set(ctx, k, v); err != nil {
			t.Fatalf("Set(%s) error = %v", k, err)
		}
	}

	if err := m.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	keys, err := m.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	got := map[string]bool{}
	for _, k := range keys {
		got[k.String()] = true
	}
	if !got[cache.CategoryGuestSlides] || !got[cache.CategoryCategories] {
		t.Errorf("Keys() after ClearAll = %v, want guest slides and categories", keys)
	}
	if got[cache.CategoryUserProfile] || got["userOrders_u-1"] || got["productsData_websites"] {
		t.Errorf("Keys() after ClearAll = %v, want user and product data removed", keys)
	}

	// Banners are mirrored and come back from the backup on read.
	if _, err := m.Get(ctx, cache.Key{Category: cache.CategoryBanners}); err != nil {
		t.Errorf("Get(banners) after ClearAll = %v, want backup restore", err)
	}
}

// TestSweepLockExclusive checks that only one holder runs the sweep.
func TestSweepLockExclusive(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	ctx := context.Background()

	held, ok, err := lock.TryLock(ctx, redisClient, lock.KeySweep, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryLock() = (%v, %v)", ok, err)
	}

	ran, err := lock.Do(ctx, redisClient, lock.KeySweep, time.Minute, func(context.Context) error {
		return errors.New("must not run")
	})
	if err != nil || ran {
		t.Errorf("Do() while held = (%v, %v), want skipped", ran, err)
	}

	if err := held.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	ran, err = lock.Do(ctx, redisClient, lock.KeySweep, time.Minute, func(context.Context) error { return nil })
	if err != nil || !ran {
		t.Errorf("Do() after unlock = (%v, %v), want run", ran, err)
	}
}
