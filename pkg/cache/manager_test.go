package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/lock"
)

type slide struct {
	Title string `json:"title"`
	Image string `json:"image"`
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil durable store")
		}
	}()
	NewManager(nil)
}

func TestManager_TTLBoundaries(t *testing.T) {
	tests := []struct {
		category string
		ttl      time.Duration
	}{
		{CategoryProducts, 30 * time.Minute},
		{CategoryBanners, 60 * time.Minute},
		{CategoryCategories, 24 * time.Hour},
		{CategoryGuestSlides, 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			key := Key{Category: tt.category, ID: "standard_websites"}

			if got := env.manager.Policy().TTL(tt.category); got != tt.ttl {
				t.Fatalf("TTL(%s) = %v, want %v", tt.category, got, tt.ttl)
			}

			if err := env.manager.Set(ctx, key, []string{"a"}); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			env.clock.Advance(tt.ttl - time.Millisecond)
			if _, err := env.manager.Get(ctx, key); err != nil {
				t.Fatalf("Get just before TTL failed: %v", err)
			}

			if err := env.manager.Set(ctx, key, []string{"b"}); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			env.clock.Advance(tt.ttl + time.Millisecond)
			if _, err := env.manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
				t.Fatalf("Get after TTL error = %v, want ErrCacheMiss", err)
			}
			if has(t, env.durable, DefaultNamespace+key.String()) {
				t.Error("expired entry should be deleted from the durable store")
			}
			if has(t, env.backup, DefaultNamespace+key.String()) {
				t.Error("expired entry should be deleted from the backup store")
			}
		})
	}
}

func TestManager_NoTTLCategoryNeverExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryOrders, ID: "42"}

	if err := env.manager.Set(ctx, key, []int{1, 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	env.clock.Advance(30 * 24 * time.Hour)

	got, err := Load[[]int](ctx, env.manager, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Load = %v, want [1 2]", got)
	}
}

func TestManager_SetIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryProducts, ID: "seo"}

	if err := env.manager.Set(ctx, key, map[string]int{"price": 10}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	first, err := env.manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	env.clock.Advance(time.Minute)
	if err := env.manager.Set(ctx, key, map[string]int{"price": 10}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	second, err := env.manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if string(first.Data) != string(second.Data) {
		t.Errorf("payload changed: %s vs %s", first.Data, second.Data)
	}
	if second.Timestamp <= first.Timestamp {
		t.Errorf("timestamp not updated: %d <= %d", second.Timestamp, first.Timestamp)
	}
}

func TestManager_MalformedJSONIsAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryProducts, ID: "broken"}
	pk := DefaultNamespace + key.String()

	if err := env.durable.Set(ctx, pk, []byte(`{"data": [1, 2`)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := env.manager.Get(ctx, key)
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get error = %v, want ErrCacheMiss", err)
	}
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Get error = %v, want ErrInvalidEntry as well", err)
	}
	if has(t, env.durable, pk) {
		t.Error("corrupted entry should be deleted")
	}
}

func TestManager_SchemaMismatchIsAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryCategories}

	if err := env.manager.Set(ctx, key, []string{"web"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	next := NewManager(env.durable, WithSchemaVersion(SchemaVersion+1), WithClock(env.clock.Now))
	_, err := next.Get(ctx, key)
	if !errors.Is(err, ErrCacheMiss) || !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Get error = %v, want ErrCacheMiss and ErrSchemaMismatch", err)
	}
	if has(t, env.durable, DefaultNamespace+key.String()) {
		t.Error("mismatched entry should be deleted")
	}
}

func TestManager_BackupOnlyOnDurableMiss(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryBanners}
	pk := DefaultNamespace + key.String()

	if err := env.manager.Set(ctx, key, []string{"durable"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !has(t, env.backup, pk) {
		t.Fatal("mirrored category should be written to the backup store")
	}

	// Diverge the backup so the source of a read is observable.
	other := NewManager(env.backup, WithClock(env.clock.Now))
	if err := other.Set(ctx, key, []string{"backup"}); err != nil {
		t.Fatalf("seed backup failed: %v", err)
	}

	got, err := Load[[]string](ctx, env.manager, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got[0] != "durable" {
		t.Errorf("Load = %v, want durable value while durable is populated", got)
	}

	if err := env.durable.Delete(ctx, pk); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = Load[[]string](ctx, env.manager, key)
	if err != nil {
		t.Fatalf("Load after durable delete failed: %v", err)
	}
	if got[0] != "backup" {
		t.Errorf("Load = %v, want backup value", got)
	}
	if !has(t, env.durable, pk) {
		t.Error("backup hit should be restored to the durable store")
	}
}

func TestManager_NonMirroredCategoryIgnoresBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryProducts, ID: "x"}

	if err := env.manager.Set(ctx, key, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if has(t, env.backup, DefaultNamespace+key.String()) {
		t.Error("non-mirrored category should not be written to the backup store")
	}
}

func TestManager_DurableFailureIsNotAMiss(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewManager(failingStore{err: boom}, WithBackup(newTestEnv(t).backup))

	_, err := m.Get(context.Background(), Key{Category: CategoryBanners})
	if err == nil || errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get error = %v, want store failure", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Get error = %v, want wrapped %v", err, boom)
	}

	if err := m.Set(context.Background(), Key{Category: CategoryBanners}, 1); !errors.Is(err, boom) {
		t.Errorf("Set error = %v, want %v", err, boom)
	}
}

func TestManager_ClearUserScopedKeepsGuestSlides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	slides := []slide{{Title: "Launch offer", Image: "a.png"}, {Title: "SEO bundle", Image: "b.png"}}

	seed := map[Key]any{
		{Category: CategoryGuestSlides}:             slides,
		{Category: CategoryUserProfile}:             map[string]string{"name": "sam"},
		{Category: CategoryWalletBalance}:           120.5,
		{Category: CategoryOrders, ID: "7"}:         []int{1},
		{Category: CategoryOrders, ID: "8"}:         []int{2},
		{Category: CategoryProducts, ID: "website"}: []int{3},
	}
	for k, v := range seed {
		if err := env.manager.Set(ctx, k, v); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	if err := env.manager.ClearUserScoped(ctx); err != nil {
		t.Fatalf("ClearUserScoped failed: %v", err)
	}

	got, err := Load[[]slide](ctx, env.manager, Key{Category: CategoryGuestSlides})
	if err != nil {
		t.Fatalf("guest slides lost: %v", err)
	}
	if len(got) != 2 || got[0] != slides[0] || got[1] != slides[1] {
		t.Errorf("guest slides = %v, want %v", got, slides)
	}

	for _, k := range []Key{
		{Category: CategoryUserProfile},
		{Category: CategoryWalletBalance},
		{Category: CategoryOrders, ID: "7"},
		{Category: CategoryOrders, ID: "8"},
	} {
		if _, err := env.manager.Get(ctx, k); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("%s should be cleared, got err = %v", k, err)
		}
	}

	if _, err := env.manager.Get(ctx, Key{Category: CategoryProducts, ID: "website"}); err != nil {
		t.Errorf("products should survive a user clear: %v", err)
	}
}

func TestManager_ClearReseedsGuestSlidesFromBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryGuestSlides}
	pk := DefaultNamespace + key.String()

	if err := env.manager.Set(ctx, key, []slide{{Title: "promo"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Simulate the durable store losing the slides before logout.
	if err := env.durable.Delete(ctx, pk); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if err := env.manager.ClearUserScoped(ctx); err != nil {
		t.Fatalf("ClearUserScoped failed: %v", err)
	}
	if !has(t, env.durable, pk) {
		t.Error("guest slides should be re-seeded into the durable store")
	}
}

func TestManager_ClearWithoutBackupKeepsGuestSlides(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.durable, WithClock(env.clock.Now))
	ctx := context.Background()

	if err := m.Set(ctx, Key{Category: CategoryGuestSlides}, []slide{{Title: "promo"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := m.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if _, err := m.Get(ctx, Key{Category: CategoryGuestSlides}); err != nil {
		t.Errorf("guest slides lost without backup store: %v", err)
	}
}

func TestManager_ClearAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	keys := []Key{
		{Category: CategoryGuestSlides},
		{Category: CategoryCategories},
		{Category: CategoryBanners},
		{Category: CategoryProducts, ID: "apps"},
		{Category: CategoryCart},
	}
	for _, k := range keys {
		if err := env.manager.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	if err := env.manager.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	for _, k := range []Key{{Category: CategoryGuestSlides}, {Category: CategoryCategories}} {
		if !has(t, env.durable, DefaultNamespace+k.String()) {
			t.Errorf("%s should survive ClearAll", k)
		}
	}
	for _, k := range []Key{{Category: CategoryBanners}, {Category: CategoryProducts, ID: "apps"}, {Category: CategoryCart}} {
		if has(t, env.durable, DefaultNamespace+k.String()) {
			t.Errorf("%s should be removed by ClearAll", k)
		}
	}

	// Banners are mirrored, so the next read heals from the backup store.
	if _, err := env.manager.Get(ctx, Key{Category: CategoryBanners}); err != nil {
		t.Errorf("banners should be restored from backup: %v", err)
	}
	if _, err := env.manager.Get(ctx, Key{Category: CategoryCart}); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("cart should stay cleared, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryBanners}

	if err := env.manager.Set(ctx, key, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := env.manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := env.manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Delete error = %v, want ErrCacheMiss", err)
	}
	if err := env.manager.Delete(ctx); err != nil {
		t.Errorf("Delete with no keys failed: %v", err)
	}
}

func TestManager_Touch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryProducts, ID: "apps"}

	if err := env.manager.SetRaw(ctx, key, []byte(`[1]`), `"v1"`); err != nil {
		t.Fatalf("SetRaw failed: %v", err)
	}
	env.clock.Advance(29 * time.Minute)
	if err := env.manager.Touch(ctx, key, `"v2"`); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	env.clock.Advance(29 * time.Minute)

	entry, err := env.manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after Touch failed: %v", err)
	}
	if entry.ETag != `"v2"` {
		t.Errorf("ETag = %s, want \"v2\"", entry.ETag)
	}
	if string(entry.Data) != `[1]` {
		t.Errorf("Data = %s, want [1]", entry.Data)
	}

	if err := env.manager.Touch(ctx, Key{Category: CategoryProducts, ID: "none"}, ""); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Touch of missing key error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_SetRawRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.SetRaw(context.Background(), Key{Category: CategoryProducts}, []byte(`{`), "")
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("SetRaw error = %v, want ErrInvalidEntry", err)
	}
}

func TestLoad_TypeMismatchIsAbsent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := Key{Category: CategoryWalletBalance}

	if err := Save(ctx, env.manager, key, "not a number"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_, err := Load[float64](ctx, env.manager, key)
	if !errors.Is(err, ErrCacheMiss) || !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Load error = %v, want ErrCacheMiss and ErrInvalidEntry", err)
	}
}

func TestManager_ClearAllLeavesForeignKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	foreign := []string{lock.KeySweep, connectivity.RedisKeyStatus}
	for _, k := range foreign {
		if err := env.durable.Set(ctx, k, []byte("x")); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	if err := env.manager.Set(ctx, Key{Category: CategoryCart}, 1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	keys, err := env.manager.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Category != CategoryCart {
		t.Errorf("Keys = %v, want only %s", keys, CategoryCart)
	}

	if err := env.manager.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if err := env.manager.ClearUserScoped(ctx); err != nil {
		t.Fatalf("ClearUserScoped failed: %v", err)
	}
	for _, k := range foreign {
		if !has(t, env.durable, k) {
			t.Errorf("%s removed by clear", k)
		}
	}
}

func TestManager_Keys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_ = env.manager.Set(ctx, Key{Category: CategoryOrders, ID: "9"}, 1)
	_ = env.manager.Set(ctx, Key{Category: CategoryCategories}, 1)

	keys, err := env.manager.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	found := map[string]bool{}
	for _, k := range keys {
		found[k.String()] = true
	}
	if !found["userOrders_9"] || !found["categoriesData"] || len(keys) != 2 {
		t.Errorf("Keys = %v", keys)
	}
}
