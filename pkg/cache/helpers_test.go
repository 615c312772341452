package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/storefront-cache/pkg/store"
	"github.com/rs/zerolog"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	manager *Manager
	durable *store.MemoryStore
	backup  *store.MemoryStore
	clock   *fakeClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		durable: store.NewMemoryStore(store.DefaultMemoryConfig()),
		backup:  store.NewMemoryStore(store.DefaultMemoryConfig()),
		clock:   newFakeClock(),
	}
	base := []Option{
		WithBackup(env.backup),
		WithClock(env.clock.Now),
		WithLogger(zerolog.Nop()),
	}
	env.manager = NewManager(env.durable, append(base, opts...)...)
	return env
}

// has reports whether the physical key exists in s.
func has(t *testing.T, s store.Store, physical string) bool {
	t.Helper()
	_, err := s.Get(context.Background(), physical)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("store get %s: %v", physical, err)
	}
	return err == nil
}

// failingStore fails every operation.
type failingStore struct {
	err error
}

func (f failingStore) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Set(context.Context, string, []byte) error { return f.err }
func (f failingStore) Delete(context.Context, ...string) error { return f.err }
func (f failingStore) Keys(context.Context, string) ([]string, error) { return nil, f.err }
