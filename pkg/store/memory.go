package store

import (
	"context"
	"strings"
	"time"

	"github.com/viccon/sturdyc"
)

// MemoryConfig sizes an in-process store.
type MemoryConfig struct {
	Capacity           int
	NumShards          int
	SessionTTL         time.Duration
	EvictionPercentage int
}

// DefaultMemoryConfig returns the defaults used for the session-scoped backup store.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Capacity:           4096,
		NumShards:          16,
		SessionTTL:         12 * time.Hour,
		EvictionPercentage: 10,
	}
}

// MemoryStore is a process-local Store. Its contents live for at most
// SessionTTL and vanish with the process, which makes it the session-scoped
// backup that survives a logout clear of the durable store.
type MemoryStore struct {
	client *sturdyc.Client[[]byte]
}

// NewMemoryStore creates an in-memory store. Zero fields fall back to defaults.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	def := DefaultMemoryConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = def.NumShards
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.EvictionPercentage < 1 || cfg.EvictionPercentage > 100 {
		cfg.EvictionPercentage = def.EvictionPercentage
	}
	return &MemoryStore{
		client: sturdyc.New[[]byte](cfg.Capacity, cfg.NumShards, cfg.SessionTTL, cfg.EvictionPercentage),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.client.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.client.Set(key, v)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.client.Delete(k)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, k := range s.client.ScanKeys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	return s.client.Size()
}
