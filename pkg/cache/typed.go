package cache

import (
	"context"
	"fmt"
)

// Load reads key and decodes its payload into T.
func Load[T any](ctx context.Context, m *Manager, key Key) (T, error) {
	var zero T
	entry, err := m.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	var v T
	if err := entry.Decode(&v); err != nil {
		CacheErrors.WithLabelValues("decode").Inc()
		m.drop(ctx, m.durable, m.physical(key), layerDurable)
		return zero, fmt.Errorf("%w: %w: %v", ErrCacheMiss, ErrInvalidEntry, err)
	}
	return v, nil
}

// Save stores v under key.
func Save[T any](ctx context.Context, m *Manager, key Key, v T) error {
	return m.Set(ctx, key, v)
}
