package refresh

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// flight coalesces concurrent calls for the same key into one execution.
type flight[T any] struct {
	group singleflight.Group
}

func newFlight[T any]() *flight[T] {
	return &flight[T]{}
}

// do runs fn unless a call for key is already running, in which case it
// waits for that call's result. shared reports whether the result was
// delivered to more than one caller. A caller whose ctx ends stops waiting.
func (f *flight[T]) do(ctx context.Context, key string, fn func() (T, error)) (T, bool, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case res := <-ch:
		val, _ := res.Val.(T)
		return val, res.Shared, res.Err
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}
