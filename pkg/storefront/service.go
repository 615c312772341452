// Package storefront is the data access layer used by storefront consumers.
// Every read follows the same flow: render the cached value immediately,
// then, if the backend is reachable, fetch, overwrite the cache and render
// again. Consumers receive each stage through an emit callback.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/client"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/records"
	"github.com/Sternrassler/storefront-cache/pkg/refresh"
	"github.com/Sternrassler/storefront-cache/pkg/warmup"
)

// View is a decoded snapshot.
type View[T any] struct {
	Value     T
	Stage     refresh.Stage
	WrittenAt time.Time
}

// Service reads storefront data through the cache.
type Service struct {
	client    *client.Client
	loader    *refresh.Loader
	endpoints Endpoints
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEndpoints overrides the backend routes.
func WithEndpoints(e Endpoints) Option {
	return func(s *Service) { s.endpoints = e }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service.
func NewService(c *client.Client, l *refresh.Loader, opts ...Option) *Service {
	if c == nil || l == nil {
		panic("storefront: client and loader are required")
	}
	s := &Service{
		client:    c,
		loader:    l,
		endpoints: DefaultEndpoints(),
		logger:    logging.NewLogger("storefront"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Categories returns the category list.
func (s *Service) Categories(ctx context.Context, emit func(View[[]Category])) (View[[]Category], error) {
	return load(ctx, s, cache.Key{Category: cache.CategoryCategories}, s.endpoints.Categories, emit)
}

// Products returns the products of one category.
func (s *Service) Products(ctx context.Context, categorySlug string, emit func(View[[]Product])) (View[[]Product], error) {
	if categorySlug == "" {
		return View[[]Product]{}, fmt.Errorf("category slug is required")
	}
	key := cache.Key{Category: cache.CategoryProducts, ID: categorySlug}
	return load(ctx, s, key, expand(s.endpoints.Products, "slug", categorySlug), emit)
}

// Banners returns the promotional banners.
func (s *Service) Banners(ctx context.Context, emit func(View[[]Banner])) (View[[]Banner], error) {
	return load(ctx, s, cache.Key{Category: cache.CategoryBanners}, s.endpoints.Banners, emit)
}

// GuestSlides returns the guest promotional slides. They survive Logout.
func (s *Service) GuestSlides(ctx context.Context, emit func(View[[]Slide])) (View[[]Slide], error) {
	return load(ctx, s, cache.Key{Category: cache.CategoryGuestSlides}, s.endpoints.GuestSlides, emit)
}

// Orders returns the orders of a user.
func (s *Service) Orders(ctx context.Context, userID string, emit func(View[[]Order])) (View[[]Order], error) {
	if userID == "" {
		return View[[]Order]{}, fmt.Errorf("user id is required")
	}
	key := cache.Key{Category: cache.CategoryOrders, ID: userID}
	return load(ctx, s, key, expand(s.endpoints.Orders, "user", userID), emit)
}

// Profile returns the signed-in user's profile.
func (s *Service) Profile(ctx context.Context, emit func(View[Profile])) (View[Profile], error) {
	return load(ctx, s, cache.Key{Category: cache.CategoryUserProfile}, s.endpoints.Profile, emit)
}

// WalletBalance returns the wallet. It never fails: without cached or
// fetched data the balance is zero.
func (s *Service) WalletBalance(ctx context.Context, emit func(View[Wallet])) View[Wallet] {
	v, err := load(ctx, s, cache.Key{Category: cache.CategoryWalletBalance}, s.endpoints.Wallet, emit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Wallet balance unavailable, showing zero")
		return View[Wallet]{}
	}
	return v
}

// ProductDetail returns one product record from the per-record cache,
// refetching it when stale.
func (s *Service) ProductDetail(ctx context.Context, id, category string, emit func(refresh.RecordSnapshot)) (*records.ProductRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("product id is required")
	}
	fetch := func(ctx context.Context, id string) (json.RawMessage, error) {
		resp, err := s.client.Get(ctx, expand(s.endpoints.ProductDetail, "id", id))
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	}
	return s.loader.LoadRecord(ctx, id, category, fetch, emit)
}

// Logout clears the user-scoped cache and the session cookies. The backend
// is notified when reachable; guest slides are kept.
func (s *Service) Logout(ctx context.Context) error {
	if s.loader.Online() && s.endpoints.Logout != "" {
		if _, err := s.client.Post(ctx, s.endpoints.Logout, nil); err != nil {
			s.logger.Warn().Err(err).Msg("Backend logout failed")
		}
	}
	s.client.ClearCookies()
	if err := s.loader.Cache().ClearUserScoped(ctx); err != nil {
		return fmt.Errorf("clear user data: %w", err)
	}
	return nil
}

// Reset clears the whole cache except preserved categories and drops the
// session cookies.
func (s *Service) Reset(ctx context.Context) error {
	s.client.ClearCookies()
	if err := s.loader.Cache().ClearAll(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

// WarmJobs returns the jobs that refresh the guest-visible data: categories,
// banners, guest slides and the products of every cached category.
func (s *Service) WarmJobs(ctx context.Context) []warmup.Job {
	jobs := []warmup.Job{
		{Name: "categories", Run: func(ctx context.Context) error {
			_, err := s.Categories(ctx, nil)
			return err
		}},
		{Name: "banners", Run: func(ctx context.Context) error {
			_, err := s.Banners(ctx, nil)
			return err
		}},
		{Name: "guest-slides", Run: func(ctx context.Context) error {
			_, err := s.GuestSlides(ctx, nil)
			return err
		}},
	}

	categories, err := cache.Load[[]Category](ctx, s.loader.Cache(), cache.Key{Category: cache.CategoryCategories})
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn().Err(err).Msg("Failed to read cached categories for warmup")
		}
		return jobs
	}
	for _, c := range categories {
		if c.Slug == "" {
			continue
		}
		jobs = append(jobs, warmup.Job{Name: "products:" + c.Slug, Run: func(ctx context.Context) error {
			_, err := s.Products(ctx, c.Slug, nil)
			return err
		}})
	}
	return jobs
}

func (s *Service) fetcher(path string) refresh.FetchFunc {
	return func(ctx context.Context, cached *cache.Entry) (refresh.Result, error) {
		resp, err := s.client.Get(ctx, path, func(r *http.Request) {
			cache.AddConditionalHeaders(r, cached)
		})
		if err != nil {
			return refresh.Result{}, err
		}
		data := resp.Data
		if len(data) == 0 && !resp.NotModified {
			data = json.RawMessage("null")
		}
		return refresh.Result{Data: data, ETag: resp.ETag, NotModified: resp.NotModified}, nil
	}
}

// load runs a two-stage load of key and decodes every snapshot into T.
// Snapshots that do not decode are skipped; an undecodable verified value is
// also removed from the cache.
func load[T any](ctx context.Context, s *Service, key cache.Key, path string, emit func(View[T])) (View[T], error) {
	var (
		last    View[T]
		decoded bool
	)
	_, err := s.loader.Load(ctx, key, s.fetcher(path), func(snap refresh.Snapshot) {
		var v T
		if err := snap.Decode(&v); err != nil {
			s.logger.Warn().
				Err(err).
				Str("key", key.String()).
				Str("stage", snap.Stage.String()).
				Msg("Skipping undecodable snapshot")
			if snap.Stage == refresh.StageVerified {
				if derr := s.loader.Cache().Delete(ctx, key); derr != nil {
					s.logger.Warn().Err(derr).Str("key", key.String()).Msg("Failed to drop undecodable entry")
				}
			}
			return
		}
		last = View[T]{Value: v, Stage: snap.Stage, WrittenAt: snap.WrittenAt}
		decoded = true
		if emit != nil {
			emit(last)
		}
	})
	if err != nil {
		return View[T]{}, err
	}
	if !decoded {
		return View[T]{}, fmt.Errorf("decode %s: %w", key, cache.ErrInvalidEntry)
	}
	return last, nil
}
