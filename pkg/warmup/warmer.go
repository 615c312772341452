// Package warmup prefetches storefront data in parallel so the cache is
// populated before consumers ask for it.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/storefront-cache/pkg/connectivity"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// ErrOffline is returned by Run when the backend is not reachable.
var ErrOffline = errors.New("warmup skipped: offline")

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_warmup_jobs_total",
		Help: "Total warmup jobs by result",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefront_warmup_duration_seconds",
		Help:    "Duration of a warmup run",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the maximum number of jobs running at once.
	MaxConcurrency int

	// Timeout bounds a single job.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Job refreshes one piece of cached data.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Report summarizes a warmup run.
type Report struct {
	Succeeded []string
	Failed    map[string]error
	Duration  time.Duration
}

// Err joins the job failures, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, r.Failed[name]))
	}
	return errors.Join(errs...)
}

// StatusSource reports connectivity.
type StatusSource interface {
	Status() connectivity.Status
}

// Warmer runs jobs with bounded parallelism.
type Warmer struct {
	status StatusSource
	config Config
	logger zerolog.Logger
}

// New creates a warmer. status may be nil to always run.
func New(status StatusSource, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Warmer{
		status: status,
		config: config,
		logger: logging.NewLogger("warmup"),
	}
}

// SetLogger replaces the logger.
func (w *Warmer) SetLogger(l zerolog.Logger) {
	w.logger = l
}

// Run executes jobs in parallel. A failing job does not stop the others;
// failures are collected in the report. Run returns ErrOffline without
// running anything when the backend is unreachable.
func (w *Warmer) Run(ctx context.Context, jobs []Job) (Report, error) {
	if w.status != nil && !w.status.Status().CanFetch() {
		w.logger.Debug().Int("jobs", len(jobs)).Msg("Skipping warmup while offline")
		return Report{}, ErrOffline
	}

	start := time.Now()
	report := Report{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.config.MaxConcurrency)

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			jobCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
			err := job.Run(jobCtx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				jobsTotal.WithLabelValues("failed").Inc()
				report.Failed[job.Name] = err
				w.logger.Warn().Err(err).Str("job", job.Name).Msg("Warmup job failed")
				return nil
			}
			jobsTotal.WithLabelValues("succeeded").Inc()
			report.Succeeded = append(report.Succeeded, job.Name)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Succeeded)
	report.Duration = time.Since(start)
	runDuration.Observe(report.Duration.Seconds())

	w.logger.Info().
		Int("succeeded", len(report.Succeeded)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Warmup complete")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// Watch runs a warmup every interval and whenever connectivity comes back
// online, until ctx is done. jobs is called before every run so the job list
// can follow cached data. A zero interval only warms on transitions.
func (w *Warmer) Watch(ctx context.Context, updates <-chan connectivity.Status, interval time.Duration, jobs func(context.Context) []Job) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	run := func(reason string) {
		w.logger.Debug().Str("reason", reason).Msg("Starting warmup")
		if _, err := w.Run(ctx, jobs(ctx)); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Warmup run failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if st.CanFetch() {
				run("online")
			}
		case <-tick:
			run("interval")
		}
	}
}
