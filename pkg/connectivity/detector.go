package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/pkg/logging"
)

// Prometheus metrics for connectivity tracking.
var (
	storefrontOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_online",
		Help: "1 if the storefront backend is reachable, 0 otherwise",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_connectivity_transitions_total",
		Help: "Total number of connectivity transitions by target state",
	}, []string{"to"})

	probeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_connectivity_probe_failures_total",
		Help: "Total number of failed connectivity probes",
	})
)

// Probe checks backend reachability. A nil error means online.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues a GET against a health endpoint. Any response below 500
// counts as reachable.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// Probe implements Probe.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// Recorder persists status transitions, e.g. RedisRecorder.
type Recorder interface {
	Record(ctx context.Context, st Status) error
}

// Detector probes the backend periodically and publishes transitions.
type Detector struct {
	probe     Probe
	interval  time.Duration
	timeout   time.Duration
	threshold int
	recorder  Recorder
	now       func() time.Time
	logger    zerolog.Logger

	mu       sync.RWMutex
	status   Status
	failures int

	subs    *xsync.MapOf[int64, chan Status]
	nextSub atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Detector.
type Option func(*Detector)

// WithInterval sets the probe interval.
func WithInterval(d time.Duration) Option {
	return func(det *Detector) { det.interval = d }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(det *Detector) { det.timeout = d }
}

// WithFailureThreshold sets how many consecutive failed probes switch an
// online detector to offline.
func WithFailureThreshold(n int) Option {
	return func(det *Detector) { det.threshold = n }
}

// WithRecorder persists every transition.
func WithRecorder(r Recorder) Option {
	return func(det *Detector) { det.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) { det.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(det *Detector) { det.logger = l }
}

// NewDetector creates a detector. It reports uninitialized until Run has
// completed its first probe.
func NewDetector(probe Probe, opts ...Option) *Detector {
	if probe == nil {
		panic("connectivity: probe cannot be nil")
	}
	d := &Detector{
		probe:     probe,
		interval:  DefaultInterval,
		timeout:   DefaultProbeTimeout,
		threshold: DefaultFailureThreshold,
		now:       time.Now,
		logger:    logging.NewLogger("connectivity"),
		subs:      xsync.NewMapOf[int64, chan Status](),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.threshold < 1 {
		d.threshold = 1
	}
	return d
}

// Run probes immediately and then on every interval until ctx is done.
// It returns ctx.Err().
func (d *Detector) Run(ctx context.Context) error {
	d.check(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

// Status returns the current state.
func (d *Detector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Subscribe returns a channel receiving every transition and a cancel
// function. Slow subscribers only see the latest transition.
func (d *Detector) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	id := d.nextSub.Add(1)
	d.subs.Store(id, ch)

	return ch, func() { d.subs.Delete(id) }
}

// WaitInitialized blocks until the first probe has finished or ctx is done.
func (d *Detector) WaitInitialized(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.probe.Probe(probeCtx)
	cancel()

	// A probe cut short by shutdown is no result; keep the last state.
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		probeFailuresTotal.Inc()
		d.logger.Debug().Err(err).Msg("Connectivity probe failed")
	}

	d.mu.Lock()
	prev := d.status
	next := prev
	next.IsInitialized = true
	if err == nil {
		d.failures = 0
		next.IsOnline = true
	} else {
		d.failures++
		if !prev.IsInitialized || d.failures >= d.threshold {
			next.IsOnline = false
		}
	}
	changed := next.IsOnline != prev.IsOnline || next.IsInitialized != prev.IsInitialized
	if changed {
		next.ChangedAt = d.now()
		d.status = next
		d.publish(next)
	}
	d.mu.Unlock()

	d.readyOnce.Do(func() { close(d.ready) })
	if !changed {
		return
	}

	if next.IsOnline {
		storefrontOnline.Set(1)
	} else {
		storefrontOnline.Set(0)
	}
	transitionsTotal.WithLabelValues(next.String()).Inc()
	d.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Connectivity changed")

	if d.recorder != nil {
		if err := d.recorder.Record(ctx, next); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to record connectivity status")
		}
	}
}

// publish must be called with d.mu held.
func (d *Detector) publish(st Status) {
	d.subs.Range(func(_ int64, ch chan Status) bool {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
		return true
	})
}
