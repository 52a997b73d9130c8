package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request governing.
var (
	governorAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_governor_admitted_total",
		Help: "Total requests admitted by the governor by kind",
	}, []string{"kind"})

	governorWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sdmx_governor_wait_seconds",
		Help:    "Time requests spent waiting for a quota slot by kind",
		Buckets: []float64{0, 1, 3, 5, 15, 60, 300, 900, 3600},
	}, []string{"kind"})

	governorQueriesInWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdmx_governor_queries_in_window",
		Help: "Requests started in the current rolling minute",
	})

	governorDownloadsInWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdmx_governor_downloads_in_window",
		Help: "Downloads started in the current rolling hour",
	})
)

// longWait is the wait above which the governor logs at warn level.
const longWait = 10 * time.Second

// Config holds the governor configuration.
type Config struct {
	// QueriesPerMinute caps requests of any kind per rolling minute.
	// Zero or values above MaxQueriesPerMinute become MaxQueriesPerMinute.
	QueriesPerMinute int

	// DownloadsPerHour caps downloads per rolling hour.
	// Zero or values above MaxDownloadsPerHour become MaxDownloadsPerHour.
	DownloadsPerHour int

	// RequestInterval is the minimum time between two request starts.
	RequestInterval time.Duration

	// Clock defaults to SystemClock.
	Clock Clock

	// Store defaults to a MemoryStateStore.
	Store StateStore
}

// DefaultConfig returns the documented API limits with a 5s spacing.
func DefaultConfig() Config {
	return Config{
		QueriesPerMinute: MaxQueriesPerMinute,
		DownloadsPerHour: MaxDownloadsPerHour,
		RequestInterval:  5 * time.Second,
	}
}

// Snapshot is a point-in-time view of the governor.
type Snapshot struct {
	Limits            Limits
	QueriesInWindow   int
	DownloadsInWindow int
	LastRequest       time.Time
}

// Governor paces outbound requests. Acquire admits one request at a time:
// concurrent callers are serialized, so at most one request is ever being
// admitted and the caller issues it before calling Acquire again. Snapshot
// may be polled from another goroutine while Acquire sleeps.
type Governor struct {
	acquireMu sync.Mutex
	mu        sync.Mutex // guards state

	limits  Limits
	clock   Clock
	store   StateStore
	spacing *rate.Limiter
	state   *State
	logger  zerolog.Logger
}

// NewGovernor creates a governor and restores persisted state from the store.
func NewGovernor(ctx context.Context, cfg Config) (*Governor, error) {
	logger := log.With().Str("component", "rate-governor").Logger()

	if cfg.RequestInterval < 0 {
		return nil, fmt.Errorf("request_interval must be >= 0 (got %s)", cfg.RequestInterval)
	}
	limits := Limits{
		QueriesPerMinute: clampLimit(logger, "queries_per_minute", cfg.QueriesPerMinute, MaxQueriesPerMinute),
		DownloadsPerHour: clampLimit(logger, "downloads_per_hour", cfg.DownloadsPerHour, MaxDownloadsPerHour),
		RequestInterval:  cfg.RequestInterval,
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStateStore()
	}

	spacingLimit := rate.Inf
	if limits.RequestInterval > 0 {
		spacingLimit = rate.Every(limits.RequestInterval)
	}

	g := &Governor{
		limits:  limits,
		clock:   clock,
		store:   store,
		spacing: rate.NewLimiter(spacingLimit, 1),
		state:   &State{},
		logger:  logger,
	}

	state, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load governor state: %w", err)
	}
	if state != nil {
		state.Prune(clock.Now())
		g.state = state
		if !state.LastRequest.IsZero() {
			// Consume the spacing token at the previous run's last request.
			g.spacing.ReserveN(state.LastRequest, 1)
		}
		logger.Debug().
			Int("queries_in_window", len(state.Starts)).
			Int("downloads_in_window", len(state.DownloadStarts)).
			Msg("Restored governor state")
	}

	return g, nil
}

func clampLimit(logger zerolog.Logger, name string, v, ceiling int) int {
	if v <= 0 {
		return ceiling
	}
	if v > ceiling {
		logger.Warn().
			Str("limit", name).
			Int("configured", v).
			Int("ceiling", ceiling).
			Msg("Configured limit exceeds the documented API ceiling, clamping")
		return ceiling
	}
	return v
}

// Limits returns the effective limits.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Acquire blocks until a request of the given kind may start, then records
// it. It sleeps (never fails) on quota exhaustion; it returns an error only
// when ctx is done.
func (g *Governor) Acquire(ctx context.Context, kind Kind) error {
	g.acquireMu.Lock()
	defer g.acquireMu.Unlock()

	began := g.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := g.clock.Now()
		g.mu.Lock()
		g.state.Prune(now)
		next := g.state.NextAdmission(now, kind, g.limits)
		g.mu.Unlock()

		if next.After(now) {
			wait := next.Sub(now)
			g.logWait(kind, wait, "Quota window full, waiting for a slot")
			if err := g.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		r := g.spacing.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			g.logWait(kind, d, "Spacing requests")
			if err := g.clock.Sleep(ctx, d); err != nil {
				r.CancelAt(now)
				return err
			}
			now = g.clock.Now()
		}

		g.mu.Lock()
		g.state.Record(now, kind)
		saved := g.state.Clone()
		g.mu.Unlock()
		g.persist(ctx, saved)

		governorAdmittedTotal.WithLabelValues(string(kind)).Inc()
		governorWaitSeconds.WithLabelValues(string(kind)).Observe(now.Sub(began).Seconds())
		governorQueriesInWindow.Set(float64(saved.QueriesInWindow(now)))
		governorDownloadsInWindow.Set(float64(saved.DownloadsInWindow(now)))
		return nil
	}
}

func (g *Governor) logWait(kind Kind, wait time.Duration, msg string) {
	event := g.logger.Debug()
	if wait >= longWait {
		event = g.logger.Warn()
	}
	event.Str("kind", string(kind)).Dur("wait", wait).Msg(msg)
}

// persist saves state; a failing store is logged and the in-memory state
// stays authoritative for this process.
func (g *Governor) persist(ctx context.Context, state *State) {
	if err := g.store.Save(ctx, state); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to persist governor state")
	}
}

// Snapshot returns the current window counts.
func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	return Snapshot{
		Limits:            g.limits,
		QueriesInWindow:   g.state.QueriesInWindow(now),
		DownloadsInWindow: g.state.DownloadsInWindow(now),
		LastRequest:       g.state.LastRequest,
	}
}

// CheckPlan is the pre-flight quota check. A plan of more downloads than the
// hourly cap cannot finish within one quota window; unless allowMultiHour is
// set it is rejected with QuotaExceededError before any request is issued.
func (g *Governor) CheckPlan(downloads int, allowMultiHour bool) error {
	if downloads > g.limits.DownloadsPerHour && !allowMultiHour {
		return &QuotaExceededError{
			Planned: downloads,
			Cap:     g.limits.DownloadsPerHour,
			Window:  HourWindow,
		}
	}
	return nil
}

// Estimate returns the minimum wall time needed to start n downloads from
// an empty state under ideal spacing.
func (g *Governor) Estimate(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	step := g.limits.RequestInterval
	if perQuery := MinuteWindow / time.Duration(g.limits.QueriesPerMinute); perQuery > step {
		step = perQuery
	}
	windows := (n - 1) / g.limits.DownloadsPerHour
	within := (n - 1) % g.limits.DownloadsPerHour
	return time.Duration(windows)*HourWindow + time.Duration(within)*step
}

// QuotaExceededError reports a plan that provably cannot fit the quota.
type QuotaExceededError struct {
	Planned int
	Cap     int
	Window  time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("plan needs %d downloads but the API allows %d per %s", e.Planned, e.Cap, e.Window)
}
