package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/sdmx-databuilder/pkg/client"
	"github.com/Sternrassler/sdmx-databuilder/pkg/period"
	"github.com/Sternrassler/sdmx-databuilder/pkg/ratelimit"
	"github.com/Sternrassler/sdmx-databuilder/pkg/recipe"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch runs.
var (
	fetchTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sdmx_fetch_tasks_total",
		Help: "Fetch tasks by outcome",
	}, []string{"outcome"})

	fetchProgressRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sdmx_fetch_progress_ratio",
		Help: "Completed/planned tasks of the current fetch run",
	})
)

// Task outcomes for metrics.
const (
	outcomeSuccess = "success"
	outcomeCached  = "cached"
	outcomeNoData  = "no_data"
	outcomeFailed  = "failed"
)

// Getter issues one governed request. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, kind ratelimit.Kind, url string, format client.Format) (*client.Response, error)
}

// ChunkCache stores raw chunk responses so that a rerun skips chunks that
// already succeeded. *cache.Manager implements it.
type ChunkCache interface {
	Lookup(ctx context.Context, url string, format client.Format) (*client.Response, bool, error)
	Store(ctx context.Context, url string, resp *client.Response) error
}

// QuotaChecker is the pre-flight check. *ratelimit.Governor implements it.
type QuotaChecker interface {
	CheckPlan(downloads int, allowMultiHour bool) error
	Estimate(n int) time.Duration
}

// RawResponse is the raw outcome of one successful task.
type RawResponse struct {
	Task       Task
	StatusCode int
	Format     client.Format
	Body       []byte
	NoData     bool
	Attempts   int
	FromCache  bool
}

// Result is what FetchData returns: raw responses for succeeded tasks and
// the manifest of the run.
type Result struct {
	Plan      *Plan
	Responses map[TaskKey]*RawResponse
	Manifest  *Manifest
}

// Ordered returns the responses in plan order.
func (r *Result) Ordered() []*RawResponse {
	out := make([]*RawResponse, 0, len(r.Responses))
	for _, t := range r.Plan.Tasks {
		if resp, ok := r.Responses[t.Key()]; ok {
			out = append(out, resp)
		}
	}
	return out
}

// Status is a point-in-time view of a running fetch.
type Status struct {
	RunID     string
	Planned   int
	Completed int
	Succeeded int
	Failed    int
	Cached    int
	Current   TaskKey
	Done      bool
}

// Ratio returns Completed/Planned.
func (s Status) Ratio() float64 {
	if s.Planned == 0 {
		return 1
	}
	return float64(s.Completed) / float64(s.Planned)
}

// Config holds the engine configuration.
type Config struct {
	// Client issues governed requests (REQUIRED).
	Client Getter

	// Quota is the pre-flight checker (REQUIRED).
	Quota QuotaChecker

	// BaseURL is the dataflow URL fragments are appended to (REQUIRED).
	BaseURL string

	// Format of requested responses. Defaults to csv.
	Format client.Format

	// TransactionPosition for the single-series check of plain fragments.
	TransactionPosition int

	// AllowMultiHour lets plans larger than the hourly download cap run,
	// paced over several quota windows.
	AllowMultiHour bool

	// Cache is optional.
	Cache ChunkCache

	// Progress is called after every task. It runs on the fetch goroutine.
	Progress func(Status)
}

// Engine executes fetch plans strictly sequentially.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewEngine creates a fetch engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Quota == nil {
		return nil, fmt.Errorf("quota checker is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Format == "" {
		cfg.Format = client.FormatCSV
	}
	if cfg.TransactionPosition < 0 {
		return nil, fmt.Errorf("transaction position must be >= 0 (got %d)", cfg.TransactionPosition)
	}
	return &Engine{
		cfg:    cfg,
		logger: log.With().Str("component", "fetch-engine").Logger(),
	}, nil
}

// Status returns the progress of the current or last run. Safe to call from
// any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Plan validates r and builds its plan without issuing requests.
func (e *Engine) Plan(r *recipe.Recipe, start, end period.Period, chunkSize int) (*Plan, error) {
	if r == nil {
		return nil, &recipe.ConfigError{Reason: "no recipe"}
	}
	if err := r.Validate(e.cfg.TransactionPosition); err != nil {
		return nil, err
	}
	return BuildPlan(r, start, end, chunkSize, PlanConfig{BaseURL: e.cfg.BaseURL, Format: e.cfg.Format})
}

// FetchData fetches every chunk of every column of r over [start, end].
//
// Configuration errors and a failed pre-flight quota check are returned
// before any request is issued. Per-task failures never abort the run; they
// are listed in the manifest. If ctx is cancelled the partial result is
// returned together with the context error.
func (e *Engine) FetchData(ctx context.Context, r *recipe.Recipe, start, end period.Period, chunkSize int) (*Result, error) {
	plan, err := e.Plan(r, start, end, chunkSize)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Plan:      plan,
		Responses: make(map[TaskKey]*RawResponse, len(plan.Tasks)),
		Manifest: &Manifest{
			RunID:     uuid.NewString(),
			Recipe:    plan.Recipe,
			Start:     plan.Start.String(),
			End:       plan.End.String(),
			ChunkSize: plan.ChunkSize,
			Planned:   len(plan.Tasks),
			StartedAt: time.Now(),
		},
	}
	m := result.Manifest
	logger := e.logger.With().Str("run_id", m.RunID).Str("recipe", plan.Recipe).Logger()

	pending := e.resolveCached(ctx, logger, plan, result)

	if err := e.cfg.Quota.CheckPlan(len(pending), e.cfg.AllowMultiHour); err != nil {
		return nil, err
	}

	e.setStatus(Status{
		RunID:     m.RunID,
		Planned:   m.Planned,
		Completed: m.Succeeded,
		Succeeded: m.Succeeded,
		Cached:    m.FromCache,
	})

	logger.Info().
		Int("planned", m.Planned).
		Int("cached", m.FromCache).
		Int("downloads", len(pending)).
		Dur("estimate", e.cfg.Quota.Estimate(len(pending))).
		Msg("Starting fetch")

	for _, task := range pending {
		if err := ctx.Err(); err != nil {
			return e.finish(logger, result), err
		}
		e.updateStatus(func(s *Status) { s.Current = task.Key() })

		raw, failure := e.fetchTask(ctx, logger, task)
		if failure != nil && errors.Is(failure.Err, client.ErrContextCancelled) {
			return e.finish(logger, result), ctx.Err()
		}
		e.record(logger, result, task, raw, failure)
	}

	return e.finish(logger, result), nil
}

// resolveCached fills result with cached chunks and returns the tasks that
// still need a request, in plan order.
func (e *Engine) resolveCached(ctx context.Context, logger zerolog.Logger, plan *Plan, result *Result) []Task {
	if e.cfg.Cache == nil {
		return plan.Tasks
	}
	pending := make([]Task, 0, len(plan.Tasks))
	for _, task := range plan.Tasks {
		resp, ok, err := e.cfg.Cache.Lookup(ctx, task.URL, e.cfg.Format)
		if err != nil {
			logger.Warn().Err(err).Str("url", task.URL).Msg("Cache lookup failed")
		}
		if !ok {
			pending = append(pending, task)
			continue
		}
		logger.Debug().Str("column", task.Column).Int("chunk", task.Chunk).Msg("Chunk served from cache")
		raw := toRaw(task, resp)
		raw.FromCache = true
		result.Responses[task.Key()] = raw
		result.Manifest.Succeeded++
		result.Manifest.FromCache++
		if raw.NoData {
			result.Manifest.NoData++
		}
		fetchTasksTotal.WithLabelValues(outcomeCached).Inc()
	}
	return pending
}

func (e *Engine) fetchTask(ctx context.Context, logger zerolog.Logger, task Task) (*RawResponse, *PermanentTaskFailure) {
	resp, err := e.cfg.Client.Get(ctx, ratelimit.KindDownload, task.URL, e.cfg.Format)
	if err != nil {
		return nil, &PermanentTaskFailure{
			Key:      task.Key(),
			Span:     task.Span.String(),
			URL:      task.URL,
			Stage:    StageFetch,
			Attempts: attemptsOf(err),
			Err:      err,
		}
	}

	if e.cfg.Cache != nil {
		if err := e.cfg.Cache.Store(ctx, task.URL, resp); err != nil {
			logger.Warn().Err(err).Str("url", task.URL).Msg("Failed to cache chunk")
		}
	}
	return toRaw(task, resp), nil
}

func (e *Engine) record(logger zerolog.Logger, result *Result, task Task, raw *RawResponse, failure *PermanentTaskFailure) {
	m := result.Manifest
	var event *zerolog.Event
	if failure != nil {
		m.AddFailure(failure)
		m.Requests += failure.Attempts
		fetchTasksTotal.WithLabelValues(outcomeFailed).Inc()
		event = logger.Error().Err(failure.Err).Int("status_code", failure.StatusCode())
	} else {
		result.Responses[task.Key()] = raw
		m.Succeeded++
		m.Requests += raw.Attempts
		outcome := outcomeSuccess
		if raw.NoData {
			m.NoData++
			outcome = outcomeNoData
		}
		fetchTasksTotal.WithLabelValues(outcome).Inc()
		event = logger.Info().Bool("no_data", raw.NoData).Int("bytes", len(raw.Body))
	}

	status := e.updateStatus(func(s *Status) {
		s.Completed++
		if failure != nil {
			s.Failed++
		} else {
			s.Succeeded++
		}
	})
	fetchProgressRatio.Set(status.Ratio())

	event.
		Str("column", task.Column).
		Int("chunk", task.Chunk).
		Str("span", task.Span.String()).
		Int("completed", status.Completed).
		Int("planned", status.Planned).
		Float64("progress_pct", status.Ratio()*100).
		Msg("Chunk finished")

	if e.cfg.Progress != nil {
		e.cfg.Progress(status)
	}
}

func (e *Engine) finish(logger zerolog.Logger, result *Result) *Result {
	m := result.Manifest
	m.FinishedAt = time.Now()
	e.updateStatus(func(s *Status) {
		s.Done = true
		s.Current = TaskKey{}
	})

	var event *zerolog.Event
	if len(m.Failures) > 0 {
		event = logger.Warn().Strs("failed_columns", m.FailedColumns())
	} else {
		event = logger.Info()
	}
	event.
		Int("planned", m.Planned).
		Int("succeeded", m.Succeeded).
		Int("failed", len(m.Failures)).
		Int("cached", m.FromCache).
		Int("requests", m.Requests).
		Dur("duration", m.FinishedAt.Sub(m.StartedAt)).
		Msg("Fetch complete")
	return result
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
	fetchProgressRatio.Set(s.Ratio())
}

func (e *Engine) updateStatus(fn func(*Status)) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
	return e.status
}

func toRaw(task Task, resp *client.Response) *RawResponse {
	return &RawResponse{
		Task:       task,
		StatusCode: resp.StatusCode,
		Format:     resp.Format,
		Body:       resp.Body,
		NoData:     resp.NoData,
		Attempts:   resp.Attempts,
	}
}

// attemptsOf returns how many requests a failed Get issued.
func attemptsOf(err error) int {
	var fe *client.FetchError
	if errors.As(err, &fe) && fe.Attempts > 0 {
		return fe.Attempts
	}
	return 1
}
