package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftwatch/internal/alerts"
	"driftwatch/internal/metrics"
	"driftwatch/internal/models"
	"driftwatch/internal/monitor"
	"driftwatch/internal/storage"
)

// Store is the slice of the repository the runner coordinates through. All
// cross-worker state lives behind it; the runner itself keeps none.
type Store interface {
	ListAllMonitors(ctx context.Context) ([]storage.MonitorRecord, error)
	GetMonitor(ctx context.Context, id string) (storage.MonitorRecord, error)
	AcquireLease(ctx context.Context, monitorID, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, monitorID, holder string) error
	RecordEvaluation(ctx context.Context, eval storage.EvaluationRecord, deliveries []storage.DeliveryRecord, pointer time.Time) error
	SkipWindow(ctx context.Context, monitorID string, windowStart, windowEnd time.Time) error
}

type ModelCatalog interface {
	Metadata(modelID string) (models.Metadata, error)
}

type MetricComputer interface {
	Compute(ctx context.Context, job metrics.Job) (metrics.Aggregate, error)
}

type AlertDispatcher interface {
	Dispatch(ctx context.Context, breach alerts.Breach) []alerts.Delivery
}

type Config struct {
	Workers     int
	Tick        time.Duration
	JobTimeout  time.Duration
	LeaseTTL    time.Duration
	MaxLookback int
}

// Runner is the periodic driver: each tick it lists all monitors and fans
// them out to a bounded worker pool. A per-monitor lease taken against the
// store keeps a monitor from being evaluated concurrently with itself,
// here or on another worker process.
type Runner struct {
	store      Store
	catalog    ModelCatalog
	computer   MetricComputer
	dispatcher AlertDispatcher
	logger     *slog.Logger

	queue      chan string
	workers    int
	tick       time.Duration
	jobTimeout time.Duration
	leaseTTL   time.Duration
	holder     string
	now        func() time.Time

	mu          sync.Mutex
	maxLookback int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(store Store, catalog ModelCatalog, computer MetricComputer, dispatcher AlertDispatcher, logger *slog.Logger, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	// the lease must outlive the job context, otherwise a slow evaluation
	// can lose its lease to another holder while still running
	if cfg.LeaseTTL < cfg.JobTimeout {
		cfg.LeaseTTL = 2 * cfg.JobTimeout
	}
	if cfg.MaxLookback <= 0 {
		cfg.MaxLookback = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:       store,
		catalog:     catalog,
		computer:    computer,
		dispatcher:  dispatcher,
		logger:      logger,
		queue:       make(chan string, 128),
		workers:     cfg.Workers,
		tick:        cfg.Tick,
		jobTimeout:  cfg.JobTimeout,
		leaseTTL:    cfg.LeaseTTL,
		holder:      uuid.NewString(),
		now:         func() time.Time { return time.Now().UTC() },
		maxLookback: cfg.MaxLookback,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

// SetMaxLookback adjusts the no-data retry horizon; the config watcher
// calls this on hot reload.
func (r *Runner) SetMaxLookback(windows int) {
	if windows <= 0 {
		return
	}
	r.mu.Lock()
	r.maxLookback = windows
	r.mu.Unlock()
}

func (r *Runner) lookback() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLookback
}

// Run drives the tick loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	r.enqueueAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.enqueueAll(ctx)
		}
	}
}

// Kick schedules one monitor for prompt evaluation, ahead of the next
// tick. Used when a monitor change event arrives on the bus.
func (r *Runner) Kick(monitorID string) {
	select {
	case r.queue <- monitorID:
	default:
		// queue full; the next tick picks it up
	}
}

func (r *Runner) enqueueAll(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	defer cancel()
	monitors, err := r.store.ListAllMonitors(listCtx)
	if err != nil {
		r.logger.Error("scheduler: list monitors failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range monitors {
		if _, _, ok := LatestClosedWindow(monitor.Cadence(rec.Cadence), rec.LastEvaluatedWindowEnd, r.now()); !ok {
			continue
		}
		select {
		case r.queue <- rec.ID:
		case <-ctx.Done():
			return
		default:
			// queue full; remaining monitors wait for the next tick
			return
		}
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case monitorID := <-r.queue:
			ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
			if err := r.Evaluate(ctx, monitorID); err != nil {
				r.logger.Error("scheduler: evaluation failed",
					slog.String("monitor_id", monitorID), slog.String("error", err.Error()))
			}
			cancel()
		case <-r.ctx.Done():
			return
		}
	}
}

// Evaluate runs the full pipeline for one monitor: lease, window
// selection, metric computation, threshold decision, alert dispatch and
// transactional recording. A failure here never affects other monitors.
func (r *Runner) Evaluate(ctx context.Context, monitorID string) error {
	acquired, err := r.store.AcquireLease(ctx, monitorID, r.holder, r.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.store.ReleaseLease(releaseCtx, monitorID, r.holder)
	}()

	// read the pointer under the lease so window N+1 can never start
	// before window N's update was durably recorded
	rec, err := r.store.GetMonitor(ctx, monitorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	m, err := rec.Monitor()
	if err != nil {
		return err
	}
	win, missed, ok := LatestClosedWindow(m.Cadence, rec.LastEvaluatedWindowEnd, r.now())
	if !ok {
		return nil
	}

	meta, err := r.catalog.Metadata(m.ModelID)
	if err != nil {
		return err
	}
	metric := m.Threshold.Metric
	if !monitor.MetricValidForTask(metric, meta.TaskType) {
		r.logger.Warn("scheduler: metric not valid for model task, skipping",
			slog.String("monitor_id", monitorID), slog.String("metric", string(metric)),
			slog.String("task", string(meta.TaskType)))
		return nil
	}
	baseline, ok := meta.BaselineValue(metric)
	if !ok {
		r.logger.Warn("scheduler: model artifact has no baseline for metric, skipping",
			slog.String("monitor_id", monitorID), slog.String("metric", string(metric)))
		return nil
	}

	agg, err := r.computer.Compute(ctx, metrics.Job{
		ModelID:       m.ModelID,
		Task:          meta.TaskType,
		Metric:        metric,
		PositiveClass: meta.PositiveClass,
		WindowStart:   win.Start,
		WindowEnd:     win.End,
	})
	if err != nil {
		if errors.Is(err, metrics.ErrNoData) {
			// behind counts the closed windows the pointer trails by; past
			// the horizon the window expires unevaluated
			behind := missed + 1
			if behind > r.lookback() {
				r.logger.Info("scheduler: window expired without data",
					slog.String("monitor_id", monitorID),
					slog.Time("window_start", win.Start), slog.Time("window_end", win.End))
				if err := r.store.SkipWindow(ctx, monitorID, win.Start, win.End); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
				return nil
			}
			r.logger.Debug("scheduler: no data in window, retrying next tick",
				slog.String("monitor_id", monitorID), slog.Time("window_end", win.End))
			return nil
		}
		// aggregation failures (source down, timeout) are inconclusive:
		// the pointer stays put and the window is retried next tick
		return err
	}

	outcome := EvaluateThreshold(agg.Value, baseline, m.Threshold)
	value := agg.Value
	eval := storage.EvaluationRecord{
		MonitorID:   monitorID,
		WindowStart: win.Start,
		WindowEnd:   win.End,
		MetricValue: &value,
		Baseline:    baseline,
		Outcome:     string(outcome.Result),
	}
	var deliveries []storage.DeliveryRecord
	switch outcome.Result {
	case ResultIndeterminate:
		r.logger.Info("scheduler: evaluation indeterminate, baseline is zero",
			slog.String("monitor_id", monitorID), slog.String("metric", string(metric)))
	default:
		variance := outcome.Variance
		eval.Variance = &variance
	}
	if outcome.Result == ResultBreach {
		results := r.dispatcher.Dispatch(ctx, alerts.Breach{
			Monitor:     m,
			WindowStart: win.Start,
			WindowEnd:   win.End,
			Current:     agg.Value,
			Baseline:    baseline,
			Variance:    outcome.Variance,
			Direction:   string(outcome.Direction),
		})
		for _, d := range results {
			rec := storage.DeliveryRecord{
				MonitorID: monitorID,
				Method:    string(d.Method),
				Endpoint:  d.Endpoint,
				Succeeded: d.Succeeded,
				Attempts:  d.Attempts,
			}
			if d.Err != nil {
				text := d.Err.Error()
				rec.Error = &text
			}
			deliveries = append(deliveries, rec)
		}
	}
	err = r.store.RecordEvaluation(ctx, eval, deliveries, win.End)
	if errors.Is(err, storage.ErrNotFound) {
		// monitor deleted mid-evaluation; the result is discarded
		r.logger.Debug("scheduler: monitor deleted during evaluation, result discarded",
			slog.String("monitor_id", monitorID))
		return nil
	}
	return err
}
