package market

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chainboard/marketcache/internal/cache"
	"github.com/chainboard/marketcache/pkg/logger"
	"github.com/chainboard/marketcache/pkg/metrics"
)

const (
	defaultRefreshSpec    = "@every 10m"
	defaultSweepSpec      = "@daily"
	defaultSweepRetention = 7 * 24 * time.Hour
)

// ErrRunInProgress is returned when a refresh run is requested while the
// previous one has not finished. Overlapping runs are skipped, not queued.
var ErrRunInProgress = errors.New("market: refresh run already in progress")

// Target is one cache key the warmer keeps warm.
type Target struct {
	Name string
	Spec FetchSpec
	TTL  time.Duration
}

// TargetResult reports the outcome of refreshing a single target.
type TargetResult struct {
	Name      string `json:"name"`
	Key       string `json:"key"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	Millis    int64  `json:"duration_ms"`
}

// Totals aggregates a run's outcomes.
type Totals struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summary describes one warm-up run.
type Summary struct {
	RunID     string         `json:"run_id"`
	Refreshed time.Time      `json:"refreshed"`
	Results   []TargetResult `json:"results"`
	Totals    Totals         `json:"summary"`
}

// Refresher proactively refreshes a fixed list of cache keys on a schedule so
// user-facing requests are more likely to hit warm cache, and sweeps long-
// expired rows. One target's failure never aborts the rest of a run.
type Refresher struct {
	manager   *Manager
	store     cache.Store
	targets   []Target
	cron      *cron.Cron
	schedule  string
	sweepSpec string
	retention time.Duration
	now       func() time.Time
	running   atomic.Bool
	log       *zap.Logger
}

// Option customises the Refresher.
type Option func(*Refresher)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(r *Refresher) {
		if c != nil {
			r.cron = c
		}
	}
}

// WithNow overrides the clock used for run timestamps and sweep cutoffs.
func WithNow(now func() time.Time) Option {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSchedule overrides the cron specification for warm-up runs.
func WithSchedule(spec string) Option {
	return func(r *Refresher) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// WithSweepSchedule overrides the cron specification for the expired-row sweep.
func WithSweepSchedule(spec string) Option {
	return func(r *Refresher) {
		if spec != "" {
			r.sweepSpec = spec
		}
	}
}

// WithSweepRetention adjusts how long expired rows linger before the sweep
// removes them.
func WithSweepRetention(retention time.Duration) Option {
	return func(r *Refresher) {
		if retention > 0 {
			r.retention = retention
		}
	}
}

// NewRefresher constructs a Refresher for the supplied warm-up targets.
func NewRefresher(manager *Manager, store cache.Store, targets []Target, opts ...Option) (*Refresher, error) {
	if manager == nil {
		return nil, errors.New("market: refresher requires a manager")
	}

	refresher := &Refresher{
		manager:   manager,
		store:     store,
		targets:   targets,
		schedule:  defaultRefreshSpec,
		sweepSpec: defaultSweepSpec,
		retention: defaultSweepRetention,
		now:       time.Now,
		log:       logger.WithModule("market.refresher"),
	}

	for _, opt := range opts {
		opt(refresher)
	}

	if refresher.cron == nil {
		refresher.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return refresher, nil
}

// Start registers the warm-up and sweep jobs and launches the scheduler.
func (r *Refresher) Start() error {
	if len(r.targets) > 0 {
		if _, err := r.cron.AddFunc(r.schedule, func() {
			if _, err := r.RunOnce(context.Background()); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					r.log.Warn("skipping refresh run, previous run still going")
					return
				}
				r.log.Warn("refresh run failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if r.store != nil {
		if _, err := r.cron.AddFunc(r.sweepSpec, func() {
			if _, err := r.RunSweep(context.Background()); err != nil {
				r.log.Warn("cache sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running jobs to complete.
func (r *Refresher) Stop() context.Context {
	if r.cron == nil {
		return context.Background()
	}
	return r.cron.Stop()
}

// RunOnce refreshes every configured target sequentially and reports a
// per-target summary. Failures are data in the summary, not errors; the only
// error conditions are an overlapping run and a cancelled context.
func (r *Refresher) RunOnce(ctx context.Context) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !r.running.CompareAndSwap(false, true) {
		metrics.RefreshRuns.WithLabelValues("skipped").Inc()
		return Summary{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	summary := Summary{
		RunID:     uuid.NewString(),
		Refreshed: r.now().UTC(),
		Results:   make([]TargetResult, 0, len(r.targets)),
	}

	for _, target := range r.targets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		started := r.now()
		err := r.manager.Refresh(ctx, target.Spec, target.TTL)
		result := TargetResult{
			Name:      target.Name,
			Key:       target.Spec.CacheKey(),
			Succeeded: err == nil,
			Millis:    r.now().Sub(started).Milliseconds(),
		}
		if err != nil {
			result.Error = err.Error()
			summary.Totals.Failed++
		} else {
			summary.Totals.Succeeded++
		}
		summary.Results = append(summary.Results, result)
	}

	metrics.RefreshRuns.WithLabelValues("completed").Inc()
	r.log.Info("refresh run completed",
		zap.String("run_id", summary.RunID),
		zap.Int("succeeded", summary.Totals.Succeeded),
		zap.Int("failed", summary.Totals.Failed),
	)
	return summary, nil
}

// RunSweep removes rows that expired more than the retention window ago.
func (r *Refresher) RunSweep(ctx context.Context) (int64, error) {
	if r.store == nil {
		return 0, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	removed, err := r.store.Sweep(ctx, r.now().Add(-r.retention))
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		metrics.SweptEntries.Add(float64(removed))
		r.log.Info("swept expired cache rows", zap.Int64("removed", removed))
	}
	return removed, nil
}

// Close stops the scheduler and runs a final sweep, aggregating any errors.
// Used during graceful shutdown.
func (r *Refresher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	stopCtx := r.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	if _, err := r.RunSweep(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}
