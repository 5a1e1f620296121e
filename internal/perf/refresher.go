package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hairswap/internal/infra"
	"hairswap/internal/metrics"
)

// Refresher periodically recomputes the report from a Source and exports it
// as Prometheus gauges.
type Refresher struct {
	source  Source
	limit   int
	timeout time.Duration
	logger  infra.Logger
	cron    *cron.Cron

	mu   sync.RWMutex
	last Report
}

// NewRefresher schedules refreshes with a standard cron spec or a descriptor
// such as "@every 5m". limit bounds how many recent records are read.
func NewRefresher(source Source, spec string, limit int, logger *infra.Logger) (*Refresher, error) {
	r := &Refresher{
		source:  source,
		limit:   limit,
		timeout: 30 * time.Second,
		logger:  *infra.NopLogger(),
		cron:    cron.New(),
	}
	if logger != nil {
		r.logger = logger.With().Str("component", "perf_refresher").Logger()
	}
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return nil, fmt.Errorf("perf: schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start runs one refresh immediately and then follows the schedule.
func (r *Refresher) Start() {
	go r.tick()
	r.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("performance metrics refresh failed")
	}
}

// Refresh recomputes and exports the report once.
func (r *Refresher) Refresh(ctx context.Context) (Report, error) {
	records, err := r.source.Records(ctx, r.limit)
	if err != nil {
		return Report{}, err
	}
	rep := Aggregate(records)
	Export(rep)

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	r.logger.Debug().
		Int("attempts", rep.TotalAttempts).
		Float64("accuracy", rep.Accuracy).
		Float64("recall", rep.Recall).
		Msg("performance metrics refreshed")
	return rep, nil
}

// Last returns the most recent report.
func (r *Refresher) Last() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Export sets the pipeline gauges from rep.
func Export(rep Report) {
	metrics.PipelineRatePercent.WithLabelValues("accuracy").Set(rep.Accuracy)
	metrics.PipelineRatePercent.WithLabelValues("precision").Set(rep.Precision)
	metrics.PipelineRatePercent.WithLabelValues("recall").Set(rep.Recall)
	metrics.PipelineRatePercent.WithLabelValues("f1_score").Set(rep.F1)
	metrics.PipelineAvgProcessingSeconds.Set(rep.AvgProcessingTime)
	metrics.PipelineAttempts.Set(float64(rep.TotalAttempts))
}
