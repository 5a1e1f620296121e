package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"hairswap/internal/domain"
	"hairswap/internal/events"
	"hairswap/internal/i18n"
	"hairswap/internal/inference"
	"hairswap/internal/metrics"
	"hairswap/internal/perf"
	"hairswap/internal/storage"
)

// perfOutcome carries what the terminal performance record needs beyond the
// job itself.
type perfOutcome struct {
	success  bool
	apiTime  time.Duration
	procTime time.Duration
}

// drive polls an async task until it is terminal or the attempt budget is
// spent. A failed poll is retried within the budget.
func (o *Orchestrator) drive(ctx context.Context, job *domain.Job) {
	log := o.logger.With().Str("job_id", job.ID).Str("task_id", job.TaskID).Logger()
	var (
		lastErr error
		apiTime time.Duration
	)
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 && !o.wait(ctx) {
			o.interrupted(ctx, job)
			return
		}

		pctx, cancel := context.WithTimeout(ctx, o.pollTimeout)
		start := time.Now()
		res, err := o.async.Poll(pctx, job.TaskID)
		cancel()
		o.observeCall("poll", start, err)
		if err != nil {
			if ctx.Err() != nil {
				o.interrupted(ctx, job)
				return
			}
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("poll failed")
			if !o.advance(ctx, job, attempt) {
				return
			}
			continue
		}
		apiTime = res.Timing.APIResponseTime

		switch res.Status {
		case inference.TaskSucceeded:
			o.complete(ctx, job, res.Output, perfOutcome{success: true, apiTime: apiTime, procTime: res.ProcessingTime})
			return
		case inference.TaskFailed:
			msg := inference.Summarize(res.Error)
			if msg == "" {
				msg = "backend reported failure"
			}
			o.fail(ctx, job, domain.FailureBackend, msg, perfOutcome{apiTime: apiTime, procTime: res.ProcessingTime})
			return
		case inference.TaskCanceled:
			o.finish(ctx, job, domain.JobStatusCanceled, "", "canceled by backend", perfOutcome{apiTime: apiTime})
			return
		default:
			if !o.advance(ctx, job, attempt) {
				return
			}
		}
	}

	msg := fmt.Sprintf("timed out after %d poll attempts", o.maxAttempts)
	if lastErr != nil {
		msg += "; last poll error: " + inference.Summarize(lastErr.Error())
	}
	log.Warn().Int("attempts", o.maxAttempts).Msg("job timed out")
	o.fail(ctx, job, domain.FailureTimeout, msg, perfOutcome{apiTime: apiTime})
}

// runSync executes a blocking backend under the run timeout.
func (o *Orchestrator) runSync(ctx context.Context, job *domain.Job, p inference.Payload) {
	rctx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	start := time.Now()
	res, err := o.sync.Run(rctx, p)
	o.observeCall("run", start, err)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.interrupted(ctx, job)
		case errors.Is(rctx.Err(), context.DeadlineExceeded):
			o.fail(ctx, job, domain.FailureTimeout, fmt.Sprintf("timed out after %s", o.runTimeout),
				perfOutcome{apiTime: time.Since(start)})
		default:
			o.fail(ctx, job, domain.FailureBackend, inference.Summarize(err.Error()),
				perfOutcome{apiTime: time.Since(start)})
		}
		return
	}
	o.complete(ctx, job, res.Output, perfOutcome{success: true, apiTime: res.Timing.APIResponseTime, procTime: res.ProcessingTime})
}

func (o *Orchestrator) wait(ctx context.Context) bool {
	t := time.NewTimer(o.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// advance raises the advisory progress for attempt. Progress never decreases
// and stays below 100 until the job is terminal. It returns false when the
// job record is gone or already terminal and the driver should stop.
func (o *Orchestrator) advance(ctx context.Context, job *domain.Job, attempt int) bool {
	pct := 10 + attempt*85/o.maxAttempts
	if pct > 95 {
		pct = 95
	}
	if pct <= job.Percent {
		return true
	}
	job.Percent = pct
	job.Progress = i18n.Progress(job.Locale, i18n.StageProcessing)
	return o.keepGoing(job, o.save(ctx, job))
}

func (o *Orchestrator) keepGoing(job *domain.Job, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTerminal):
		o.logger.Info().Err(err).Str("job_id", job.ID).Msg("job record no longer writable; driver stops")
		return false
	default:
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("persist progress failed")
		return true
	}
}

// complete re-hosts the backend output through the asset store and records
// COMPLETED. Any failure here is the "succeeded but unfetchable" case.
func (o *Orchestrator) complete(ctx context.Context, job *domain.Job, out *inference.Output, outcome perfOutcome) {
	if out.Empty() {
		o.unfetchable(ctx, job, "backend reported success without output", outcome)
		return
	}
	if job.Percent < 96 {
		job.Percent = 96
	}
	job.Progress = i18n.Progress(job.Locale, i18n.StageSaving)
	if !o.keepGoing(job, o.save(ctx, job)) {
		return
	}

	data, contentType := out.Data, out.ContentType
	if len(data) == 0 {
		fctx, cancel := context.WithTimeout(ctx, o.submitTimeout)
		var err error
		data, contentType, err = o.fetcher.Fetch(fctx, out.URL)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				o.interrupted(ctx, job)
				return
			}
			o.unfetchable(ctx, job, "result could not be fetched: "+inference.Summarize(err.Error()), outcome)
			return
		}
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = mimetype.Detect(data).String()
	}

	uctx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	obj, err := o.assets.Upload(uctx, storage.ResultKey(job.ID, contentType), data, contentType)
	cancel()
	switch {
	case err != nil && ctx.Err() != nil:
		o.interrupted(ctx, job)
		return
	case err != nil:
		o.unfetchable(ctx, job, "result could not be re-hosted: "+inference.Summarize(err.Error()), outcome)
		return
	case !obj.Durable:
		o.unfetchable(ctx, job, "result could not be stored durably: "+inference.Summarize(obj.Cause.Error()), outcome)
		return
	}

	job.ResultURL = obj.URL
	o.finish(ctx, job, domain.JobStatusCompleted, "", "", outcome)
}

func (o *Orchestrator) unfetchable(ctx context.Context, job *domain.Job, msg string, outcome perfOutcome) {
	o.logger.Error().Str("job_id", job.ID).Str("task_id", job.TaskID).Str("reason", msg).
		Msg("backend succeeded but result is unfetchable")
	o.fail(ctx, job, domain.FailureUnfetchable, "backend succeeded but "+msg, outcome)
}

func (o *Orchestrator) interrupted(ctx context.Context, job *domain.Job) {
	o.fail(ctx, job, domain.FailureInterrupted, "interrupted by shutdown", perfOutcome{})
}

func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, kind domain.FailureKind, msg string, outcome perfOutcome) {
	o.finish(ctx, job, domain.JobStatusFailed, kind, msg, outcome)
}

// finish moves job to a terminal status exactly once. Metrics, the
// performance record and the lifecycle event follow only a persisted
// terminal write.
func (o *Orchestrator) finish(ctx context.Context, job *domain.Job, to domain.JobStatus, kind domain.FailureKind, msg string, outcome perfOutcome) {
	if job.Status.Terminal() {
		return
	}
	now := o.now().UTC()
	job.FinishedAt = &now
	job.FailureKind = kind
	job.Error = msg
	switch to {
	case domain.JobStatusCompleted:
		job.Percent = 100
		job.Progress = i18n.Progress(job.Locale, i18n.StageCompleted)
	case domain.JobStatusCanceled:
		job.Progress = i18n.Progress(job.Locale, i18n.StageCanceled)
	default:
		job.Progress = i18n.Progress(job.Locale, i18n.StageFailed)
	}

	log := o.logger.With().Str("job_id", job.ID).Str("task_id", job.TaskID).
		Str("status", string(to)).Str("failure_kind", string(kind)).Logger()
	if !domain.CanTransition(job.Status, to) {
		log.Error().Str("from", string(job.Status)).Msg("invalid terminal transition")
		return
	}
	job.Status = to
	if err := o.saveTerminal(ctx, job); err != nil {
		switch {
		case errors.Is(err, domain.ErrTerminal):
			log.Info().Msg("job already terminal; outcome dropped")
		case errors.Is(err, domain.ErrNotFound):
			log.Info().Msg("job deleted; outcome dropped")
		default:
			log.Error().Err(err).Int("tries", terminalWriteTries).Msg("persist terminal state failed")
		}
		return
	}
	o.publish(job)

	metrics.JobsFinishedTotal.WithLabelValues(job.Backend, string(to), string(kind)).Inc()
	metrics.JobDurationSeconds.WithLabelValues(job.Backend).Observe(now.Sub(job.CreatedAt).Seconds())
	if kind != domain.FailureUpload && kind != domain.FailureInterrupted {
		procTime := outcome.procTime
		if procTime <= 0 {
			since := job.CreatedAt
			if job.SubmittedAt != nil {
				since = *job.SubmittedAt
			}
			procTime = now.Sub(since)
		}
		o.appendPerf(job, perf.Record{
			RequestID:       job.ID,
			TaskID:          job.TaskID,
			Timestamp:       now,
			Success:         outcome.success,
			Completed:       to == domain.JobStatusCompleted,
			ProcessingTime:  procTime.Seconds(),
			APIResponseTime: outcome.apiTime.Seconds(),
			Error:           job.Error,
			Backend:         job.Backend,
			Status:          string(to),
		})
	}
	if to == domain.JobStatusCompleted {
		log.Info().Str("result_url", job.ResultURL).Msg("job completed")
	} else {
		log.Warn().Str("error", msg).Msg("job finished without result")
	}
}

// transition validates and persists a status change, then publishes it.
func (o *Orchestrator) transition(ctx context.Context, job *domain.Job, to domain.JobStatus) error {
	if !domain.CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	if err := o.save(ctx, job); err != nil {
		return err
	}
	o.publish(job)
	return nil
}

// saveTerminal retries a terminal write with doubling backoff. A missing or
// already terminal record is final and not retried. The backoff ignores ctx
// so shutdown still records final states.
func (o *Orchestrator) saveTerminal(ctx context.Context, job *domain.Job) error {
	backoff := o.writeBackoff
	for try := 1; ; try++ {
		err := o.save(ctx, job)
		if err == nil || errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrNotFound) || try == terminalWriteTries {
			return err
		}
		o.logger.Warn().Err(err).Str("job_id", job.ID).Int("try", try).Msg("terminal write failed; retrying")
		time.Sleep(backoff)
		backoff *= 2
	}
}

// save writes job with a fresh updated_at. Writes outlive cancellation of ctx
// so shutdown can still record final states.
func (o *Orchestrator) save(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = o.now().UTC()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	return o.jobs.Update(wctx, job)
}

func (o *Orchestrator) observeCall(op string, start time.Time, err error) {
	name := o.backend.Name()
	metrics.BackendCallSeconds.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues(name, op).Inc()
	}
}

func (o *Orchestrator) appendPerf(job *domain.Job, rec perf.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := o.perf.Append(ctx, rec); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("performance record not written")
	}
}

func (o *Orchestrator) publish(job *domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := o.events.Publish(ctx, events.FromJob(job)); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("lifecycle event not published")
	}
}
