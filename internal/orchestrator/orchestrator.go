// Package orchestrator drives hairstyle-transfer jobs from submission to a
// terminal state. Submission uploads the inputs and hands the job to the
// configured backend; a detached driver then polls (or runs) the backend,
// re-hosts the result and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hairswap/internal/domain"
	"hairswap/internal/events"
	"hairswap/internal/i18n"
	"hairswap/internal/inference"
	"hairswap/internal/infra"
	"hairswap/internal/metrics"
	"hairswap/internal/perf"
	"hairswap/internal/storage"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxAttempts   = 90
	defaultPollTimeout   = 10 * time.Second
	defaultSubmitTimeout = 30 * time.Second
	defaultRunTimeout    = 5 * time.Minute
	storeWriteTimeout    = 5 * time.Second
	terminalWriteTries   = 5
	terminalWriteBackoff = 200 * time.Millisecond
)

// ErrShuttingDown is returned by Submit once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// Fetcher resolves output references to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// Options configures an Orchestrator. Jobs, Assets and Backend are required.
type Options struct {
	Jobs    domain.JobRepository
	Assets  *storage.Assets
	Fetcher Fetcher
	Backend inference.Backend
	Perf    perf.Log
	Events  events.Publisher
	Logger  *infra.Logger

	PollInterval   time.Duration
	MaxAttempts    int
	PollTimeout    time.Duration
	SubmitTimeout  time.Duration
	RunTimeout     time.Duration
	MaxUploadBytes int64

	Now func() time.Time
}

type Orchestrator struct {
	jobs    domain.JobRepository
	assets  *storage.Assets
	fetcher Fetcher
	backend inference.Backend
	async   inference.Async
	sync    inference.Sync
	perf    perf.Log
	events  events.Publisher
	logger  infra.Logger

	pollInterval   time.Duration
	maxAttempts    int
	pollTimeout    time.Duration
	submitTimeout  time.Duration
	runTimeout     time.Duration
	maxUploadBytes int64
	writeBackoff   time.Duration
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Jobs == nil || opts.Assets == nil || opts.Backend == nil {
		return nil, errors.New("orchestrator: jobs, assets and backend are required")
	}
	o := &Orchestrator{
		jobs:           opts.Jobs,
		assets:         opts.Assets,
		fetcher:        opts.Fetcher,
		backend:        opts.Backend,
		perf:           opts.Perf,
		events:         opts.Events,
		logger:         *infra.NopLogger(),
		pollInterval:   opts.PollInterval,
		maxAttempts:    opts.MaxAttempts,
		pollTimeout:    opts.PollTimeout,
		submitTimeout:  opts.SubmitTimeout,
		runTimeout:     opts.RunTimeout,
		maxUploadBytes: opts.MaxUploadBytes,
		writeBackoff:   terminalWriteBackoff,
		now:            opts.Now,
	}
	switch b := opts.Backend.(type) {
	case inference.Async:
		o.async = b
	case inference.Sync:
		o.sync = b
	default:
		return nil, fmt.Errorf("orchestrator: backend %s is neither async nor sync", opts.Backend.Name())
	}
	if opts.Logger != nil {
		o.logger = opts.Logger.With().Str("component", "orchestrator").Str("backend", opts.Backend.Name()).Logger()
	}
	if o.fetcher == nil {
		o.fetcher = storage.NewFetcher(nil, opts.Assets.Fallback(), 0)
	}
	if o.perf == nil {
		o.perf = perf.Discard{}
	}
	if o.events == nil {
		o.events = events.Nop{}
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	if o.pollTimeout <= 0 {
		o.pollTimeout = defaultPollTimeout
	}
	if o.submitTimeout <= 0 {
		o.submitTimeout = defaultSubmitTimeout
	}
	if o.runTimeout <= 0 {
		o.runTimeout = defaultRunTimeout
	}
	if o.maxUploadBytes <= 0 {
		o.maxUploadBytes = DefaultMaxUploadBytes
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// BackendName names the configured inference backend.
func (o *Orchestrator) BackendName() string { return o.backend.Name() }

// Submit validates the request, creates the job, uploads the inputs
// concurrently and hands the job to the backend. Upload and submit failures
// are recorded on the returned FAILED job rather than returned as errors;
// the error is reserved for rejected input and for a job that could not be
// created at all.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if o.isClosing() {
		return nil, ErrShuttingDown
	}
	in, err := validate(req, o.maxUploadBytes)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	locale := i18n.Match(req.Locale)
	job := &domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobStatusPending,
		Progress:  i18n.Progress(locale, i18n.StageAccepted),
		Backend:   o.backend.Name(),
		Mode:      in.mode,
		Locale:    locale,
		Country:   req.Country,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("orchestrator: create job: %w", err)
	}
	log := o.logger.With().Str("job_id", job.ID).Logger()
	log.Info().Str("mode", string(job.Mode)).Str("country", job.Country).Msg("job accepted")
	o.publish(job)

	refs, err := o.uploadInputs(ctx, job.ID, in.uploads)
	if err != nil {
		log.Warn().Err(err).Msg("input upload failed")
		o.fail(ctx, job, domain.FailureUpload, "input upload failed: "+inference.Summarize(err.Error()), perfOutcome{})
		return job.Clone(), nil
	}
	job.InputRefs = refs
	job.Percent = 5
	job.Progress = i18n.Progress(locale, i18n.StageUploaded)
	if err := o.save(ctx, job); err != nil {
		log.Warn().Err(err).Msg("persist uploaded inputs failed")
	}

	payload := inference.Payload{JobID: job.ID, Inputs: refs, Mode: job.Mode}
	if o.sync != nil {
		o.markProcessing(ctx, job, "")
		metrics.JobsSubmittedTotal.WithLabelValues(job.Backend).Inc()
		o.spawn(job, func(ctx context.Context, j *domain.Job) { o.runSync(ctx, j, payload) })
		return job.Clone(), nil
	}

	subCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	start := time.Now()
	sub, err := o.async.Submit(subCtx, payload)
	cancel()
	o.observeCall("submit", start, err)
	if err != nil {
		log.Warn().Err(err).Msg("backend submit failed")
		o.fail(ctx, job, domain.FailureSubmit, "backend submit failed: "+inference.Summarize(err.Error()),
			perfOutcome{apiTime: time.Since(start)})
		return job.Clone(), nil
	}

	o.markProcessing(ctx, job, sub.TaskID)
	metrics.JobsSubmittedTotal.WithLabelValues(job.Backend).Inc()
	o.appendPerf(job, perf.Record{
		RequestID:       job.ID,
		TaskID:          sub.TaskID,
		Timestamp:       o.now().UTC(),
		Success:         true,
		APIResponseTime: sub.Timing.APIResponseTime.Seconds(),
		Backend:         job.Backend,
		Status:          string(job.Status),
	})
	log.Info().Str("task_id", sub.TaskID).Msg("job submitted")
	o.spawn(job, o.drive)
	return job.Clone(), nil
}

// uploadInputs stores every input concurrently. Any failure cancels the rest
// and fails the submission. Inputs that degrade to local:// references are
// rejected when the backend must download them itself.
func (o *Orchestrator) uploadInputs(ctx context.Context, jobID string, uploads map[domain.InputName]Upload) (map[domain.InputName]string, error) {
	var mu sync.Mutex
	refs := make(map[domain.InputName]string, len(uploads))
	needsPublic := inference.NeedsPublicInputs(o.backend)

	g, gctx := errgroup.WithContext(ctx)
	for name, up := range uploads {
		g.Go(func() error {
			key := storage.InputKey(jobID, name, up.ContentType)
			obj, err := o.assets.Upload(gctx, key, up.Data, up.ContentType)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if !obj.Durable && needsPublic {
				return fmt.Errorf("%s: %w", name, obj.Cause)
			}
			mu.Lock()
			refs[name] = obj.URL
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (o *Orchestrator) markProcessing(ctx context.Context, job *domain.Job, taskID string) {
	now := o.now().UTC()
	job.TaskID = taskID
	job.SubmittedAt = &now
	job.Percent = 10
	job.Progress = i18n.Progress(job.Locale, i18n.StageProcessing)
	if err := o.transition(ctx, job, domain.JobStatusProcessing); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("persist processing state failed")
	}
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// spawn starts a detached driver for job. A panic inside run is recovered and
// recorded as an internal failure. Once Shutdown has begun the job is failed
// as interrupted instead.
func (o *Orchestrator) spawn(job *domain.Job, run func(ctx context.Context, job *domain.Job)) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		o.interrupted(o.ctx, job)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	metrics.JobsInFlight.Inc()
	driven := job.Clone()
	go func() {
		defer o.wg.Done()
		defer metrics.JobsInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().Str("job_id", driven.ID).Interface("panic", r).Msg("job driver panicked")
				o.fail(o.ctx, driven, domain.FailureInternal, fmt.Sprintf("internal error: %v", r), perfOutcome{})
			}
		}()
		run(o.ctx, driven)
	}()
}

// Recover resumes jobs left unfinished by a previous process. PROCESSING jobs
// with a task id on this async backend get a fresh driver; every other
// unfinished job is failed as interrupted.
func (o *Orchestrator) Recover(ctx context.Context) (resumed, failed int, err error) {
	jobs, err := o.jobs.ListRecent(ctx, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("orchestrator: recover: %w", err)
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if o.async != nil && job.Status == domain.JobStatusProcessing && job.TaskID != "" && job.Backend == o.backend.Name() {
			o.logger.Info().Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("resuming job")
			o.spawn(job, o.drive)
			resumed++
			continue
		}
		o.fail(ctx, job, domain.FailureInterrupted, "interrupted by service restart", perfOutcome{})
		failed++
	}
	return resumed, failed, nil
}

// Shutdown stops accepting submissions, cancels running drivers and waits for
// them to record their final state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
