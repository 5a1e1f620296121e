package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hairswap/internal/domain"
	"hairswap/internal/inference"
	"hairswap/internal/jobstore"
	"hairswap/internal/perf"
	"hairswap/internal/storage"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(8, 8, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func validUploads(t *testing.T) []Upload {
	img := pngBytes(t)
	out := make([]Upload, 0, len(domain.InputNames))
	for _, name := range domain.InputNames {
		out = append(out, Upload{Name: name, Filename: string(name) + ".png", ContentType: "image/png", Data: img})
	}
	return out
}

type pollStep struct {
	res   inference.PollResult
	err   error
	panic bool
}

// scriptedBackend replays poll steps; the last step repeats forever.
type scriptedBackend struct {
	mu        sync.Mutex
	submitErr error
	script    []pollStep
	polls     int
	submits   int
	public    bool
}

func (b *scriptedBackend) Name() string { return "scripted" }
func (b *scriptedBackend) Ping(context.Context) error { return nil }
func (b *scriptedBackend) RequiresPublicInputs() bool { return b.public }

func (b *scriptedBackend) Submit(_ context.Context, p inference.Payload) (inference.Submission, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if b.submitErr != nil {
		return inference.Submission{}, b.submitErr
	}
	return inference.Submission{TaskID: "task-" + p.JobID, Timing: inference.Timing{APIResponseTime: 20 * time.Millisecond}}, nil
}

func (b *scriptedBackend) Poll(ctx context.Context, _ string) (inference.PollResult, error) {
	b.mu.Lock()
	i := b.polls
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	b.polls++
	step := b.script[i]
	b.mu.Unlock()
	if step.panic {
		panic("decoder exploded")
	}
	if err := ctx.Err(); err != nil {
		return inference.PollResult{}, err
	}
	return step.res, step.err
}

func (b *scriptedBackend) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func status(s inference.TaskStatus) pollStep { return pollStep{res: inference.PollResult{Status: s}} }

type syncBackend struct {
	out   *inference.Output
	err   error
	block bool
}

func (s *syncBackend) Name() string { return "sync" }
func (s *syncBackend) Ping(context.Context) error { return nil }

func (s *syncBackend) Run(ctx context.Context, _ inference.Payload) (inference.RunResult, error) {
	if s.block {
		<-ctx.Done()
		return inference.RunResult{}, ctx.Err()
	}
	if s.err != nil {
		return inference.RunResult{}, s.err
	}
	return inference.RunResult{Output: s.out, ProcessingTime: 3 * time.Second}, nil
}

type memLog struct {
	mu   sync.Mutex
	recs []perf.Record
}

func (m *memLog) Append(_ context.Context, r perf.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memLog) Close() error { return nil }

func (m *memLog) records() []perf.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]perf.Record(nil), m.recs...)
}

// recordingRepo keeps a snapshot of every successful write. The first
// failTerminal terminal writes fail with a transient error.
type recordingRepo struct {
	domain.JobRepository
	mu           sync.Mutex
	updates      []*domain.Job
	failTerminal int
}

func (r *recordingRepo) Update(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	if r.failTerminal > 0 && job.Status.Terminal() {
		r.failTerminal--
		r.mu.Unlock()
		return errors.New("redis: i/o timeout")
	}
	r.mu.Unlock()
	err := r.JobRepository.Update(ctx, job)
	if err == nil {
		r.mu.Lock()
		r.updates = append(r.updates, job.Clone())
		r.mu.Unlock()
	}
	return err
}

func (r *recordingRepo) snapshots() []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Job(nil), r.updates...)
}

type failingBlob struct{}

func (failingBlob) Name() string { return "broken" }
func (failingBlob) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("connection refused")
}
func (failingBlob) Get(context.Context, string) ([]byte, error) { return nil, errors.New("connection refused") }
func (failingBlob) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	o      *Orchestrator
	jobs   *recordingRepo
	perf   *memLog
	disk   *storage.DiskStore
	assets *storage.Assets
}

func newFixture(t *testing.T, backend inference.Backend, mutate ...func(*Options)) *fixture {
	t.Helper()
	disk, err := storage.NewDiskStore(t.TempDir(), "http://assets.test/static")
	require.NoError(t, err)
	fallback, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		jobs:   &recordingRepo{JobRepository: jobstore.NewMemory(time.Hour)},
		perf:   &memLog{},
		disk:   disk,
		assets: storage.NewAssets(disk, fallback, nil),
	}
	opts := Options{
		Jobs:         f.jobs,
		Assets:       f.assets,
		Backend:      backend,
		Perf:         f.perf,
		PollInterval: time.Millisecond,
		MaxAttempts:  90,
		PollTimeout:  time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.o, err = New(opts)
	require.NoError(t, err)
	f.o.writeBackoff = time.Millisecond
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.o.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitTerminal(t *testing.T, id string) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func resultServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/out.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitCompletesAndRehostsResult(t *testing.T) {
	img := pngBytes(t)
	srv := resultServer(t, img)
	backendURL := srv.URL + "/out.png"
	backend := &scriptedBackend{script: []pollStep{
		status(inference.TaskQueued),
		status(inference.TaskRunning),
		status(inference.TaskRunning),
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{URL: backendURL}}},
	}}
	f := newFixture(t, backend)

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t), Locale: "ko-KR", Country: "KR"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, "task-"+job.ID, job.TaskID)
	assert.Len(t, job.InputRefs, 4)
	for name, ref := range job.InputRefs {
		assert.Truef(t, strings.HasPrefix(ref, "http://assets.test/static/jobs/"+job.ID+"/"), "%s -> %s", name, ref)
	}

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.NotEqual(t, backendURL, final.ResultURL)
	assert.Equal(t, "http://assets.test/static/results/"+job.ID+"_result.png", final.ResultURL)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, "편집 완료", final.Progress)
	assert.Equal(t, "KR", final.Country)
	assert.Empty(t, final.Error)
	assert.Equal(t, 4, backend.pollCount())

	stored, err := os.ReadFile(filepath.Join(f.disk.Root(), "results", job.ID+"_result.png"))
	require.NoError(t, err)
	assert.Equal(t, img, stored)

	recs := f.perf.records()
	require.Len(t, recs, 2, "submission and terminal records")
	assert.False(t, recs[0].Completed)
	assert.True(t, recs[1].Completed)
	assert.True(t, recs[1].Success)
	rep := perf.Aggregate(recs)
	assert.Equal(t, 1, rep.TotalAttempts)
	assert.Equal(t, 1, rep.Completed)
}

func TestSubmitFailureFailsImmediately(t *testing.T) {
	backend := &scriptedBackend{
		submitErr: errors.New("runpod: status 500: internal server error"),
		script:    []pollStep{status(inference.TaskRunning)},
	}
	f := newFixture(t, backend)

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.FailureSubmit, job.FailureKind)
	assert.Contains(t, job.Error, "500")

	stored, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Zero(t, backend.pollCount(), "no polling after a failed submit")

	recs := f.perf.records()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestPollBudgetExhaustionTimesOut(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}}
	f := newFixture(t, backend)

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureTimeout, final.FailureKind)
	assert.Contains(t, final.Error, "timed out after 90 poll attempts")
	assert.Equal(t, 90, backend.pollCount())
}

func TestPollErrorsAreRetriedWithinBudget(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{Data: pngBytes(t), ContentType: "image/png"}}},
	}}
	f := newFixture(t, backend)

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
}

func TestTimeoutMentionsLastPollError(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{{err: errors.New("dial tcp: no route to host")}}}
	f := newFixture(t, backend, func(o *Options) { o.MaxAttempts = 3 })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.FailureTimeout, final.FailureKind)
	assert.Contains(t, final.Error, "timed out after 3 poll attempts")
	assert.Contains(t, final.Error, "no route to host")
}

func TestBackendFailureAndCancel(t *testing.T) {
	tests := []struct {
		name       string
		step       pollStep
		wantStatus domain.JobStatus
		wantKind   domain.FailureKind
		wantError  string
	}{
		{
			name:       "explicit failure",
			step:       pollStep{res: inference.PollResult{Status: inference.TaskFailed, Error: "CUDA out of memory"}},
			wantStatus: domain.JobStatusFailed,
			wantKind:   domain.FailureBackend,
			wantError:  "CUDA out of memory",
		},
		{
			name:       "failure without text",
			step:       status(inference.TaskFailed),
			wantStatus: domain.JobStatusFailed,
			wantKind:   domain.FailureBackend,
			wantError:  "backend reported failure",
		},
		{
			name:       "canceled",
			step:       status(inference.TaskCanceled),
			wantStatus: domain.JobStatusCanceled,
			wantError:  "canceled by backend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &scriptedBackend{script: []pollStep{status(inference.TaskQueued), tt.step}})
			job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
			require.NoError(t, err)
			final := f.waitTerminal(t, job.ID)
			assert.Equal(t, tt.wantStatus, final.Status)
			assert.Equal(t, tt.wantKind, final.FailureKind)
			assert.Contains(t, final.Error, tt.wantError)
			assert.Empty(t, final.ResultURL)
		})
	}
}

func TestSuccessButUnfetchable(t *testing.T) {
	srv := resultServer(t, pngBytes(t))
	backend := &scriptedBackend{script: []pollStep{
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{URL: srv.URL + "/gone.png"}}},
	}}
	f := newFixture(t, backend)

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureUnfetchable, final.FailureKind)
	assert.Contains(t, final.Error, "backend succeeded but result could not be fetched")

	recs := f.perf.records()
	last := recs[len(recs)-1]
	assert.True(t, last.Success, "backend did succeed")
	assert.False(t, last.Completed)
}

func TestSuccessWithoutOutputIsUnfetchable(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []pollStep{status(inference.TaskSucceeded)}})
	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.FailureUnfetchable, final.FailureKind)
	assert.Contains(t, final.Error, "without output")
}

func TestDegradedStoreFailsResultButNotInputs(t *testing.T) {
	fallback, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	backend := &scriptedBackend{script: []pollStep{
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{Data: pngBytes(t), ContentType: "image/png"}}},
	}}
	f := newFixture(t, backend, func(o *Options) { o.Assets = storage.NewAssets(failingBlob{}, fallback, nil) })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	for _, ref := range job.InputRefs {
		assert.True(t, storage.IsLocal(ref), ref)
	}

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureUnfetchable, final.FailureKind)
	assert.Contains(t, final.Error, "stored durably")
}

func TestRemoteBackendRejectsLocalInputs(t *testing.T) {
	fallback, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	backend := &scriptedBackend{public: true, script: []pollStep{status(inference.TaskRunning)}}
	f := newFixture(t, backend, func(o *Options) { o.Assets = storage.NewAssets(nil, fallback, nil) })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.FailureUpload, job.FailureKind)
	assert.Contains(t, job.Error, "store unavailable")
	assert.Zero(t, backend.submits)
	assert.Empty(t, f.perf.records(), "no backend call was made")
}

func TestValidationRejectsBeforeJobCreation(t *testing.T) {
	img := pngBytes(t)
	f := newFixture(t, &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}})

	uploads := []Upload{
		{Name: domain.InputSeedImage, ContentType: "image/png", Data: nil},
		{Name: domain.InputSeedMask, ContentType: "image/png", Data: []byte("plain text, not pixels")},
		{Name: domain.InputReferenceImage, ContentType: "application/pdf", Data: img},
	}
	_, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: uploads, Mode: "full_body"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file is empty", verr.Fields["seed_image"])
	assert.Contains(t, verr.Fields["seed_mask"], "not an image")
	assert.Contains(t, verr.Fields["reference_image"], "application/pdf")
	assert.Equal(t, "required", verr.Fields["reference_mask"])
	assert.Contains(t, verr.Fields, "mode")

	jobs, err := f.jobs.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestValidationSizeCeiling(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}},
		func(o *Options) { o.MaxUploadBytes = 16 })
	_, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 4)
	assert.Contains(t, verr.Fields["seed_image"], "exceeds 16 bytes")
}

func TestDriverPanicIsRecorded(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []pollStep{{panic: true}}})
	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureInternal, final.FailureKind)
	assert.Contains(t, final.Error, "decoder exploded")
}

func TestProgressIsMonotonicAndBelowHundred(t *testing.T) {
	script := []pollStep{}
	for i := 0; i < 20; i++ {
		script = append(script, status(inference.TaskRunning))
	}
	script = append(script, pollStep{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{Data: pngBytes(t)}}})
	f := newFixture(t, &scriptedBackend{script: script}, func(o *Options) { o.MaxAttempts = 30 })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	f.waitTerminal(t, job.ID)

	prev := -1
	var statuses []domain.JobStatus
	for _, snap := range f.jobs.snapshots() {
		if snap.ID != job.ID {
			continue
		}
		assert.GreaterOrEqual(t, snap.Percent, prev)
		if !snap.Status.Terminal() {
			assert.Less(t, snap.Percent, 100)
		}
		prev = snap.Percent
		statuses = append(statuses, snap.Status)
	}
	require.NotEmpty(t, statuses)
	for i := 1; i < len(statuses); i++ {
		if statuses[i] != statuses[i-1] {
			assert.True(t, domain.CanTransition(statuses[i-1], statuses[i]), "%s -> %s", statuses[i-1], statuses[i])
		}
	}
	assert.Equal(t, domain.JobStatusCompleted, statuses[len(statuses)-1])
}

func TestTerminalRecordIsNeverOverwritten(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []pollStep{
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{Data: pngBytes(t)}}},
	}})
	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)

	// job is the stale PROCESSING snapshot returned by Submit.
	for i := 0; i < 3; i++ {
		f.o.fail(context.Background(), job.Clone(), domain.FailureBackend, "stray poll", perfOutcome{})
	}
	again, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, again.Status)
	assert.Equal(t, final.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, final.ResultURL, again.ResultURL)
}

func TestSyncBackend(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		f := newFixture(t, &syncBackend{out: &inference.Output{Data: pngBytes(t), ContentType: "image/png"}})
		job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t), Mode: "face_clothes"})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, job.Status)
		assert.Equal(t, domain.TransferFaceClothes, job.Mode)
		assert.Empty(t, job.TaskID)

		final := f.waitTerminal(t, job.ID)
		assert.Equal(t, domain.JobStatusCompleted, final.Status)
		recs := f.perf.records()
		require.Len(t, recs, 1)
		assert.InDelta(t, 3.0, recs[0].ProcessingTime, 1e-9)
	})
	t.Run("fails", func(t *testing.T) {
		f := newFixture(t, &syncBackend{err: errors.New("gemini: response blocked: SAFETY")})
		job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
		require.NoError(t, err)
		final := f.waitTerminal(t, job.ID)
		assert.Equal(t, domain.FailureBackend, final.FailureKind)
		assert.Contains(t, final.Error, "SAFETY")
	})
	t.Run("times out", func(t *testing.T) {
		f := newFixture(t, &syncBackend{block: true}, func(o *Options) { o.RunTimeout = 20 * time.Millisecond })
		job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
		require.NoError(t, err)
		final := f.waitTerminal(t, job.ID)
		assert.Equal(t, domain.FailureTimeout, final.FailureKind)
	})
}

func TestRecover(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{
		{res: inference.PollResult{Status: inference.TaskSucceeded, Output: &inference.Output{Data: pngBytes(t)}}},
	}}
	f := newFixture(t, backend)
	ctx := context.Background()
	now := time.Now().UTC()

	resumable := &domain.Job{ID: "resume-me", Status: domain.JobStatusProcessing, TaskID: "t-1", Backend: "scripted", Percent: 40, CreatedAt: now, UpdatedAt: now}
	pending := &domain.Job{ID: "stuck", Status: domain.JobStatusPending, Backend: "scripted", CreatedAt: now, UpdatedAt: now}
	foreign := &domain.Job{ID: "other", Status: domain.JobStatusProcessing, TaskID: "t-2", Backend: "vmodel", CreatedAt: now, UpdatedAt: now}
	done := &domain.Job{ID: "done", Status: domain.JobStatusCompleted, Backend: "scripted", ResultURL: "http://x", CreatedAt: now, UpdatedAt: now}
	for _, j := range []*domain.Job{resumable, pending, foreign, done} {
		require.NoError(t, f.jobs.Create(ctx, j))
	}

	resumed, failed, err := f.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 2, failed)

	assert.Equal(t, domain.JobStatusCompleted, f.waitTerminal(t, "resume-me").Status)
	for _, id := range []string{"stuck", "other"} {
		j := f.waitTerminal(t, id)
		assert.Equal(t, domain.JobStatusFailed, j.Status)
		assert.Equal(t, domain.FailureInterrupted, j.FailureKind)
	}
	untouched, err := f.jobs.GetByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "http://x", untouched.ResultURL)
}

func TestShutdownInterruptsDrivers(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}}
	f := newFixture(t, backend, func(o *Options) { o.PollInterval = time.Hour })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	final, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureInterrupted, final.FailureKind)

	_, err = f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestDeletedJobStopsDriver(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}}
	f := newFixture(t, backend, func(o *Options) { o.PollInterval = 5 * time.Millisecond })

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.pollCount() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, f.jobs.Delete(context.Background(), job.ID))

	require.Eventually(t, func() bool {
		before := backend.pollCount()
		time.Sleep(30 * time.Millisecond)
		return backend.pollCount() == before
	}, 3*time.Second, time.Millisecond, "driver abandons a deleted job")
	_, err = f.jobs.GetByID(context.Background(), job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "deleted jobs are not resurrected")
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestTerminalWriteIsRetried(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{
		{res: inference.PollResult{Status: inference.TaskFailed, Error: "worker crashed"}},
	}}
	f := newFixture(t, backend)
	f.jobs.failTerminal = 1

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	final := f.waitTerminal(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.Equal(t, domain.FailureBackend, final.FailureKind)
	assert.Equal(t, 1, backend.pollCount())

	require.Eventually(t, func() bool { return len(f.perf.records()) == 2 }, time.Second, time.Millisecond)
	recs := f.perf.records()
	assert.Equal(t, string(domain.JobStatusFailed), recs[1].Status)
}

func TestUnpersistedTerminalStateEmitsNothing(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{status(inference.TaskFailed)}}
	f := newFixture(t, backend)
	f.jobs.failTerminal = terminalWriteTries

	job, err := f.o.Submit(context.Background(), SubmitRequest{Uploads: validUploads(t)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.pollCount() >= 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(ctx))

	stored, err := f.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
	recs := f.perf.records()
	require.Len(t, recs, 1, "only the submission record")
	assert.False(t, recs[0].Completed)
}

func TestFinishingDeletedJobRecordsNothing(t *testing.T) {
	f := newFixture(t, &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}})
	ctx := context.Background()
	now := time.Now().UTC()
	job := &domain.Job{ID: "removed", Status: domain.JobStatusProcessing, TaskID: "t-9", Backend: "scripted", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.jobs.Create(ctx, job))
	require.NoError(t, f.jobs.Delete(ctx, job.ID))

	f.o.fail(ctx, job, domain.FailureBackend, "late failure", perfOutcome{})

	_, err := f.jobs.GetByID(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.perf.records())
}

func TestSpawnAfterShutdownFailsJob(t *testing.T) {
	backend := &scriptedBackend{script: []pollStep{status(inference.TaskRunning)}}
	f := newFixture(t, backend)
	ctx := context.Background()
	now := time.Now().UTC()
	job := &domain.Job{ID: "late", Status: domain.JobStatusProcessing, TaskID: "t-3", Backend: "scripted", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.jobs.Create(ctx, job))

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.o.Shutdown(sctx))

	f.o.spawn(job, f.o.drive)
	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, domain.FailureInterrupted, stored.FailureKind)
	assert.Zero(t, backend.pollCount())
}
