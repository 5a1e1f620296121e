// Package worker serves the hairstyle-transfer pipeline behind the serverless
// queue protocol the runpod backend speaks: run, status and health routes
// under an endpoint id, with tasks executed on a bounded pool.
package worker

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hairswap/internal/domain"
	"hairswap/internal/inference"
	"hairswap/internal/infra"
	"hairswap/internal/metrics"
	"hairswap/internal/storage"
)

// Task states reported by the status route.
const (
	StateQueued     = "IN_QUEUE"
	StateInProgress = "IN_PROGRESS"
	StateCompleted  = "COMPLETED"
	StateFailed     = "FAILED"
	StateCancelled  = "CANCELLED"
)

const (
	defaultConcurrency = 2
	defaultRetention   = time.Hour
	defaultTaskTimeout = 5 * time.Minute
)

// Input is the body of a run request.
type Input struct {
	JobID             string `json:"job_id"`
	SeedImageURL      string `json:"seed_image_url"`
	SeedMaskURL       string `json:"seed_mask_url"`
	ReferenceImageURL string `json:"reference_image_url"`
	ReferenceMaskURL  string `json:"reference_mask_url"`
	Mode              string `json:"mode,omitempty"`
}

type runRequest struct {
	Input Input `json:"input"`
}

// Output is the handler result carried by a COMPLETED task.
type Output struct {
	Status         string  `json:"status"`
	ResultURL      string  `json:"result_url,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
	Error          string  `json:"error,omitempty"`
}

type statusResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Output        *Output `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime int64   `json:"executionTime,omitempty"`
	DelayTime     int64   `json:"delayTime,omitempty"`
}

type task struct {
	id       string
	input    Input
	state    string
	output   *Output
	err      string
	queued   time.Time
	started  time.Time
	finished time.Time
}

// Options configures a Server. Runner and Assets are required.
type Options struct {
	EndpointID  string
	APIKey      string
	Runner      inference.Sync
	Assets      *storage.Assets
	Concurrency int
	Retention   time.Duration
	TaskTimeout time.Duration
	Logger      *infra.Logger
	Now         func() time.Time
}

type Server struct {
	endpoint    string
	apiKey      string
	runner      inference.Sync
	assets      *storage.Assets
	retention   time.Duration
	taskTimeout time.Duration
	logger      *infra.Logger
	now         func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	running int
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Runner == nil || opts.Assets == nil {
		return nil, errors.New("worker: runner and assets are required")
	}
	s := &Server{
		endpoint:    strings.TrimSpace(opts.EndpointID),
		apiKey:      strings.TrimSpace(opts.APIKey),
		runner:      opts.Runner,
		assets:      opts.Assets,
		retention:   opts.Retention,
		taskTimeout: opts.TaskTimeout,
		logger:      opts.Logger,
		now:         opts.Now,
		tasks:       make(map[string]*task),
	}
	if s.endpoint == "" {
		s.endpoint = "local"
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	s.slots = make(chan struct{}, concurrency)
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.taskTimeout <= 0 {
		s.taskTimeout = defaultTaskTimeout
	}
	if s.logger == nil {
		s.logger = infra.NopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Handler returns the HTTP routes of the endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/"+s.endpoint, func(r chi.Router) {
		r.Use(s.authorize)
		r.Post("/run", s.handleRun)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	return r
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		if scheme, token, ok := strings.Cut(got, " "); ok && strings.EqualFold(scheme, "Bearer") {
			got = strings.TrimSpace(token)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if missing := req.Input.missing(); len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing input: " + strings.Join(missing, ", ")})
		return
	}

	t := &task{id: uuid.NewString(), input: req.Input, state: StateQueued, queued: s.now()}
	if t.input.JobID == "" {
		t.input.JobID = t.id
	}
	// Shutdown cancels under mu, so no task is added once Wait may be running.
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "worker is shutting down"})
		return
	}
	s.sweepLocked()
	s.tasks[t.id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(t)

	s.logger.Info().Str("task_id", t.id).Str("job_id", t.input.JobID).Msg("worker: task queued")
	writeJSON(w, http.StatusOK, statusResponse{ID: t.id, Status: StateQueued})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	s.sweepLocked()
	t, ok := s.tasks[id]
	var resp statusResponse
	if ok {
		resp = t.view()
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Workers struct {
		Idle    int `json:"idle"`
		Running int `json:"running"`
	} `json:"workers"`
	Jobs struct {
		InQueue    int `json:"inQueue"`
		InProgress int `json:"inProgress"`
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
	} `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp healthResponse
	s.mu.Lock()
	s.sweepLocked()
	resp.Workers.Running = s.running
	resp.Workers.Idle = cap(s.slots) - s.running
	for _, t := range s.tasks {
		switch t.state {
		case StateQueued:
			resp.Jobs.InQueue++
		case StateInProgress:
			resp.Jobs.InProgress++
		case StateCompleted:
			resp.Jobs.Completed++
		default:
			resp.Jobs.Failed++
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// execute waits for a pool slot, runs the pipeline and uploads the result.
func (s *Server) execute(t *task) {
	defer s.wg.Done()

	metrics.WorkerQueueDepth.Inc()
	select {
	case s.slots <- struct{}{}:
		metrics.WorkerQueueDepth.Dec()
	case <-s.ctx.Done():
		metrics.WorkerQueueDepth.Dec()
		s.settle(t, StateCancelled, nil, "worker shut down before the task started")
		return
	}
	defer func() { <-s.slots }()

	s.mu.Lock()
	t.state = StateInProgress
	t.started = s.now()
	s.running++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.taskTimeout)
	defer cancel()
	out := s.process(ctx, t.input)
	if s.ctx.Err() != nil && out.Status != "success" {
		s.settle(t, StateCancelled, nil, "worker shut down during processing")
		return
	}
	s.settle(t, StateCompleted, out, "")
}

// process runs one transfer. Pipeline and storage failures are reported in
// the output with status "error"; the task itself still completes.
func (s *Server) process(ctx context.Context, in Input) (out *Output) {
	log := s.logger.With().Str("job_id", in.JobID).Logger()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker: pipeline panicked")
			out = &Output{Status: "error", Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	mode, ok := domain.ParseTransferMode(in.Mode)
	if !ok {
		return &Output{Status: "error", Error: fmt.Sprintf("unsupported mode %q", in.Mode)}
	}
	res, err := s.runner.Run(ctx, inference.Payload{JobID: in.JobID, Inputs: in.refs(), Mode: mode})
	if err != nil {
		log.Warn().Err(err).Msg("worker: pipeline failed")
		return &Output{Status: "error", Error: inference.Summarize(err.Error())}
	}
	if res.Output == nil || len(res.Output.Data) == 0 {
		return &Output{Status: "error", Error: "pipeline produced no image"}
	}

	obj, err := s.assets.Upload(ctx, storage.ResultKey(in.JobID, "image/png"), res.Output.Data, "image/png")
	if err != nil {
		log.Warn().Err(err).Msg("worker: result upload failed")
		return &Output{Status: "error", Error: "result upload failed: " + inference.Summarize(err.Error())}
	}
	if !obj.Durable {
		return &Output{Status: "error", Error: "result could not be stored durably: " + inference.Summarize(obj.Cause.Error())}
	}
	elapsed := time.Since(started)
	log.Info().Str("result_url", obj.URL).Dur("took", elapsed).Msg("worker: transfer finished")
	return &Output{
		Status:         "success",
		ResultURL:      obj.URL,
		ProcessingTime: elapsed.Seconds(),
		Timestamp:      s.now().UTC().Format(time.RFC3339),
	}
}

func (s *Server) settle(t *task, state string, out *Output, errText string) {
	s.mu.Lock()
	t.state = state
	t.output = out
	t.err = errText
	t.finished = s.now()
	s.mu.Unlock()

	label := state
	if out != nil && out.Status == "error" {
		label = "error"
	}
	metrics.WorkerTasksTotal.WithLabelValues(strings.ToLower(label)).Inc()
}

// sweepLocked drops finished tasks older than the retention window. Callers hold mu.
func (s *Server) sweepLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, t := range s.tasks {
		if !t.finished.IsZero() && t.finished.Before(cutoff) {
			delete(s.tasks, id)
		}
	}
}

// Shutdown stops accepting tasks, cancels running ones and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) view() statusResponse {
	resp := statusResponse{ID: t.id, Status: t.state, Output: t.output, Error: t.err}
	if !t.started.IsZero() {
		resp.DelayTime = t.started.Sub(t.queued).Milliseconds()
		if !t.finished.IsZero() {
			resp.ExecutionTime = t.finished.Sub(t.started).Milliseconds()
		}
	}
	return resp
}

func (in Input) refs() map[domain.InputName]string {
	return map[domain.InputName]string{
		domain.InputSeedImage:      in.SeedImageURL,
		domain.InputSeedMask:       in.SeedMaskURL,
		domain.InputReferenceImage: in.ReferenceImageURL,
		domain.InputReferenceMask:  in.ReferenceMaskURL,
	}
}

func (in Input) missing() []string {
	var out []string
	for _, name := range domain.InputNames {
		if strings.TrimSpace(in.refs()[name]) == "" {
			out = append(out, string(name)+"_url")
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
