package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hairswap/internal/domain"
	"hairswap/internal/jobstore"
	"hairswap/internal/orchestrator"
	"hairswap/internal/status"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	req  orchestrator.SubmitRequest
	job  *domain.Job
	err  error
	seen int
}

func (f *fakeSubmitter) Submit(_ context.Context, req orchestrator.SubmitRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	f.seen++
	return f.job, f.err
}

func newTestApp(t *testing.T, sub Submitter) (*App, *jobstore.Memory, http.Handler) {
	t.Helper()
	store := jobstore.NewMemory(time.Hour)
	app := &App{
		Jobs:           sub,
		Status:         status.NewService(store),
		MaxUploadBytes: 1 << 20,
		Now:            func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	r := chi.NewRouter()
	r.Post("/jobs", app.SubmitJob)
	r.Get("/jobs", app.ListJobs)
	r.Get("/jobs/{id}", app.GetJob)
	r.Delete("/jobs/{id}", app.DeleteJob)
	r.Get("/health", app.Health)
	return app, store, r
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(4, 4, color.NRGBA{R: 200, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func multipartBody(t *testing.T, files map[string][]byte, mode string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+field+`.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	if mode != "" {
		require.NoError(t, mw.WriteField("mode", mode))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func allInputs(t *testing.T) map[string][]byte {
	img := pngBytes(t)
	out := make(map[string][]byte, len(domain.InputNames))
	for _, name := range domain.InputNames {
		out[string(name)] = img
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSubmitJobAccepted(t *testing.T) {
	sub := &fakeSubmitter{job: &domain.Job{ID: "job-1", Status: domain.JobStatusProcessing, Progress: "Processing"}}
	_, _, h := newTestApp(t, sub)

	body, ctype := multipartBody(t, allInputs(t), "face_clothes")
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, "job-1", got["job_id"])
	assert.Equal(t, "PROCESSING", got["status"])
	assert.Equal(t, "Processing", got["message"])
	assert.Equal(t, EstimatedTime, got["estimated_time"])
	assert.NotContains(t, got, "error")

	assert.Len(t, sub.req.Uploads, 4)
	assert.Equal(t, "face_clothes", sub.req.Mode)
	assert.Equal(t, "en", sub.req.Locale)
	for _, up := range sub.req.Uploads {
		assert.Equal(t, "image/png", up.ContentType)
		assert.NotEmpty(t, up.Data)
	}
}

func TestSubmitJobReportsFailedStatus(t *testing.T) {
	sub := &fakeSubmitter{job: &domain.Job{ID: "job-2", Status: domain.JobStatusFailed, Error: "backend submit failed: 503"}}
	_, _, h := newTestApp(t, sub)

	body, ctype := multipartBody(t, allInputs(t), "")
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "FAILED", got["status"])
	assert.Equal(t, "backend submit failed: 503", got["error"])
}

func TestSubmitJobErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  int
		code  string
		field string
	}{
		{
			name:  "validation",
			err:   &orchestrator.ValidationError{Fields: map[string]string{"seed_mask": "required"}},
			want:  http.StatusBadRequest,
			code:  "invalid_input",
			field: "seed_mask",
		},
		{name: "shutting down", err: orchestrator.ErrShuttingDown, want: http.StatusServiceUnavailable, code: "shutting_down"},
		{name: "store", err: errors.New("redis down"), want: http.StatusInternalServerError, code: "internal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, h := newTestApp(t, &fakeSubmitter{err: tc.err})
			body, ctype := multipartBody(t, allInputs(t), "")
			req := httptest.NewRequest(http.MethodPost, "/jobs", body)
			req.Header.Set("Content-Type", ctype)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.want, rec.Code)
			got := decode(t, rec)
			assert.Equal(t, tc.code, got["error"])
			if tc.field != "" {
				fields, ok := got["fields"].(map[string]any)
				require.True(t, ok, "fields missing: %v", got)
				assert.Contains(t, fields, tc.field)
			}
		})
	}
}

func TestSubmitJobRejectsNonMultipart(t *testing.T) {
	sub := &fakeSubmitter{}
	_, _, h := newTestApp(t, sub)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{"seed_image":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sub.seen)
}

func TestSubmitJobRejectsOversizedBody(t *testing.T) {
	sub := &fakeSubmitter{}
	app, _, h := newTestApp(t, sub)
	app.MaxUploadBytes = 16

	files := allInputs(t)
	files[string(domain.InputSeedImage)] = bytes.Repeat([]byte{0x89}, 2<<20)
	body, ctype := multipartBody(t, files, "")
	req := httptest.NewRequest(http.MethodPost, "/jobs", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, sub.seen)
}

func TestGetJob(t *testing.T) {
	_, store, h := newTestApp(t, &fakeSubmitter{})
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		ID:        "abc",
		Status:    domain.JobStatusCompleted,
		Percent:   100,
		ResultURL: "https://cdn.test/results/abc_result.png",
		InputRefs: map[domain.InputName]string{domain.InputSeedImage: "local://jobs/abc/seed_image.png"},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "COMPLETED", got["status"])
	assert.EqualValues(t, 100, got["progress_percent"])
	assert.Equal(t, "https://cdn.test/results/abc_result.png", got["result_url"])
	assert.NotContains(t, got, "input_refs")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, rec.Body.String())
}

func TestListAndDeleteJobs(t *testing.T) {
	_, store, h := newTestApp(t, &fakeSubmitter{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(context.Background(), &domain.Job{ID: id, Status: domain.JobStatusPending, CreatedAt: at, UpdatedAt: at}))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs  []status.View `json:"jobs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "c", list.Jobs[0].JobID)
	assert.Equal(t, "b", list.Jobs[1].JobID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/a", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/jobs/a", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	app, _, h := newTestApp(t, &fakeSubmitter{})
	app.HealthTimeout = 50 * time.Millisecond
	app.Checks = []HealthCheck{
		{Name: "job_store", Probe: func(ctx context.Context) error { return nil }},
		{Name: "asset_store", Probe: func(ctx context.Context) error { return ErrNotConfigured }},
		{Name: "backend", Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, StateConnected, got.Components["api"].Status)
	assert.Equal(t, StateConnected, got.Components["job_store"].Status)
	assert.Equal(t, StateNotConfigured, got.Components["asset_store"].Status)
	assert.Equal(t, StateError, got.Components["backend"].Status)
	assert.NotEmpty(t, got.Components["backend"].Error)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got.Timestamp)
}

func TestHealthAllConnected(t *testing.T) {
	app, _, h := newTestApp(t, &fakeSubmitter{})
	app.Checks = []HealthCheck{{Name: "job_store"}, {Name: "backend", Probe: func(context.Context) error { return nil }}}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}
