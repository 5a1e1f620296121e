package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hairswap/internal/domain"
	"hairswap/internal/middleware"
	"hairswap/internal/orchestrator"
)

// EstimatedTime is the advertised turnaround for a submitted job.
const EstimatedTime = "30-60s"

const multipartMemory = 32 << 20

type submitResponse struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	Message       string           `json:"message"`
	EstimatedTime string           `json:"estimated_time"`
	Error         string           `json:"error,omitempty"`
}

type listResponse struct {
	Jobs  any `json:"jobs"`
	Count int `json:"count"`
}

// SubmitJob accepts the four transfer images as multipart parts and starts a
// job. Upload and backend failures surface as a FAILED status in the 202 body.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	maxPart := a.MaxUploadBytes
	if maxPart <= 0 {
		maxPart = orchestrator.DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(len(domain.InputNames))*maxPart+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploads, err := readUploads(r.MultipartForm, maxPart)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req := orchestrator.SubmitRequest{
		Uploads: uploads,
		Locale:  middleware.LocaleFromContext(r.Context()),
		Country: middleware.CountryFromContext(r.Context()),
	}
	if modes := r.MultipartForm.Value["mode"]; len(modes) > 0 {
		req.Mode = modes[0]
	}

	job, err := a.Jobs.Submit(r.Context(), req)
	if err != nil {
		var invalid *orchestrator.ValidationError
		switch {
		case errors.As(err, &invalid):
			a.json(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "one or more inputs were rejected", Fields: invalid.Fields})
		case errors.Is(err, orchestrator.ErrShuttingDown):
			a.error(w, http.StatusServiceUnavailable, "shutting_down", "service is shutting down")
		default:
			a.logger().Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("submit job failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}
	a.json(w, http.StatusAccepted, submitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		Message:       job.Progress,
		EstimatedTime: EstimatedTime,
		Error:         job.Error,
	})
}

// readUploads reads every file part, keeping at most maxPart+1 bytes so
// oversized parts are still reported by validation.
func readUploads(form *multipart.Form, maxPart int64) ([]orchestrator.Upload, error) {
	var uploads []orchestrator.Upload
	for field, headers := range form.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", field, err)
			}
			data, err := io.ReadAll(io.LimitReader(f, maxPart+1))
			_ = f.Close()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", field, err)
			}
			uploads = append(uploads, orchestrator.Upload{
				Name:        domain.InputName(field),
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}
	return uploads, nil
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := a.Status.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, view)
}

// ListJobs returns the most recently updated jobs, newest first.
func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	views, err := a.Status.List(r.Context(), limit)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, listResponse{Jobs: views, Count: len(views)})
}

func (a *App) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Status.Delete(r.Context(), id); err != nil {
		a.storeError(w, r, err)
		return
	}
	a.logger().Info().Str("job_id", id).Str("admin", middleware.SubjectFromContext(r.Context())).Msg("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "")
		return
	}
	a.logger().Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("job store request failed")
	a.error(w, http.StatusServiceUnavailable, "store_unavailable", "job store is unavailable")
}
