// Package status is the read-only view of job records served to callers.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hairswap/internal/domain"
)

const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// View is the caller-facing projection of a job. Input references and other
// internal fields are never exposed.
type View struct {
	JobID       string              `json:"job_id"`
	Status      domain.JobStatus    `json:"status"`
	Progress    string              `json:"progress,omitempty"`
	Percent     int                 `json:"progress_percent"`
	Mode        domain.TransferMode `json:"mode,omitempty"`
	Backend     string              `json:"backend,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	ResultURL   string              `json:"result_url,omitempty"`
	Error       string              `json:"error,omitempty"`
	FailureKind domain.FailureKind  `json:"failure_kind,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// NewView projects job.
func NewView(job *domain.Job) View {
	return View{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Percent:     job.Percent,
		Mode:        job.Mode,
		Backend:     job.Backend,
		TaskID:      job.TaskID,
		ResultURL:   job.ResultURL,
		Error:       job.Error,
		FailureKind: job.FailureKind,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		FinishedAt:  job.FinishedAt,
	}
}

// Service answers status queries without side effects.
type Service struct {
	jobs domain.JobRepository
}

func NewService(jobs domain.JobRepository) *Service {
	return &Service{jobs: jobs}
}

// Get returns the view of jobID, or an error wrapping domain.ErrNotFound when
// the job never existed or has expired.
func (s *Service) Get(ctx context.Context, jobID string) (View, error) {
	if jobID == "" {
		return View{}, fmt.Errorf("status: empty job id: %w", domain.ErrNotFound)
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return View{}, err
		}
		return View{}, fmt.Errorf("status: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return NewView(job), nil
}

// List returns the most recently updated jobs. limit is clamped to
// [1, MaxListLimit] and defaults to DefaultListLimit.
func (s *Service) List(ctx context.Context, limit int) ([]View, error) {
	limit = ClampLimit(limit)
	jobs, err := s.jobs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("status: %w: %v", domain.ErrStoreUnavailable, err)
	}
	views := make([]View, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewView(j))
	}
	return views, nil
}

// Delete removes a job record. Running drivers notice on their next write.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	err := s.jobs.Delete(ctx, jobID)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("status: %w: %v", domain.ErrStoreUnavailable, err)
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
