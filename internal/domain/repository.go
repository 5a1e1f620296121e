package domain

import "context"

// JobRepository persists job records with a bounded retention window.
type JobRepository interface {
	// Create stores a new job and fails with ErrDuplicateOperation if the id exists.
	Create(ctx context.Context, job *Job) error
	// Update overwrites an existing job. It returns ErrNotFound when the record
	// expired or was deleted and ErrTerminal when the stored record is terminal.
	Update(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// ListRecent returns up to limit jobs ordered by UpdatedAt, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
	Delete(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}
