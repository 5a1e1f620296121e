package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hairswap/internal/domain"
)

type memoryEntry struct {
	job     *domain.Job
	expires time.Time
}

// Memory is a process-local store with the same semantics as Redis. It is
// used when no Redis URL is configured and in tests.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	jobs map[string]memoryEntry
}

// NewMemory returns an empty store whose records expire after ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{ttl: ttl, now: time.Now, jobs: make(map[string]memoryEntry)}
}

// lookup returns the live entry for id, evicting it when expired. Callers hold mu.
func (m *Memory) lookup(id string) (memoryEntry, bool) {
	e, ok := m.jobs[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expires) {
		delete(m.jobs, id)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) Create(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(job.ID); ok {
		return fmt.Errorf("jobstore: job %s: %w", job.ID, domain.ErrDuplicateOperation)
	}
	m.jobs[job.ID] = memoryEntry{job: job.Clone(), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Update(ctx context.Context, job *domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.lookup(job.ID)
	if !ok {
		return fmt.Errorf("jobstore: job %s: %w", job.ID, domain.ErrNotFound)
	}
	if current.job.Status.Terminal() {
		return fmt.Errorf("jobstore: job %s: %w", job.ID, domain.ErrTerminal)
	}
	m.jobs[job.ID] = memoryEntry{job: job.Clone(), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(jobID)
	if !ok {
		return nil, fmt.Errorf("jobstore: job %s: %w", jobID, domain.ErrNotFound)
	}
	return e.job.Clone(), nil
}

func (m *Memory) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	jobs := make([]*domain.Job, 0, len(m.jobs))
	for id := range m.jobs {
		if e, ok := m.lookup(id); ok {
			jobs = append(jobs, e.job.Clone())
		}
	}
	m.mu.Unlock()
	return newestFirst(jobs, limit), nil
}

func (m *Memory) Delete(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(jobID); !ok {
		return fmt.Errorf("jobstore: job %s: %w", jobID, domain.ErrNotFound)
	}
	delete(m.jobs, jobID)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ domain.JobRepository = (*Memory)(nil)
