package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Component states reported by /health.
const (
	StateConnected     = "connected"
	StateNotConfigured = "not_configured"
	StateError         = "error"
)

const defaultHealthTimeout = 2 * time.Second

// ErrNotConfigured marks an optional dependency that is switched off.
var ErrNotConfigured = errors.New("not configured")

// HealthCheck probes one dependency. Probe returning ErrNotConfigured reports
// not_configured; a nil Probe means the component is always connected.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Health always answers 200; a failing dependency degrades the overall
// status instead. Every probe runs concurrently under its own timeout.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	timeout := a.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = map[string]componentStatus{"api": {Status: StateConnected}}
	)
	for _, check := range a.Checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := probe(r.Context(), check, timeout)
			mu.Lock()
			components[check.Name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := "ok"
	for _, c := range components {
		if c.Status == StateError {
			overall = "degraded"
			break
		}
	}
	a.json(w, http.StatusOK, healthResponse{Status: overall, Components: components, Timestamp: a.now()})
}

func probe(ctx context.Context, check HealthCheck, timeout time.Duration) componentStatus {
	if check.Probe == nil {
		return componentStatus{Status: StateConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := check.Probe(ctx)
	switch {
	case err == nil:
		return componentStatus{Status: StateConnected}
	case errors.Is(err, ErrNotConfigured):
		return componentStatus{Status: StateNotConfigured}
	default:
		return componentStatus{Status: StateError, Error: err.Error()}
	}
}
