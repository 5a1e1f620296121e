// Package handlers implements the REST surface of the job service.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"hairswap/internal/domain"
	"hairswap/internal/infra"
	"hairswap/internal/orchestrator"
	"hairswap/internal/status"
)

// Submitter starts jobs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*domain.Job, error)
}

// App carries the dependencies shared by every handler.
type App struct {
	Jobs   Submitter
	Status *status.Service
	Checks []HealthCheck
	Logger *infra.Logger

	MaxUploadBytes int64
	HealthTimeout  time.Duration
	Now            func() time.Time
}

func (a *App) logger() *infra.Logger {
	if a.Logger == nil {
		return infra.NopLogger()
	}
	return a.Logger
}

func (a *App) now() time.Time {
	if a.Now == nil {
		return time.Now().UTC()
	}
	return a.Now().UTC()
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errCode, Message: message})
}
