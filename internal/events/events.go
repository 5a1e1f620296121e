// Package events publishes job lifecycle transitions to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"hairswap/internal/domain"
)

// Event is the payload published on every persisted status transition.
type Event struct {
	JobID       string             `json:"job_id"`
	Status      domain.JobStatus   `json:"status"`
	Backend     string             `json:"backend"`
	TaskID      string             `json:"task_id,omitempty"`
	ResultURL   string             `json:"result_url,omitempty"`
	Error       string             `json:"error,omitempty"`
	FailureKind domain.FailureKind `json:"failure_kind,omitempty"`
	At          time.Time          `json:"at"`
}

// FromJob builds the event describing job's current state.
func FromJob(job *domain.Job) Event {
	return Event{
		JobID:       job.ID,
		Status:      job.Status,
		Backend:     job.Backend,
		TaskID:      job.TaskID,
		ResultURL:   job.ResultURL,
		Error:       job.Error,
		FailureKind: job.FailureKind,
		At:          job.UpdatedAt,
	}
}

// Publisher emits lifecycle events. Publishing is best effort and never
// affects the job itself.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() {}

// NATS publishes to "<prefix>.<status>" in lower case, e.g. hairswap.jobs.completed.
type NATS struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials url with unlimited reconnects.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("hairswap-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect: %w", err)
	}
	if prefix == "" {
		prefix = "hairswap.jobs"
	}
	return &NATS{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event with the given status is published on.
func Subject(prefix string, status domain.JobStatus) string {
	return prefix + "." + strings.ToLower(string(status))
}

func (p *NATS) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.PublishJSON(Subject(p.prefix, ev.Status), ev)
}

func (p *NATS) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, b)
}

// Conn exposes the underlying connection for health checks.
func (p *NATS) Conn() *nats.Conn { return p.nc }

func (p *NATS) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*NATS)(nil)
)
