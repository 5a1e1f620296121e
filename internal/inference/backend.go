// Package inference defines the contracts every hairstyle-transfer backend
// satisfies. Remote services that queue work implement Async and are polled
// by the orchestrator; in-process or blocking services implement Sync.
package inference

import (
	"context"
	"errors"
	"time"

	"hairswap/internal/domain"
)

// TaskStatus is the backend-neutral state of a submitted task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether the backend will not change the task again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCanceled
}

// Payload is the normalized job handed to a backend.
type Payload struct {
	JobID  string
	Inputs map[domain.InputName]string
	Mode   domain.TransferMode
}

// Input returns the reference of the named input.
func (p Payload) Input(name domain.InputName) string {
	return p.Inputs[name]
}

// Output is what a backend produced. Either URL or Data is set.
type Output struct {
	URL         string
	Data        []byte
	ContentType string
}

// Empty reports whether the output carries no result.
func (o *Output) Empty() bool {
	return o == nil || (o.URL == "" && len(o.Data) == 0)
}

// Timing reports how long the backend call itself took, as opposed to the
// end-to-end latency of the job.
type Timing struct {
	APIResponseTime time.Duration
}

// Submission is the result of handing a payload to an Async backend.
type Submission struct {
	TaskID string
	Timing Timing
}

// PollResult is one observation of a task.
type PollResult struct {
	Status TaskStatus
	Output *Output
	Error  string
	// ProcessingTime is the backend-reported execution time, when known.
	ProcessingTime time.Duration
	Timing         Timing
}

// RunResult is the output of a Sync backend.
type RunResult struct {
	Output         *Output
	ProcessingTime time.Duration
	Timing         Timing
}

// Backend is the part shared by every variant.
type Backend interface {
	Name() string
	// Ping reports whether the backend is reachable. Backends without a
	// health endpoint return nil when configured.
	Ping(ctx context.Context) error
}

// Async backends accept work and are polled until the task is terminal. Each
// call performs a single round trip and honours ctx deadlines.
type Async interface {
	Backend
	Submit(ctx context.Context, p Payload) (Submission, error)
	Poll(ctx context.Context, taskID string) (PollResult, error)
}

// Sync backends block until the result is available.
type Sync interface {
	Backend
	Run(ctx context.Context, p Payload) (RunResult, error)
}

// PublicInputs is implemented by backends that fetch inputs over the network
// on their own.
type PublicInputs interface {
	RequiresPublicInputs() bool
}

// NeedsPublicInputs reports whether b cannot resolve local:// references.
func NeedsPublicInputs(b Backend) bool {
	p, ok := b.(PublicInputs)
	return ok && p.RequiresPublicInputs()
}

// ErrNotConfigured is returned by Ping when a backend lacks credentials.
var ErrNotConfigured = errors.New("inference: backend not configured")

// Since measures an API call started at start.
func Since(start time.Time) Timing {
	return Timing{APIResponseTime: time.Since(start)}
}
