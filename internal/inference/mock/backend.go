// Package mock provides an in-process Async backend for development. Tasks
// report starting, then processing for a configured number of polls, then
// succeed with a rendered placeholder image.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"hairswap/internal/inference"
)

const (
	taskPrefix = "mock-"
	retention  = 10 * time.Minute
)

type task struct {
	polls    int
	finished time.Time
}

// Backend is a development stand-in for a remote serverless endpoint.
type Backend struct {
	mu    sync.Mutex
	polls int
	tasks map[string]*task
	now   func() time.Time
}

// New returns a backend whose tasks succeed on poll number polls+1. Finished
// tasks keep answering succeeded for a retention window.
func New(polls int) *Backend {
	if polls < 0 {
		polls = 0
	}
	return &Backend{polls: polls, tasks: make(map[string]*task), now: time.Now}
}

func (b *Backend) Name() string { return "mock" }

func (b *Backend) Ping(ctx context.Context) error { return ctx.Err() }

func (b *Backend) Submit(ctx context.Context, p inference.Payload) (inference.Submission, error) {
	if err := ctx.Err(); err != nil {
		return inference.Submission{}, err
	}
	id := taskPrefix + uuid.NewString()
	b.mu.Lock()
	b.sweepLocked()
	b.tasks[id] = &task{}
	b.mu.Unlock()
	return inference.Submission{TaskID: id}, nil
}

// Poll advances the task by one poll. A mock task id this process does not
// know was issued before a restart and is reported as succeeded.
func (b *Backend) Poll(ctx context.Context, taskID string) (inference.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return inference.PollResult{}, err
	}
	b.mu.Lock()
	b.sweepLocked()
	t, ok := b.tasks[taskID]
	seen := b.polls
	if ok {
		seen = t.polls
		t.polls++
		if seen >= b.polls && t.finished.IsZero() {
			t.finished = b.now()
		}
	}
	b.mu.Unlock()
	if !ok && !strings.HasPrefix(taskID, taskPrefix) {
		return inference.PollResult{}, fmt.Errorf("mock: unknown task %q", taskID)
	}

	switch {
	case seen == 0 && b.polls > 0:
		return inference.PollResult{Status: inference.TaskQueued}, nil
	case seen < b.polls:
		return inference.PollResult{Status: inference.TaskRunning}, nil
	}

	data, err := render(taskID)
	if err != nil {
		return inference.PollResult{}, err
	}
	return inference.PollResult{
		Status: inference.TaskSucceeded,
		Output: &inference.Output{Data: data, ContentType: "image/png"},
	}, nil
}

// sweepLocked forgets tasks finished longer than the retention window ago.
// Callers hold mu.
func (b *Backend) sweepLocked() {
	cutoff := b.now().Add(-retention)
	for id, t := range b.tasks {
		if !t.finished.IsZero() && t.finished.Before(cutoff) {
			delete(b.tasks, id)
		}
	}
}

func render(seed string) ([]byte, error) {
	var sum byte
	for i := 0; i < len(seed); i++ {
		sum += seed[i]
	}
	img := imaging.New(256, 256, color.NRGBA{R: sum, G: 128, B: 255 - sum, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("mock: render: %w", err)
	}
	return buf.Bytes(), nil
}

var _ inference.Async = (*Backend)(nil)
