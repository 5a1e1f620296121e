// Package perf keeps the append-only performance log of backend calls and
// derives pipeline completion rates from it.
package perf

import (
	"context"
	"errors"
	"time"
)

// Record is one logged outcome of a backend call. Success means the backend
// reported success; Completed means a result was actually produced and
// re-hosted.
type Record struct {
	RequestID       string    `json:"request_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	Completed       bool      `json:"completed"`
	ProcessingTime  float64   `json:"processing_time"`
	APIResponseTime float64   `json:"api_response_time"`
	Error           string    `json:"error,omitempty"`
	Backend         string    `json:"backend,omitempty"`
	Status          string    `json:"status,omitempty"`
}

// Log is an append-only sink for records. Implementations must be safe for
// concurrent use.
type Log interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// Source reads records back for aggregation.
type Source interface {
	Records(ctx context.Context, limit int) ([]Record, error)
}

// MultiLog fans each record out to every sink. All sinks are attempted and
// their errors joined.
type MultiLog []Log

func (m MultiLog) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, l := range m {
		if err := l.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiLog) Close() error {
	var errs []error
	for _, l := range m {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(context.Context, Record) error { return nil }
func (Discard) Close() error { return nil }

var (
	_ Log = MultiLog(nil)
	_ Log = Discard{}
)
