package perf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONLLog appends one JSON object per line. Each record is written with a
// single write call on an O_APPEND descriptor while holding the mutex.
type JSONLLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONLLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("perf: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("perf: open log: %w", err)
	}
	return &JSONLLog{path: path, f: f}, nil
}

func (l *JSONLLog) Path() string { return l.path }

func (l *JSONLLog) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("perf: encode record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("perf: log closed")
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("perf: append: %w", err)
	}
	return nil
}

// Records reads the file back. limit keeps the newest records when positive.
func (l *JSONLLog) Records(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, _, err := ReadJSONLFile(l.path, limit)
	return recs, err
}

func (l *JSONLLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// ReadJSONLFile reads every record in path.
func ReadJSONLFile(path string, limit int) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("perf: open log: %w", err)
	}
	defer f.Close()
	return ReadJSONL(f, limit)
}

// ReadJSONL decodes newline-delimited records and returns them with the
// number of malformed lines skipped, such as a line torn by a crash mid-append.
// Blank lines are ignored.
func ReadJSONL(r io.Reader, limit int) ([]Record, int, error) {
	var (
		out     []Record
		skipped int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("perf: read log: %w", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, skipped, nil
}

var (
	_ Log    = (*JSONLLog)(nil)
	_ Source = (*JSONLLog)(nil)
)
