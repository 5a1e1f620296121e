package perf

import (
	"context"
	"fmt"

	"hairswap/internal/infra"
	"hairswap/internal/sqlinline"
)

// PostgresLog stores records in the performance_records table.
type PostgresLog struct {
	db infra.SQLExecutor
}

func NewPostgresLog(db infra.SQLExecutor) *PostgresLog {
	return &PostgresLog{db: db}
}

// EnsureSchema creates the table and index when missing.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{sqlinline.QPerfEnsureTable, sqlinline.QPerfEnsureIndex} {
		if _, err := l.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("perf: ensure schema: %w", err)
		}
	}
	return nil
}

func (l *PostgresLog) Append(ctx context.Context, rec Record) error {
	_, err := l.db.Exec(ctx, sqlinline.QPerfInsert,
		rec.RequestID, rec.TaskID, rec.Timestamp, rec.Success, rec.Completed,
		rec.ProcessingTime, rec.APIResponseTime, rec.Error, rec.Backend, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("perf: insert record: %w", err)
	}
	return nil
}

// Records returns the newest limit records in chronological order, or all of
// them when limit is not positive.
func (l *PostgresLog) Records(ctx context.Context, limit int) ([]Record, error) {
	var arg any
	if limit > 0 {
		arg = int64(limit)
	}
	rows, err := l.db.Query(ctx, sqlinline.QPerfListRecent, arg)
	if err != nil {
		return nil, fmt.Errorf("perf: list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.RequestID, &rec.TaskID, &rec.Timestamp, &rec.Success, &rec.Completed,
			&rec.ProcessingTime, &rec.APIResponseTime, &rec.Error, &rec.Backend, &rec.Status,
		); err != nil {
			return nil, fmt.Errorf("perf: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("perf: list records: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (l *PostgresLog) Close() error { return nil }

var (
	_ Log    = (*PostgresLog)(nil)
	_ Source = (*PostgresLog)(nil)
)
