package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"hairswap/internal/infra"
	"hairswap/internal/perf"
)

const defaultLogPath = "performance_data/performance_log.jsonl"

// exit codes
const (
	exitPass  = 0
	exitFail  = 1
	exitUsage = 2
)

type options struct {
	file        string
	databaseURL string
	metrics     bool
	logs        bool
	summary     bool
	asJSON      bool
	limit       int
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.file, "file", envOr("PERF_LOG_PATH", defaultLogPath), "JSONL performance log to read")
	fs.StringVar(&opts.databaseURL, "database-url", "", "read records from Postgres instead of -file")
	fs.BoolVar(&opts.metrics, "metrics", false, "print completion rates and pass/fail checks (default)")
	fs.BoolVar(&opts.logs, "logs", false, "print the raw records")
	fs.BoolVar(&opts.summary, "summary", false, "print a one-line summary")
	fs.BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	fs.IntVar(&opts.limit, "limit", 0, "only consider the most recent N records (0 = all)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if opts.limit < 0 {
		fmt.Fprintln(stderr, "-limit must not be negative")
		return exitUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	records, skipped, err := loadRecords(ctx, opts)
	if err != nil {
		fmt.Fprintln(stderr, "verify:", err)
		return exitFail
	}

	if opts.logs {
		if err := writeLogs(stdout, records); err != nil {
			fmt.Fprintln(stderr, "verify:", err)
			return exitFail
		}
		return exitPass
	}

	report := perf.Aggregate(records)
	report.SkippedLines = skipped
	switch {
	case opts.asJSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintln(stderr, "verify:", err)
			return exitFail
		}
	case opts.summary:
		fmt.Fprintln(stdout, summaryLine(report))
	default:
		if err := report.WriteText(stdout); err != nil {
			fmt.Fprintln(stderr, "verify:", err)
			return exitFail
		}
	}
	if !report.Passed() {
		return exitFail
	}
	return exitPass
}

// loadRecords returns the records and, for a JSONL file, the number of
// malformed lines skipped.
func loadRecords(ctx context.Context, opts options) ([]perf.Record, int, error) {
	dbURL := strings.TrimSpace(opts.databaseURL)
	if dbURL == "" {
		path := strings.TrimSpace(opts.file)
		if path == "" {
			return nil, 0, errors.New("either -file or -database-url must be provided")
		}
		return perf.ReadJSONLFile(path, opts.limit)
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, 0, fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger := infra.NewLogger("cli", "").With().Str("cmd", "verify").Logger()
	recs, err := perf.NewPostgresLog(infra.NewSQLRunner(pool, logger)).Records(ctx, opts.limit)
	return recs, 0, err
}

func writeLogs(w io.Writer, records []perf.Record) error {
	for _, rec := range records {
		state := "ok"
		switch {
		case !rec.Success:
			state = "failed"
		case !rec.Completed:
			state = "submitted"
		}
		line := fmt.Sprintf("%s  %-9s %-36s backend=%s proc=%.2fs api=%.2fs",
			rec.Timestamp.UTC().Format(time.RFC3339), state, rec.RequestID, rec.Backend, rec.ProcessingTime, rec.APIResponseTime)
		if rec.Error != "" {
			line += "  error=" + rec.Error
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func summaryLine(r perf.Report) string {
	verdict := "FAIL"
	if r.Passed() {
		verdict = "PASS"
	}
	return fmt.Sprintf("attempts=%d successful=%d completed=%d accuracy=%.1f%% precision=%.1f%% recall=%.1f%% f1=%.1f%% avg_processing=%.1fs %s",
		r.TotalAttempts, r.Successful, r.Completed, r.Accuracy, r.Precision, r.Recall, r.F1, r.AvgProcessingTime, verdict)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
