package perf

import (
	"fmt"
	"io"
	"strconv"
)

// Thresholds a report must meet to pass. Rates are percentages.
const (
	MinRatePercent       = 75.0
	MaxAvgProcessingSecs = 60.0
)

// Dedupe keeps one record per attempt. Records are grouped by TaskID, then by
// RequestID; a record with neither is its own group. Within a group the latest
// completed record wins, otherwise the latest record. Groups keep the order in
// which they first appear.
func Dedupe(records []Record) []Record {
	index := make(map[string]int)
	var out []Record
	for i, rec := range records {
		key := groupKey(rec, i)
		at, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, rec)
			continue
		}
		if prefer(rec, out[at]) {
			out[at] = rec
		}
	}
	return out
}

func groupKey(rec Record, i int) string {
	switch {
	case rec.TaskID != "":
		return "task:" + rec.TaskID
	case rec.RequestID != "":
		return "request:" + rec.RequestID
	default:
		return "index:" + strconv.Itoa(i)
	}
}

// prefer reports whether candidate should replace current. Later records win
// ties because logs are appended in order.
func prefer(candidate, current Record) bool {
	if candidate.Completed != current.Completed {
		return candidate.Completed
	}
	return !candidate.Timestamp.Before(current.Timestamp)
}

// Report holds pipeline completion rates. Accuracy, Precision, Recall and F1
// keep their historical names but measure how often the pipeline produced a
// result, not model quality against ground truth.
type Report struct {
	RawRecords         int     `json:"raw_records"`
	SkippedLines       int     `json:"skipped_lines,omitempty"`
	TotalAttempts      int     `json:"total_attempts"`
	Successful         int     `json:"successful"`
	Completed          int     `json:"completed"`
	Accuracy           float64 `json:"accuracy"`
	Precision          float64 `json:"precision"`
	Recall             float64 `json:"recall"`
	F1                 float64 `json:"f1_score"`
	AvgProcessingTime  float64 `json:"avg_processing_time"`
	AvgAPIResponseTime float64 `json:"avg_api_response_time"`
}

// Aggregate deduplicates records and computes the report.
func Aggregate(records []Record) Report {
	attempts := Dedupe(records)
	r := Report{RawRecords: len(records), TotalAttempts: len(attempts)}

	var procSum, apiSum float64
	var apiN int
	for _, rec := range attempts {
		if rec.Success {
			r.Successful++
			procSum += rec.ProcessingTime
		}
		if rec.Completed {
			r.Completed++
		}
		if rec.APIResponseTime > 0 {
			apiSum += rec.APIResponseTime
			apiN++
		}
	}

	if r.TotalAttempts > 0 {
		r.Accuracy = float64(r.Successful) / float64(r.TotalAttempts) * 100
		r.Recall = float64(r.Completed) / float64(r.TotalAttempts) * 100
	}
	if r.Successful > 0 {
		r.Precision = float64(r.Completed) / float64(r.Successful) * 100
		r.AvgProcessingTime = procSum / float64(r.Successful)
	}
	if r.Precision > 0 && r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	if apiN > 0 {
		r.AvgAPIResponseTime = apiSum / float64(apiN)
	}
	return r
}

// Check is one pass/fail criterion of a report.
type Check struct {
	Name      string
	Value     float64
	Threshold float64
	Passed    bool
}

func (r Report) Checks() []Check {
	rate := func(name string, v float64) Check {
		return Check{Name: name, Value: v, Threshold: MinRatePercent, Passed: v >= MinRatePercent}
	}
	return []Check{
		rate("accuracy", r.Accuracy),
		rate("precision", r.Precision),
		rate("recall", r.Recall),
		rate("f1_score", r.F1),
		{
			Name:      "avg_processing_time",
			Value:     r.AvgProcessingTime,
			Threshold: MaxAvgProcessingSecs,
			Passed:    r.AvgProcessingTime <= MaxAvgProcessingSecs,
		},
	}
}

// Passed reports whether every check passes. An empty report never passes.
func (r Report) Passed() bool {
	if r.TotalAttempts == 0 {
		return false
	}
	for _, c := range r.Checks() {
		if !c.Passed {
			return false
		}
	}
	return true
}

// WriteText prints the report for operators.
func (r Report) WriteText(w io.Writer) error {
	mark := func(ok bool) string {
		if ok {
			return "PASS"
		}
		return "FAIL"
	}
	lines := []string{
		fmt.Sprintf("records: %d raw, %d attempts after dedupe", r.RawRecords, r.TotalAttempts),
	}
	if r.SkippedLines > 0 {
		lines = append(lines, fmt.Sprintf("skipped: %d malformed lines", r.SkippedLines))
	}
	lines = append(lines,
		fmt.Sprintf("successful: %d  completed: %d", r.Successful, r.Completed),
		"pipeline completion rates (not model quality):",
	)
	for _, c := range r.Checks() {
		if c.Name == "avg_processing_time" {
			lines = append(lines, fmt.Sprintf("  %-20s %7.1fs  (<= %.0fs) %s", c.Name, c.Value, c.Threshold, mark(c.Passed)))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %-20s %7.1f%%  (>= %.0f%%) %s", c.Name, c.Value, c.Threshold, mark(c.Passed)))
	}
	lines = append(lines,
		fmt.Sprintf("  %-20s %7.2fs", "avg_api_response", r.AvgAPIResponseTime),
		"overall: "+mark(r.Passed()),
	)
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}
