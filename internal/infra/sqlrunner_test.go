package infra

import (
	"errors"
	"testing"
)

func TestExtractMarker(t *testing.T) {
	query := "--sql 0b6a3c1e-7f55-4a51-9d7e-2c4f1a9b8e10\nselect 1;"
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker returned error: %v", err)
	}
	if marker != "0b6a3c1e-7f55-4a51-9d7e-2c4f1a9b8e10" {
		t.Fatalf("marker = %q", marker)
	}
	if body != "select 1;" {
		t.Fatalf("body = %q", body)
	}
}

func TestExtractMarkerRejectsUnmarkedQueries(t *testing.T) {
	for _, query := range []string{"", "select 1;", "--sql not-a-uuid\nselect 1;", "--sql 0b6a3c1e-7f55-4a51-9d7e-2c4f1a9b8e10"} {
		if _, _, err := extractMarker(query); !errors.Is(err, ErrSQLMarker) {
			t.Fatalf("extractMarker(%q) error = %v, want ErrSQLMarker", query, err)
		}
	}
}
