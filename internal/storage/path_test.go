package storage

import (
	"testing"
	"time"
)

func TestBuildArchivePath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 23, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildArchivePath("/audit/", ts, 101, 250)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	want := "audit/date=2026-02-20/audit-000000000101-000000000250.parquet"
	if key != want {
		t.Fatalf("BuildArchivePath() = %q, want %q", key, want)
	}
}

func TestBuildArchivePathAllowsNestedPrefix(t *testing.T) {
	key, err := BuildArchivePath("exports/audit", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), 1, 1)
	if err != nil {
		t.Fatalf("BuildArchivePath() error = %v", err)
	}
	if key != "exports/audit/date=2026-01-02/audit-000000000001-000000000001.parquet" {
		t.Fatalf("BuildArchivePath() = %q", key)
	}
}

func TestBuildArchivePathRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		prefix string
		first  int64
		last   int64
	}{
		{name: "traversal", prefix: "../oops", first: 1, last: 2},
		{name: "empty prefix", prefix: " ", first: 1, last: 2},
		{name: "zero first id", prefix: "audit", first: 0, last: 2},
		{name: "inverted range", prefix: "audit", first: 5, last: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildArchivePath(tc.prefix, time.Now(), tc.first, tc.last); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
