package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildArchivePath places an audit export under a date partition, named by
// the inclusive audit id range it covers:
// <prefix>/date=YYYY-MM-DD/audit-<first>-<last>.parquet
func BuildArchivePath(prefix string, exportedAt time.Time, firstID, lastID int64) (string, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "", fmt.Errorf("archive prefix is required")
	}
	for _, component := range strings.Split(prefix, "/") {
		if err := validatePathComponent(component, "archive prefix"); err != nil {
			return "", err
		}
	}
	if firstID <= 0 || lastID < firstID {
		return "", fmt.Errorf("invalid audit id range %d-%d", firstID, lastID)
	}

	ts := exportedAt.UTC()
	return path.Join(
		prefix,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("audit-%012d-%012d.parquet", firstID, lastID),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
