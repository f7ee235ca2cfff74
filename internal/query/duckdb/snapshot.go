package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/leadnova/leadnova/internal/storage"
)

// Snapshot is an in-process DuckDB database exposing parquet objects pulled
// from object storage as a single read-only view.
type Snapshot struct {
	DB           *sql.DB
	Table        string
	Objects      int
	ScannedBytes int64

	workDir string
}

// Open downloads the parquet objects and exposes them as table. A key ending
// in "/" is a prefix and expands to every .parquet object beneath it.
func Open(ctx context.Context, store storage.ObjectStore, table string, objectKeys []string) (*Snapshot, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("table name is required")
	}
	objectKeys, err := resolveKeys(ctx, store, objectKeys)
	if err != nil {
		return nil, err
	}
	if len(objectKeys) == 0 {
		return nil, fmt.Errorf("at least one snapshot object is required")
	}

	workDir, err := os.MkdirTemp("", "leadnova-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("create snapshot temp dir: %w", err)
	}
	snapshot := &Snapshot{Table: table, workDir: workDir}

	localPaths := make([]string, 0, len(objectKeys))
	for index, key := range objectKeys {
		localPath := filepath.Join(workDir, fmt.Sprintf("part-%05d.parquet", index))
		size, err := download(ctx, store, key, localPath)
		if err != nil {
			_ = os.RemoveAll(workDir)
			return nil, err
		}
		localPaths = append(localPaths, localPath)
		snapshot.ScannedBytes += size
	}
	snapshot.Objects = len(localPaths)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(table), quoteStringArray(localPaths))
	if _, err := db.ExecContext(ctx, viewSQL); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("create view for table %q: %w", table, err)
	}
	snapshot.DB = db
	return snapshot, nil
}

func (s *Snapshot) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	if s.DB != nil {
		closeErr = s.DB.Close()
	}
	if err := os.RemoveAll(s.workDir); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

func resolveKeys(ctx context.Context, store storage.ObjectStore, objectKeys []string) ([]string, error) {
	resolved := make([]string, 0, len(objectKeys))
	for _, key := range objectKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !strings.HasSuffix(key, "/") {
			resolved = append(resolved, key)
			continue
		}
		objects, err := store.List(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list snapshot prefix %q: %w", key, err)
		}
		for _, object := range objects {
			if strings.HasSuffix(object.Key, ".parquet") {
				resolved = append(resolved, object.Key)
			}
		}
	}
	return resolved, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) (int64, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	defer func() { _ = file.Close() }()

	size, err := io.Copy(file, reader)
	if err != nil {
		return 0, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return size, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
