// Package archive exports the audit trail to parquet in object storage,
// tracking progress with a watermark so each record is exported once.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/leadnova/leadnova/internal/memory"
	"github.com/leadnova/leadnova/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

type Source interface {
	ListAfter(ctx context.Context, afterID int64, limit int) ([]memory.AuditRecord, error)
	Watermark(ctx context.Context, name string) (int64, error)
	SetWatermark(ctx context.Context, name string, lastID int64, at time.Time) error
}

type Config struct {
	Interval         time.Duration
	BatchSize        int
	Prefix           string
	WatermarkName    string
	MaxBatchesPerRun int
	// SettleDelay holds back records younger than this, so a transaction
	// that commits a lower id late is not skipped by the watermark.
	SettleDelay time.Duration
}

type Service struct {
	Source      Source
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
	NewExportID func() string
}

type Summary struct {
	Batches    int      `json:"batches"`
	Records    int64    `json:"records"`
	Bytes      int64    `json:"bytes"`
	FromID     int64    `json:"from_id"`
	ToID       int64    `json:"to_id"`
	Reused     int      `json:"reused"`
	ObjectKeys []string `json:"object_keys"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunOnce(ctx)
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "audit archive cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil && summary.Batches > 0 {
				s.Logger.InfoContext(ctx, "audit archive cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// RunOnce exports pending records in batches until caught up or the batch
// budget is spent. The watermark only advances after the object is stored;
// a retried batch lands on the same key and is not uploaded twice.
func (s *Service) RunOnce(ctx context.Context) (Summary, error) {
	s.ensureDefaults()
	if s.Source == nil {
		return Summary{}, fmt.Errorf("audit source is required")
	}
	if s.ObjectStore == nil {
		return Summary{}, fmt.Errorf("object store is required")
	}

	lastID, err := s.Source.Watermark(ctx, s.Config.WatermarkName)
	if err != nil {
		archiveRunsTotal.WithLabelValues("error").Inc()
		return Summary{}, err
	}
	summary := Summary{FromID: lastID, ToID: lastID, ObjectKeys: make([]string, 0)}

	for summary.Batches < s.Config.MaxBatchesPerRun {
		if err := ctx.Err(); err != nil {
			archiveRunsTotal.WithLabelValues("cancelled").Inc()
			return summary, err
		}
		records, err := s.Source.ListAfter(ctx, lastID, s.Config.BatchSize)
		if err != nil {
			archiveRunsTotal.WithLabelValues("error").Inc()
			return summary, err
		}
		fetched := len(records)
		records = settled(records, s.Clock().Add(-s.Config.SettleDelay))
		if len(records) == 0 {
			break
		}

		key, size, reused, err := s.exportBatch(ctx, records)
		if err != nil {
			archiveRunsTotal.WithLabelValues("error").Inc()
			return summary, err
		}
		lastID = records[len(records)-1].ID
		if err := s.Source.SetWatermark(ctx, s.Config.WatermarkName, lastID, s.Clock()); err != nil {
			archiveRunsTotal.WithLabelValues("error").Inc()
			return summary, err
		}

		summary.Batches++
		summary.Records += int64(len(records))
		summary.Bytes += size
		summary.ToID = lastID
		summary.ObjectKeys = append(summary.ObjectKeys, key)
		if reused {
			summary.Reused++
		}
		archiveRecordsTotal.Add(float64(len(records)))
		archiveBytesTotal.Add(float64(size))
		archiveLastID.Set(float64(lastID))

		if fetched < s.Config.BatchSize || len(records) < fetched {
			break
		}
	}

	archiveRunsTotal.WithLabelValues("success").Inc()
	return summary, nil
}

// settled returns the leading records created before cutoff. Ids and
// creation times rise together, so the first young record ends the batch.
func settled(records []memory.AuditRecord, cutoff time.Time) []memory.AuditRecord {
	for i, record := range records {
		if !record.CreatedAt.Before(cutoff) {
			return records[:i]
		}
	}
	return records
}

// exportBatch uploads one batch unless an earlier attempt already stored
// it. Partitioning by the first record's day keeps the key stable across
// retries.
func (s *Service) exportBatch(ctx context.Context, records []memory.AuditRecord) (string, int64, bool, error) {
	first, last := records[0].ID, records[len(records)-1].ID
	key, err := storage.BuildArchivePath(s.Config.Prefix, records[0].CreatedAt, first, last)
	if err != nil {
		return "", 0, false, err
	}

	info, err := s.ObjectStore.Stat(ctx, key)
	switch {
	case err == nil:
		if s.Logger != nil {
			s.Logger.InfoContext(ctx, "audit archive object already stored", slog.String("key", key), slog.Int64("size", info.Size))
		}
		return key, info.Size, true, nil
	case !errors.Is(err, storage.ErrObjectNotFound):
		return "", 0, false, fmt.Errorf("stat audit archive %q: %w", key, err)
	}

	encoded, err := EncodeAuditRecords(s.NewExportID(), records)
	if err != nil {
		return "", 0, false, err
	}
	if _, err := s.ObjectStore.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{ContentType: parquetContentType}); err != nil {
		return "", 0, false, fmt.Errorf("upload audit archive %q: %w", key, err)
	}
	return key, int64(len(encoded.Data)), false, nil
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.NewExportID == nil {
		s.NewExportID = uuid.NewString
	}
	if s.Config.Interval <= 0 {
		s.Config.Interval = 15 * time.Minute
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 5000
	}
	if s.Config.Prefix == "" {
		s.Config.Prefix = "audit"
	}
	if s.Config.WatermarkName == "" {
		s.Config.WatermarkName = "audit_parquet"
	}
	if s.Config.MaxBatchesPerRun <= 0 {
		s.Config.MaxBatchesPerRun = 20
	}
	if s.Config.SettleDelay <= 0 {
		s.Config.SettleDelay = time.Minute
	}
}
