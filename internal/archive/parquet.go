package archive

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/leadnova/leadnova/internal/memory"
)

type EncodeResult struct {
	Data         []byte
	RecordCount  int64
	FirstID      int64
	LastID       int64
	MinCreatedAt time.Time
	MaxCreatedAt time.Time
}

type parquetAudit struct {
	ExportID        string `parquet:"export_id"`
	AuditID         int64  `parquet:"audit_id"`
	UserID          string `parquet:"user_id"`
	SessionID       string `parquet:"session_id"`
	ActionType      string `parquet:"action_type"`
	UserQuery       string `parquet:"user_query"`
	QuerySpec       string `parquet:"query_spec,optional"`
	ResultSummary   string `parquet:"result_summary,optional"`
	FinalResponse   string `parquet:"final_response,optional"`
	CreatedAtUnixMs int64  `parquet:"created_at_unix_ms"`
}

// EncodeAuditRecords writes records, which must be in ascending id order,
// as a single parquet file tagged with exportID.
func EncodeAuditRecords(exportID string, records []memory.AuditRecord) (EncodeResult, error) {
	if len(records) == 0 {
		return EncodeResult{}, fmt.Errorf("records are required")
	}

	rows := make([]parquetAudit, 0, len(records))
	result := EncodeResult{FirstID: records[0].ID, LastID: records[0].ID}
	for i, record := range records {
		if i > 0 && record.ID <= records[i-1].ID {
			return EncodeResult{}, fmt.Errorf("audit records out of order at id %d", record.ID)
		}
		rows = append(rows, parquetAudit{
			ExportID:        exportID,
			AuditID:         record.ID,
			UserID:          record.UserID,
			SessionID:       record.SessionID,
			ActionType:      string(record.ActionType),
			UserQuery:       record.UserQuery,
			QuerySpec:       record.QuerySpec,
			ResultSummary:   record.ResultSummary,
			FinalResponse:   record.FinalResponse,
			CreatedAtUnixMs: record.CreatedAt.UTC().UnixMilli(),
		})

		result.LastID = record.ID
		createdAt := record.CreatedAt.UTC()
		if result.MinCreatedAt.IsZero() || createdAt.Before(result.MinCreatedAt) {
			result.MinCreatedAt = createdAt
		}
		if createdAt.After(result.MaxCreatedAt) {
			result.MaxCreatedAt = createdAt
		}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetAudit](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	result.Data = buf.Bytes()
	result.RecordCount = int64(len(rows))
	return result, nil
}
