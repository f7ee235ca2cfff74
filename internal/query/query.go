package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadnova/leadnova/internal/search"
)

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Records returns each row keyed by column name.
func (r Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

// Executor runs a built search statement. Implementations never see model
// text, only a search.QuerySpec.
type Executor interface {
	Execute(ctx context.Context, spec search.QuerySpec) (Result, error)
}

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindStatement   ErrorKind = "statement"
)

var ErrNotSelect = errors.New("only SELECT statements may be executed")

type ExecutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func NewExecutionError(kind ErrorKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Err: err}
}

// Classify wraps err into an ExecutionError, mapping deadline and
// cancellation to KindTimeout and everything else to fallback.
func Classify(err error, fallback ErrorKind) error {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewExecutionError(KindTimeout, err)
	}
	return NewExecutionError(fallback, err)
}
