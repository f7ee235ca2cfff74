package sqlexec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/leadnova/leadnova/internal/observability"
	"github.com/leadnova/leadnova/internal/query"
	"github.com/leadnova/leadnova/internal/search"
)

const DefaultTimeout = 30 * time.Second

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Executor runs search statements on any database/sql pool that accepts
// $n placeholders (pgx and DuckDB both do).
type Executor struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

func New(db *sql.DB, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{db: db, timeout: opts.Timeout, logger: opts.Logger}
}

func (e *Executor) Execute(ctx context.Context, spec search.QuerySpec) (query.Result, error) {
	if e.db == nil {
		return query.Result{}, query.NewExecutionError(query.KindUnavailable, fmt.Errorf("database is not configured"))
	}
	if err := ensureSelect(spec.SQL); err != nil {
		return query.Result{}, query.NewExecutionError(query.KindStatement, err)
	}

	start := time.Now()
	result, err := e.execute(ctx, spec)
	elapsed := time.Since(start)
	observability.ObserveSearchExecution(len(result.Rows), err, elapsed)
	if err != nil {
		e.logger.ErrorContext(ctx, "search execution failed",
			slog.String("error", observability.Mask(err.Error())),
			slog.String("duration", elapsed.String()),
		)
		return query.Result{}, err
	}
	result.Duration = elapsed
	e.logger.InfoContext(ctx, "search executed",
		slog.Int("rows", len(result.Rows)),
		slog.String("duration", elapsed.String()),
	)
	return result, nil
}

func (e *Executor) execute(ctx context.Context, spec search.QuerySpec) (query.Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.logger.DebugContext(ctx, "executing search",
		slog.String("sql", spec.SQL),
		slog.Any("args", spec.Args),
	)

	rows, err := e.db.QueryContext(queryCtx, spec.SQL, spec.Args...)
	if err != nil {
		return query.Result{}, classify(queryCtx, fmt.Errorf("execute search: %w", err))
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, classify(queryCtx, fmt.Errorf("search columns: %w", err))
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, classify(queryCtx, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, classify(queryCtx, fmt.Errorf("iterate rows: %w", err))
	}
	return query.Result{Columns: columns, Rows: resultRows}, nil
}

func ensureSelect(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "SELECT ") {
		return query.ErrNotSelect
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", query.ErrNotSelect)
	}
	return nil
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return query.NewExecutionError(query.KindTimeout, errors.Join(ctxErr, err))
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return query.NewExecutionError(query.KindUnavailable, err)
	}
	return query.Classify(err, query.KindStatement)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
