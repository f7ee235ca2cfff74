package search

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/leadnova/leadnova/internal/observability"
)

const (
	DefaultLimit = 10
	MaxLimit     = 50
)

type RejectReason string

const (
	RejectMissingField       RejectReason = "missing_field"
	RejectColumnNotAllowed   RejectReason = "column_not_allowed"
	RejectOperatorNotAllowed RejectReason = "operator_not_allowed"
	RejectValueRequired      RejectReason = "value_required"
	RejectValueInvalid       RejectReason = "value_invalid"
	RejectMalformed          RejectReason = "malformed"
)

type Rejection struct {
	Index  int          `json:"index"`
	Column string       `json:"column"`
	Op     string       `json:"operator"`
	Reason RejectReason `json:"reason"`
}

// QuerySpec is a validated, parameter-bound statement. Every identifier in
// SQL comes from the policy and every value sits in Args.
type QuerySpec struct {
	SQL      string
	Args     []any
	Columns  []string
	Filters  []Filter
	Limit    int
	OrderBy  []string
	Rejected []Rejection
}

func (q QuerySpec) String() string {
	return fmt.Sprintf("%s -- args=%v", q.SQL, q.Args)
}

type Builder struct {
	policy *Policy
	logger *slog.Logger
}

func NewBuilder(policy *Policy, logger *slog.Logger) (*Builder, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrPolicyMisconfigured)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{policy: policy, logger: logger}, nil
}

func (b *Builder) Policy() *Policy {
	return b.policy
}

// Build validates filters and projection against the policy and assembles a
// capped, deterministically ordered SELECT. Invalid filters are dropped and
// logged, never fatal.
func (b *Builder) Build(filters []RawFilter, columns []string) (QuerySpec, error) {
	return b.BuildLimited(filters, columns, 0)
}

// BuildLimited is Build with a requested row cap. Values outside
// [1, MaxLimit] fall back to DefaultLimit or MaxLimit.
func (b *Builder) BuildLimited(filters []RawFilter, columns []string, limit int) (QuerySpec, error) {
	if b == nil || b.policy == nil {
		return QuerySpec{}, fmt.Errorf("%w: builder has no policy", ErrPolicyMisconfigured)
	}

	projection := b.projection(columns)
	accepted, rejected := b.validateFilters(filters)
	if len(rejected) > 0 {
		for _, rejection := range rejected {
			observability.IncrementFilterRejected(string(rejection.Reason))
		}
		b.logger.Warn("search filters rejected",
			slog.Int("rejected", len(rejected)),
			slog.Int("accepted", len(accepted)),
			slog.Any("rejections", rejected),
		)
	}

	spec := QuerySpec{
		Columns:  projection,
		Filters:  accepted,
		Limit:    clampLimit(limit),
		OrderBy:  b.policy.OrderColumns(),
		Rejected: rejected,
	}

	var sqlText strings.Builder
	sqlText.WriteString("SELECT ")
	for i, column := range projection {
		if i > 0 {
			sqlText.WriteString(", ")
		}
		sqlText.WriteString(quoteIdent(column))
	}
	sqlText.WriteString(" FROM ")
	sqlText.WriteString(quoteIdent(b.policy.Table()))

	args := make([]any, 0, len(accepted))
	for i, filter := range accepted {
		if i == 0 {
			sqlText.WriteString(" WHERE ")
		} else {
			sqlText.WriteString(" AND ")
		}
		sqlText.WriteString(quoteIdent(filter.Column))
		sqlText.WriteByte(' ')
		if filter.Operator.Nullary() {
			sqlText.WriteString(filter.Operator.sql())
			continue
		}
		column, _ := b.policy.Column(filter.Column)
		arg, _ := bindValue(column.Kind, filter.Operator, filter.Value)
		if flag, ok := arg.(bool); ok && !flag {
			// An unset flag counts as false.
			sqlText.WriteString("IS NOT TRUE")
			continue
		}
		sqlText.WriteString(filter.Operator.sql())
		args = append(args, arg)
		sqlText.WriteString(" $")
		sqlText.WriteString(strconv.Itoa(len(args)))
	}

	sqlText.WriteString(" ORDER BY ")
	for i, column := range spec.OrderBy {
		if i > 0 {
			sqlText.WriteString(", ")
		}
		sqlText.WriteString(quoteIdent(column))
		sqlText.WriteString(" ASC")
	}
	sqlText.WriteString(" LIMIT ")
	sqlText.WriteString(strconv.Itoa(spec.Limit))

	spec.SQL = sqlText.String()
	spec.Args = args
	return spec, nil
}

func (b *Builder) projection(columns []string) []string {
	seen := make(map[string]struct{}, len(columns))
	projection := make([]string, 0, len(columns))
	for _, name := range columns {
		column, ok := b.policy.Column(name)
		if !ok {
			continue
		}
		if _, dup := seen[column.Name]; dup {
			continue
		}
		seen[column.Name] = struct{}{}
		projection = append(projection, column.Name)
	}
	if len(projection) == 0 {
		return b.policy.DefaultProjection()
	}
	return projection
}

func (b *Builder) validateFilters(filters []RawFilter) ([]Filter, []Rejection) {
	accepted := make([]Filter, 0, len(filters))
	var rejected []Rejection
	for i, raw := range filters {
		reject := func(reason RejectReason) {
			rejected = append(rejected, Rejection{
				Index:  i,
				Column: truncate(raw.Column, 64),
				Op:     truncate(raw.Operator, 32),
				Reason: reason,
			})
		}

		if raw.Malformed {
			reject(RejectMalformed)
			continue
		}
		if strings.TrimSpace(raw.Column) == "" || strings.TrimSpace(raw.Operator) == "" {
			reject(RejectMissingField)
			continue
		}
		column, ok := b.policy.Column(raw.Column)
		if !ok {
			reject(RejectColumnNotAllowed)
			continue
		}
		op, ok := ParseOperator(raw.Operator)
		if !ok || !b.policy.IsOperatorAllowed(op) || !operatorFitsKind(op, column.Kind) {
			reject(RejectOperatorNotAllowed)
			continue
		}
		if op.Nullary() {
			accepted = append(accepted, Filter{Column: column.Name, Operator: op})
			continue
		}
		if raw.Value == nil {
			reject(RejectValueRequired)
			continue
		}
		value := strings.TrimSpace(*raw.Value)
		if _, err := bindValue(column.Kind, op, value); err != nil {
			reject(RejectValueInvalid)
			continue
		}
		accepted = append(accepted, Filter{Column: column.Name, Operator: op, Value: value})
	}
	return accepted, rejected
}

func operatorFitsKind(op Operator, kind ColumnKind) bool {
	switch kind {
	case KindText:
		return true
	case KindInteger:
		return op != OpLike
	case KindBoolean:
		return op == OpEQ || op.Nullary()
	default:
		return false
	}
}

func bindValue(kind ColumnKind, op Operator, value string) (any, error) {
	switch kind {
	case KindInteger:
		return strconv.ParseInt(value, 10, 64)
	case KindBoolean:
		return strconv.ParseBool(value)
	}
	if op == OpLike {
		return "%" + value + "%", nil
	}
	return value, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// truncate cuts value to at most max bytes without splitting a rune.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
