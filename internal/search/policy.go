package search

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrPolicyMisconfigured = errors.New("search policy is misconfigured")

type ColumnKind string

const (
	KindText    ColumnKind = "text"
	KindInteger ColumnKind = "integer"
	KindBoolean ColumnKind = "boolean"
)

type Column struct {
	Name        string
	Kind        ColumnKind
	Description string
}

// Policy is the closed set of identifiers and operators the builder will
// ever place into a statement. It is immutable after construction.
type Policy struct {
	table      string
	columns    map[string]Column
	ordered    []Column
	operators  map[Operator]struct{}
	projection []string
	orderBy    []string
}

type PolicyConfig struct {
	Table             string
	Columns           []Column
	Operators         []Operator
	DefaultProjection []string
	OrderBy           []string
}

func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrPolicyMisconfigured)
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("%w: at least one column is required", ErrPolicyMisconfigured)
	}
	if len(cfg.Operators) == 0 {
		return nil, fmt.Errorf("%w: at least one operator is required", ErrPolicyMisconfigured)
	}
	if len(cfg.DefaultProjection) == 0 {
		return nil, fmt.Errorf("%w: default projection is required", ErrPolicyMisconfigured)
	}
	if len(cfg.OrderBy) == 0 {
		return nil, fmt.Errorf("%w: order columns are required", ErrPolicyMisconfigured)
	}

	policy := &Policy{
		table:     table,
		columns:   make(map[string]Column, len(cfg.Columns)),
		ordered:   make([]Column, 0, len(cfg.Columns)),
		operators: make(map[Operator]struct{}, len(cfg.Operators)),
	}
	for _, column := range cfg.Columns {
		key := normalizeIdentifier(column.Name)
		if key == "" {
			return nil, fmt.Errorf("%w: empty column name", ErrPolicyMisconfigured)
		}
		if _, exists := policy.columns[key]; exists {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrPolicyMisconfigured, column.Name)
		}
		switch column.Kind {
		case KindText, KindInteger, KindBoolean:
		default:
			return nil, fmt.Errorf("%w: column %q has unknown kind %q", ErrPolicyMisconfigured, column.Name, column.Kind)
		}
		column.Name = key
		policy.columns[key] = column
		policy.ordered = append(policy.ordered, column)
	}
	for _, op := range cfg.Operators {
		if !op.valid() {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrPolicyMisconfigured, op)
		}
		policy.operators[op] = struct{}{}
	}
	for _, name := range cfg.DefaultProjection {
		key := normalizeIdentifier(name)
		if _, ok := policy.columns[key]; !ok {
			return nil, fmt.Errorf("%w: default projection column %q is not allowed", ErrPolicyMisconfigured, name)
		}
		policy.projection = append(policy.projection, key)
	}
	for _, name := range cfg.OrderBy {
		key := normalizeIdentifier(name)
		if _, ok := policy.columns[key]; !ok {
			return nil, fmt.Errorf("%w: order column %q is not allowed", ErrPolicyMisconfigured, name)
		}
		policy.orderBy = append(policy.orderBy, key)
	}
	return policy, nil
}

func (p *Policy) Table() string {
	return p.table
}

func (p *Policy) IsColumnAllowed(name string) bool {
	_, ok := p.Column(name)
	return ok
}

// Column returns the allowlisted spelling and kind for name.
func (p *Policy) Column(name string) (Column, bool) {
	if p == nil {
		return Column{}, false
	}
	column, ok := p.columns[normalizeIdentifier(name)]
	return column, ok
}

func (p *Policy) IsOperatorAllowed(op Operator) bool {
	if p == nil {
		return false
	}
	_, ok := p.operators[op]
	return ok
}

func (p *Policy) DefaultProjection() []string {
	return append([]string(nil), p.projection...)
}

func (p *Policy) OrderColumns() []string {
	return append([]string(nil), p.orderBy...)
}

func (p *Policy) Columns() []Column {
	return append([]Column(nil), p.ordered...)
}

func (p *Policy) ColumnNames() []string {
	names := make([]string, 0, len(p.ordered))
	for _, column := range p.ordered {
		names = append(names, column.Name)
	}
	return names
}

func (p *Policy) Operators() []Operator {
	ops := make([]Operator, 0, len(p.operators))
	for op := range p.operators {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Describe renders the allowlist as a compact schema listing for prompts.
func (p *Policy) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s\n", p.table)
	for _, column := range p.ordered {
		fmt.Fprintf(&b, "- %s (%s)", column.Name, column.Kind)
		if column.Description != "" {
			fmt.Fprintf(&b, ": %s", column.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultPolicy is the curated profile_data allowlist.
func DefaultPolicy() *Policy {
	policy, err := NewPolicy(PolicyConfig{
		Table: "profile_data",
		Columns: []Column{
			{Name: "profile_id", Kind: KindInteger, Description: "stable profile identifier"},
			{Name: "person_full_name", Kind: KindText},
			{Name: "person_first_name", Kind: KindText},
			{Name: "person_last_name", Kind: KindText},
			{Name: "person_profile_headline", Kind: KindText},
			{Name: "job_title", Kind: KindText},
			{Name: "job_title_role", Kind: KindText, Description: "functional area, e.g. engineering, sales"},
			{Name: "job_title_levels", Kind: KindText, Description: "seniority, e.g. cxo, director, manager"},
			{Name: "organization_name", Kind: KindText},
			{Name: "organization_domain", Kind: KindText},
			{Name: "organization_industries", Kind: KindText},
			{Name: "organization_size", Kind: KindText, Description: "employee range, e.g. 51-200"},
			{Name: "organization_email", Kind: KindText},
			{Name: "organization_email_status", Kind: KindText, Description: "valid, invalid or unknown"},
			{Name: "organization_phone", Kind: KindText},
			{Name: "organization_location_city", Kind: KindText},
			{Name: "organization_location_country", Kind: KindText},
			{Name: "organization_linkedin_url", Kind: KindText},
			{Name: "person_email", Kind: KindText},
			{Name: "person_email_status", Kind: KindText},
			{Name: "person_mobile", Kind: KindText},
			{Name: "person_phone", Kind: KindText},
			{Name: "person_linkedin_url", Kind: KindText},
			{Name: "person_location_city", Kind: KindText},
			{Name: "person_location_state", Kind: KindText},
			{Name: "person_location_country", Kind: KindText},
			{Name: "person_skills", Kind: KindText, Description: "comma separated skills"},
			{Name: "person_industries", Kind: KindText},
			{Name: "confidence_score", Kind: KindInteger, Description: "0-100 data quality score"},
			{Name: "is_unsubscribed", Kind: KindBoolean},
		},
		Operators: []Operator{OpEQ, OpLike, OpGT, OpLT, OpIsNull, OpIsNotNull},
		DefaultProjection: []string{
			"person_full_name",
			"job_title",
			"organization_name",
			"organization_email",
			"person_mobile",
			"person_location_country",
		},
		OrderBy: []string{"person_full_name", "profile_id"},
	})
	if err != nil {
		panic(err)
	}
	return policy
}
