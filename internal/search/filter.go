package search

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Operator string

const (
	OpEQ        Operator = "EQ"
	OpLike      Operator = "LIKE"
	OpGT        Operator = "GT"
	OpLT        Operator = "LT"
	OpIsNull    Operator = "IS_NULL"
	OpIsNotNull Operator = "IS_NOT_NULL"
)

var operatorAliases = map[string]Operator{
	"EQ":          OpEQ,
	"=":           OpEQ,
	"==":          OpEQ,
	"LIKE":        OpLike,
	"GT":          OpGT,
	">":           OpGT,
	"LT":          OpLT,
	"<":           OpLT,
	"IS_NULL":     OpIsNull,
	"IS NULL":     OpIsNull,
	"IS_NOT_NULL": OpIsNotNull,
	"IS NOT NULL": OpIsNotNull,
}

// ParseOperator accepts the canonical names case-insensitively plus the SQL
// spellings models tend to emit.
func ParseOperator(raw string) (Operator, bool) {
	key := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	op, ok := operatorAliases[key]
	return op, ok
}

func (op Operator) valid() bool {
	switch op {
	case OpEQ, OpLike, OpGT, OpLT, OpIsNull, OpIsNotNull:
		return true
	default:
		return false
	}
}

// Nullary reports whether the operator takes no value.
func (op Operator) Nullary() bool {
	return op == OpIsNull || op == OpIsNotNull
}

func (op Operator) sql() string {
	switch op {
	case OpEQ:
		return "="
	case OpLike:
		return "ILIKE"
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	default:
		return ""
	}
}

// RawFilter is an untrusted filter descriptor as emitted by the model.
// Malformed marks an entry that could not be decoded; the builder rejects
// it instead of failing the whole argument list.
type RawFilter struct {
	Column    string  `json:"column"`
	Operator  string  `json:"operator"`
	Value     *string `json:"value,omitempty"`
	Malformed bool    `json:"-"`
}

// UnmarshalJSON tolerates numeric and boolean values, which models emit for
// score and flag columns. It never fails: an entry that is not an object,
// has non-string column or operator, or carries a composite value is kept
// as Malformed.
func (f *RawFilter) UnmarshalJSON(data []byte) error {
	*f = RawFilter{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		f.Malformed = true
		return nil
	}
	if !decodeString(fields["column"], &f.Column) || !decodeString(fields["operator"], &f.Operator) {
		f.Malformed = true
		return nil
	}

	value := bytes.TrimSpace(fields["value"])
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return nil
	}
	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			f.Malformed = true
			return nil
		}
		f.Value = &s
	case '{', '[':
		f.Malformed = true
	default:
		s := string(value)
		f.Value = &s
	}
	return nil
}

func decodeString(raw json.RawMessage, dst *string) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	return json.Unmarshal(raw, dst) == nil
}

// Filter is a descriptor that passed the policy.
type Filter struct {
	Column   string   `json:"column"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
}

func StringValue(s string) *string {
	return &s
}
