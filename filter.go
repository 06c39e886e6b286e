package pondsync

import (
	"strings"
)

// Operator is a comparison used by a filter condition.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpIn  Operator = "in"
)

// Condition compares one column of a row against a value. For OpIn the value is a
// comma separated list.
type Condition struct {
	Column string   `json:"column"`
	Op     Operator `json:"op"`
	Value  string   `json:"value"`
}

// Filter is a conjunction of conditions. The zero Filter matches every row.
// Its textual form is "col=op.value&col=op.value", e.g. "conversation_id=eq.42".
type Filter []Condition

// Eq starts a filter with an equality condition.
func Eq(column, value string) Filter {
	return Filter{{Column: column, Op: OpEq, Value: value}}
}

// Eq appends an equality condition.
func (f Filter) Eq(column, value string) Filter {
	return f.with(Condition{Column: column, Op: OpEq, Value: value})
}

// Neq appends an inequality condition.
func (f Filter) Neq(column, value string) Filter {
	return f.with(Condition{Column: column, Op: OpNeq, Value: value})
}

// In appends a membership condition.
func (f Filter) In(column string, values ...string) Filter {
	return f.with(Condition{Column: column, Op: OpIn, Value: strings.Join(values, ",")})
}

func (f Filter) with(c Condition) Filter {
	out := make(Filter, len(f), len(f)+1)
	copy(out, f)
	return append(out, c)
}

// String renders the filter in its textual form.
func (f Filter) String() string {
	if len(f) == 0 {
		return ""
	}
	parts := make([]string, len(f))
	for i, c := range f {
		parts[i] = c.Column + "=" + string(c.Op) + "." + c.Value
	}
	return strings.Join(parts, "&")
}

// ParseFilter parses the textual filter form. An empty string yields an empty filter.
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var out Filter
	for _, part := range strings.Split(expr, "&") {
		column, rest, ok := strings.Cut(part, "=")
		if !ok || column == "" {
			return nil, badRequest("", "malformed filter condition: "+part)
		}
		op, value, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, badRequest("", "filter condition has no operator: "+part)
		}
		switch Operator(op) {
		case OpEq, OpNeq, OpIn:
		default:
			return nil, badRequest("", "unsupported filter operator: "+op)
		}
		out = append(out, Condition{Column: column, Op: Operator(op), Value: value})
	}
	return out, nil
}

// Match reports whether the row satisfies every condition.
func (f Filter) Match(row Row) bool {
	for _, c := range f {
		actual := row.String(c.Column)
		switch c.Op {
		case OpEq:
			if actual != c.Value {
				return false
			}
		case OpNeq:
			if actual == c.Value {
				return false
			}
		case OpIn:
			found := false
			for _, v := range strings.Split(c.Value, ",") {
				if v == actual {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}
