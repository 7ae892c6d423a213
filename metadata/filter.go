package metadata

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator for filtering.
type Operator string

const (
	// OpEqual represents the equality operator.
	OpEqual Operator = "eq"
	// OpNotEqual represents the inequality operator.
	OpNotEqual Operator = "ne"
	// OpGreaterThan represents the greater than operator.
	OpGreaterThan Operator = "gt"
	// OpGreaterEqual represents the greater than or equal operator.
	OpGreaterEqual Operator = "gte"
	// OpLessThan represents the less than operator.
	OpLessThan Operator = "lt"
	// OpLessEqual represents the less than or equal operator.
	OpLessEqual Operator = "lte"
	// OpIn represents the in list operator.
	OpIn Operator = "in"
	// OpContains represents the contains substring operator.
	OpContains Operator = "contains"
)

// ParseOperator validates an operator name received at the engine boundary.
func ParseOperator(s string) (Operator, error) {
	switch Operator(s) {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterEqual,
		OpLessThan, OpLessEqual, OpIn, OpContains:
		return Operator(s), nil
	default:
		return "", fmt.Errorf("unrecognized filter operator %q", s)
	}
}

// Filter represents a single metadata filter condition.
type Filter struct {
	Key      string
	Operator Operator
	Value    Value
}

// FilterSet represents a set of filters that must all match (AND logic).
type FilterSet struct {
	Filters []Filter
}

// NewFilterSet creates a new filter set.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Eq builds an equality filter.
func Eq(key string, value Value) Filter {
	return Filter{Key: key, Operator: OpEqual, Value: value}
}

// Matches checks if the provided metadata matches this filter.
func (f *Filter) Matches(doc Document) bool {
	value, exists := doc[f.Key]
	if !exists {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpGreaterThan:
		return compareGreater(value, f.Value)
	case OpGreaterEqual:
		return compareGreater(value, f.Value) || compareEqual(value, f.Value)
	case OpLessThan:
		return compareLess(value, f.Value)
	case OpLessEqual:
		return compareLess(value, f.Value) || compareEqual(value, f.Value)
	case OpIn:
		return compareIn(value, f.Value)
	case OpContains:
		return compareContains(value, f.Value)
	default:
		return false
	}
}

// Matches checks if the provided metadata matches all filters in the set.
func (fs *FilterSet) Matches(doc Document) bool {
	for i := range fs.Filters {
		if !fs.Filters[i].Matches(doc) {
			return false
		}
	}
	return true
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull && b.Kind == KindNull {
		return true
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}

	if isNumber(a) && isNumber(b) {
		// Prefer exact int compare when possible.
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return asFloat64(a) == asFloat64(b)
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindString:
		return a.S == b.S
	case KindBool:
		return a.B == b.B
	case KindArray:
		if len(a.A) != len(b.A) {
			return false
		}
		for i := range a.A {
			if !compareEqual(a.A[i], b.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareGreater(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) > asFloat64(b)
}

func compareLess(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	return asFloat64(a) < asFloat64(b)
}

func compareIn(a, b Value) bool {
	if b.Kind != KindArray {
		return false
	}
	for _, item := range b.A {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}

func compareContains(a, b Value) bool {
	if a.Kind == KindArray {
		for _, item := range a.A {
			if compareEqual(item, b) {
				return true
			}
		}
		return false
	}
	if a.Kind != KindString || b.Kind != KindString {
		return false
	}
	return strings.Contains(a.S, b.S)
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func asFloat64(v Value) float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	default:
		return 0
	}
}
