package condition

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq         Operator = "=="
	OpNeq        Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpContains   Operator = "contains"
	OpMatches    Operator = "matches"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpExists     Operator = "exists"
	OpIn         Operator = "in"
)

var wordOperators = map[string]bool{
	string(OpContains):   true,
	string(OpMatches):    true,
	string(OpStartsWith): true,
	string(OpEndsWith):   true,
	string(OpExists):     true,
	string(OpIn):         true,
}

// compilePattern compiles a matches pattern. Patterns are unanchored.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// toFloat64 coerces a numeric value to float64. Attribute values are JSON
// decoded, so float64 is the common case.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// compare applies a binary comparison operator to two values.
func compare(op Operator, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(op, left, right), nil
	case OpContains:
		return containsOp(left, right), nil
	case OpStartsWith:
		ls, ok := left.(string)
		return ok && strings.HasPrefix(ls, fmt.Sprint(right)), nil
	case OpEndsWith:
		ls, ok := left.(string)
		return ok && strings.HasSuffix(ls, fmt.Sprint(right)), nil
	default:
		return false, errors.Newf("unknown operator: %s", op)
	}
}

// equal compares numbers by value and everything else by its string form. A
// list equals a scalar when it holds that scalar.
func equal(left, right any) bool {
	if list, ok := left.([]any); ok {
		for _, item := range list {
			if equal(item, right) {
				return true
			}
		}
		return false
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		return ok && lb == rb
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

// ordered compares numbers, and strings that both parse as RFC 3339
// timestamps chronologically. Other operand types never order.
func ordered(op Operator, left, right any) bool {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		lt, lok := asTime(left)
		rt, rok := asTime(right)
		if !lok || !rok {
			return false
		}
		lf, rf = float64(lt.UnixNano()), float64(rt.UnixNano())
	}
	switch op {
	case OpGt:
		return lf > rf
	case OpGte:
		return lf >= rf
	case OpLt:
		return lf < rf
	case OpLte:
		return lf <= rf
	}
	return false
}

func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

// containsOp is substring search on strings and membership on lists.
func containsOp(left, right any) bool {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, fmt.Sprint(right))
	case []any:
		for _, item := range l {
			if equal(item, right) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == fmt.Sprint(right) {
				return true
			}
		}
	}
	return false
}
