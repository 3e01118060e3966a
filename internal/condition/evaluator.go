package condition

import (
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
)

// EvalContext provides the values field paths resolve to.
type EvalContext interface {
	Resolve(path []string) (any, bool)
}

// Evaluate reports whether ctx satisfies x. AND and OR short-circuit.
func Evaluate(x Expr, ctx EvalContext) (bool, error) {
	switch x := x.(type) {
	case *Logical:
		left, err := Evaluate(x.Left, ctx)
		if err != nil {
			return false, err
		}
		if (x.Op == And && !left) || (x.Op == Or && left) {
			return left, nil
		}
		return Evaluate(x.Right, ctx)
	case *Not:
		v, err := Evaluate(x.X, ctx)
		return !v && err == nil, err
	case *Exists:
		_, ok := value(x.Field, ctx)
		return ok, nil
	case *In:
		left, ok := value(x.Left, ctx)
		if !ok {
			return false, nil
		}
		for _, want := range x.Set {
			if equal(left, want) {
				return true, nil
			}
		}
		return false, nil
	case *Compare:
		left, ok := value(x.Left, ctx)
		if !ok {
			return false, nil
		}
		right, ok := value(x.Right, ctx)
		if !ok {
			return false, nil
		}
		if x.Op == OpMatches {
			s, ok := left.(string)
			return ok && x.re.MatchString(s), nil
		}
		return compare(x.Op, left, right)
	}
	return false, errors.Newf("condition: unknown expression %T", x)
}

// value resolves an operand. Absent and null fields report false.
func value(op Operand, ctx EvalContext) (any, bool) {
	switch o := op.(type) {
	case Literal:
		return o.Value, true
	case Field:
		v, ok := ctx.Resolve(o.Path)
		return v, ok && v != nil
	}
	return nil, false
}
