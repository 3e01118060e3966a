package condition

import "strings"

// Filter is a compiled filter expression. The zero Filter and the empty
// expression match everything.
type Filter struct {
	src  string
	expr Expr
}

// Compile parses src.
func Compile(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Filter{}, nil
	}
	expr, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return &Filter{src: src, expr: expr}, nil
}

// Match evaluates the filter against ctx.
func (f *Filter) Match(ctx EvalContext) (bool, error) {
	if f == nil || f.expr == nil {
		return true, nil
	}
	return Evaluate(f.expr, ctx)
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

// Fields is an EvalContext over nested maps, e.g. {"entity": {"type": "person"}}.
type Fields map[string]any

// Resolve implements EvalContext.
func (f Fields) Resolve(path []string) (any, bool) {
	var cur any = map[string]any(f)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
