package condition

import (
	"strconv"
	"strings"
)

// Grammar, lowest precedence first:
//
//	filter    = and { "OR" and }
//	and       = unary { "AND" unary }
//	unary     = "NOT" unary | "(" filter ")" | predicate
//	predicate = operand ( cmpop operand | "exists" | "in" list )
//	list      = "[" [ literal { "," literal } ] "]"
//
// Keywords and word operators are case-insensitive.
type parser struct {
	lex *lexer
	tok item
}

// Parse parses src into an expression tree. Errors are *SyntaxError.
func Parse(src string) (Expr, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	x, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != itemEOF {
		return nil, syntaxErr(p.tok.pos, "unexpected %s after expression", p.tok)
	}
	return x, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (Expr, error) {
	return p.parseLogical(Or, "OR", p.parseAnd)
}

func (p *parser) parseAnd() (Expr, error) {
	return p.parseLogical(And, "AND", p.parseUnary)
}

func (p *parser) parseLogical(op LogicalOp, kw string, operand func() (Expr, error)) (Expr, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for p.tok.keyword(kw) {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	switch {
	case p.tok.keyword("NOT"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	case p.tok.kind == itemLParen:
		open := p.tok.pos
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != itemRParen {
			return nil, syntaxErr(p.tok.pos, "missing ) for ( at offset %d", open)
		}
		return x, p.advance()
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	at := p.tok
	var op Operator
	switch {
	case at.kind == itemOp:
		op = Operator(at.text)
	case at.kind == itemIdent && wordOperators[strings.ToLower(at.text)]:
		op = Operator(strings.ToLower(at.text))
	default:
		return nil, syntaxErr(at.pos, "expected comparison operator, got %s", at)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	switch op {
	case OpExists:
		f, ok := left.(Field)
		if !ok {
			return nil, syntaxErr(at.pos, "exists applies to a field path")
		}
		return &Exists{Field: f}, nil
	case OpIn:
		set, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &In{Left: left, Set: set}, nil
	}

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	cmp := &Compare{Left: left, Op: op, Right: right}
	if op == OpMatches {
		lit, ok := right.(Literal)
		pattern, isString := lit.Value.(string)
		if !ok || !isString {
			return nil, syntaxErr(at.pos, "matches needs a string pattern")
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, syntaxErr(at.pos, "matches: %v", err)
		}
		cmp.re = re
	}
	return cmp, nil
}

func (p *parser) parseList() ([]any, error) {
	if p.tok.kind != itemLBracket {
		return nil, syntaxErr(p.tok.pos, "in needs a [list], got %s", p.tok)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var set []any
	for p.tok.kind != itemRBracket {
		if len(set) > 0 {
			if p.tok.kind != itemComma {
				return nil, syntaxErr(p.tok.pos, "expected , or ] in list, got %s", p.tok)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		op, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		lit, ok := op.(Literal)
		if !ok {
			return nil, syntaxErr(p.tok.pos, "list items must be literals")
		}
		set = append(set, lit.Value)
	}
	return set, p.advance()
}

func (p *parser) parseOperand() (Operand, error) {
	tok := p.tok
	var op Operand
	switch tok.kind {
	case itemString:
		op = Literal{Value: tok.text}
	case itemNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, syntaxErr(tok.pos, "invalid number %q", tok.text)
		}
		op = Literal{Value: f}
	case itemIdent:
		switch {
		case tok.keyword("true"):
			op = Literal{Value: true}
		case tok.keyword("false"):
			op = Literal{Value: false}
		default:
			op = Field{Path: strings.Split(tok.text, ".")}
		}
	default:
		return nil, syntaxErr(tok.pos, "expected operand, got %s", tok)
	}
	return op, p.advance()
}
