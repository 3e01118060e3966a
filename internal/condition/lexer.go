package condition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SyntaxError reports where a filter failed to parse.
type SyntaxError struct {
	Pos int // byte offset into the source
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("filter syntax error at offset %d: %s", e.Pos, e.Msg)
}

func syntaxErr(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

type itemKind int

const (
	itemEOF itemKind = iota
	itemIdent
	itemString
	itemNumber
	itemOp // == != >= <= > <
	itemLParen
	itemRParen
	itemLBracket
	itemRBracket
	itemComma
)

type item struct {
	kind itemKind
	text string
	pos  int
}

func (i item) String() string {
	if i.kind == itemEOF {
		return "end of filter"
	}
	return fmt.Sprintf("%q", i.text)
}

// keyword reports whether i is the identifier kw, ignoring case.
func (i item) keyword(kw string) bool {
	return i.kind == itemIdent && strings.EqualFold(i.text, kw)
}

type lexer struct {
	src string
	pos int
}

var punct = map[byte]itemKind{
	'(': itemLParen,
	')': itemRParen,
	'[': itemLBracket,
	']': itemRBracket,
	',': itemComma,
}

func (l *lexer) next() (item, error) {
	for l.pos < len(l.src) {
		r, w := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += w
	}
	if l.pos >= len(l.src) {
		return item{kind: itemEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]
	if k, ok := punct[c]; ok {
		l.pos++
		return item{kind: k, text: string(c), pos: start}, nil
	}
	switch {
	case c == '"' || c == '\'':
		return l.lexString(c)
	case c == '=' || c == '!' || c == '<' || c == '>':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			l.pos += 2
			return item{kind: itemOp, text: l.src[start:l.pos], pos: start}, nil
		}
		if c == '=' || c == '!' {
			return item{}, syntaxErr(start, "incomplete operator %q", c)
		}
		l.pos++
		return item{kind: itemOp, text: string(c), pos: start}, nil
	case isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		l.pos++
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.pos++
		}
		return item{kind: itemNumber, text: l.src[start:l.pos], pos: start}, nil
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	if !unicode.IsLetter(r) && r != '_' {
		return item{}, syntaxErr(start, "unexpected character %q", r)
	}
	for l.pos < len(l.src) {
		r, w := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			break
		}
		l.pos += w
	}
	return item{kind: itemIdent, text: l.src[start:l.pos], pos: start}, nil
}

// lexString reads a quoted literal. Backslash escapes the next character;
// \n and \t are translated.
func (l *lexer) lexString(quote byte) (item, error) {
	start := l.pos
	var b strings.Builder
	for l.pos++; l.pos < len(l.src); l.pos++ {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			return item{kind: itemString, text: b.String(), pos: start}, nil
		case c == '\\' && l.pos+1 < len(l.src):
			l.pos++
			switch esc := l.src[l.pos]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(c)
		}
	}
	return item{}, syntaxErr(start, "unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
