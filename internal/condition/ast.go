// Package condition is the filter language of the analytics queries:
//
//	entity.type == "person" AND (attributes.city startswith "Ber" OR sources contains "crm")
//	NOT attributes.email exists
//	attributes.plan in ["pro", "team"]
//
// Comparisons against a missing field are false rather than errors, so a
// filter over a heterogeneous population never fails halfway through.
package condition

import (
	"regexp"
	"strings"
)

// Expr is a node of a parsed filter.
type Expr interface {
	exprNode()
}

// LogicalOp joins two expressions.
type LogicalOp int

const (
	And LogicalOp = iota
	Or
)

func (op LogicalOp) String() string {
	if op == Or {
		return "OR"
	}
	return "AND"
}

// Logical is <expr> AND <expr> or <expr> OR <expr>.
type Logical struct {
	Op          LogicalOp
	Left, Right Expr
}

// Not negates X.
type Not struct {
	X Expr
}

// Compare is <operand> <operator> <operand>.
type Compare struct {
	Left  Operand
	Op    Operator
	Right Operand

	re *regexp.Regexp // set for matches
}

// Exists is <field> exists. A null value does not exist.
type Exists struct {
	Field Field
}

// In is <operand> in [<literal>, ...].
type In struct {
	Left Operand
	Set  []any
}

func (*Logical) exprNode() {}
func (*Not) exprNode()     {}
func (*Compare) exprNode() {}
func (*Exists) exprNode()  {}
func (*In) exprNode()      {}

// Operand is a Literal or a Field.
type Operand interface {
	operandNode()
}

// Literal is a constant: string, float64 or bool.
type Literal struct {
	Value any
}

// Field is a dotted path like attributes.city.
type Field struct {
	Path []string
}

func (Field) operandNode()   {}
func (Literal) operandNode() {}

func (f Field) String() string { return strings.Join(f.Path, ".") }
