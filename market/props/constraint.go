package props

import (
	"strings"

	"golang.org/x/xerrors"
)

// The constraint language is an LDAP-filter-style prefix grammar:
//
//	(&(cpu.cores>=4)(mem.gib>=8))
//	(|(runtime.name=wasm)(runtime.name=vm))
//	(!(region=restricted))
//
// Expressions parse into an explicit tagged tree and are interpreted by a
// pure evaluator; constraint text received from the network is never treated
// as executable code. Malformed expressions are rejected here, at publish
// time, so evaluation is total.

// CmpOp is a comparison operator in a constraint leaf.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpGt
	OpLt
	OpGe
	OpLe
)

func (op CmpOp) String() string {
	switch op {
	case OpEq:
		return "="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpGe:
		return ">="
	case OpLe:
		return "<="
	}
	return "?"
}

// Expr is a node of the constraint expression tree.
type Expr interface {
	String() string
}

// And is satisfied when all operands are satisfied.
type And struct {
	Ops []Expr
}

// Or is satisfied when at least one operand is satisfied.
type Or struct {
	Ops []Expr
}

// Not negates its operand.
type Not struct {
	Op Expr
}

// Comparison tests a counterpart property against a literal.
type Comparison struct {
	Key     string
	Op      CmpOp
	Literal string
}

// Always is the empty constraint; it is satisfied by every property set.
type Always struct{}

func (a *And) String() string {
	var b strings.Builder
	b.WriteString("(&")
	for _, op := range a.Ops {
		b.WriteString(op.String())
	}
	b.WriteString(")")
	return b.String()
}

func (o *Or) String() string {
	var b strings.Builder
	b.WriteString("(|")
	for _, op := range o.Ops {
		b.WriteString(op.String())
	}
	b.WriteString(")")
	return b.String()
}

func (n *Not) String() string {
	return "(!" + n.Op.String() + ")"
}

func (c *Comparison) String() string {
	return "(" + c.Key + c.Op.String() + c.Literal + ")"
}

func (Always) String() string { return "()" }

// Parse parses constraint text into an expression tree. The empty string and
// "()" parse as Always.
func Parse(s string) (Expr, error) {
	p := &parser{src: s}
	p.skipSpace()
	if p.eof() {
		return Always{}, nil
	}
	expr, err := p.filter()
	if err != nil {
		return nil, xerrors.Errorf("%w (at offset %d)", err, p.pos)
	}
	p.skipSpace()
	if !p.eof() {
		return nil, xerrors.Errorf("trailing input after constraint (at offset %d)", p.pos)
	}
	return expr, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte { return p.src[p.pos] }

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) expect(c byte) error {
	if p.eof() || p.peek() != c {
		return xerrors.Errorf("expected %q", string(c))
	}
	p.pos++
	return nil
}

func (p *parser) filter() (Expr, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.eof() {
		return nil, xerrors.New("unterminated filter")
	}
	switch p.peek() {
	case ')':
		p.pos++
		return Always{}, nil
	case '&':
		p.pos++
		ops, err := p.operands()
		if err != nil {
			return nil, err
		}
		return &And{Ops: ops}, nil
	case '|':
		p.pos++
		ops, err := p.operands()
		if err != nil {
			return nil, err
		}
		return &Or{Ops: ops}, nil
	case '!':
		p.pos++
		p.skipSpace()
		op, err := p.filter()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return &Not{Op: op}, nil
	default:
		return p.comparison()
	}
}

func (p *parser) operands() ([]Expr, error) {
	var ops []Expr
	for {
		p.skipSpace()
		if p.eof() {
			return nil, xerrors.New("unterminated filter list")
		}
		if p.peek() == ')' {
			p.pos++
			if len(ops) == 0 {
				return nil, xerrors.New("empty operand list")
			}
			return ops, nil
		}
		op, err := p.filter()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
}

func (p *parser) comparison() (Expr, error) {
	start := p.pos
	for !p.eof() && isKeyByte(p.peek()) {
		p.pos++
	}
	key := p.src[start:p.pos]
	if key == "" {
		return nil, xerrors.New("expected property key")
	}

	var op CmpOp
	switch {
	case p.has(">="):
		op = OpGe
		p.pos += 2
	case p.has("<="):
		op = OpLe
		p.pos += 2
	case p.has(">"):
		op = OpGt
		p.pos++
	case p.has("<"):
		op = OpLt
		p.pos++
	case p.has("="):
		op = OpEq
		p.pos++
	default:
		return nil, xerrors.Errorf("expected comparison operator after key %q", key)
	}

	lstart := p.pos
	for !p.eof() && p.peek() != ')' {
		p.pos++
	}
	if p.eof() {
		return nil, xerrors.New("unterminated comparison")
	}
	literal := strings.TrimSpace(p.src[lstart:p.pos])
	if literal == "" {
		return nil, xerrors.Errorf("empty literal in comparison on %q", key)
	}
	p.pos++ // ')'
	return &Comparison{Key: key, Op: op, Literal: literal}, nil
}

func (p *parser) has(s string) bool {
	return strings.HasPrefix(p.src[p.pos:], s)
}

func isKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_':
		return true
	}
	return false
}
