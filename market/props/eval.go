package props

import (
	"strconv"

	"github.com/Masterminds/semver/v3"
)

// Result is the three-valued outcome of constraint evaluation. A comparison
// over a missing property, or one whose literal cannot be coerced to the
// property's type, yields Undefined rather than an error; only a True result
// counts as satisfied. This is how evaluation fails closed.
type Result int

const (
	False Result = iota
	True
	Undefined
)

func (r Result) String() string {
	switch r {
	case False:
		return "false"
	case True:
		return "true"
	default:
		return "undefined"
	}
}

// Eval evaluates the expression against a property set. It is a pure function
// of its arguments: no I/O, bounded by the depth of the parsed tree.
func Eval(e Expr, ps PropertySet) Result {
	switch t := e.(type) {
	case Always:
		return True
	case *And:
		out := True
		for _, op := range t.Ops {
			switch Eval(op, ps) {
			case False:
				return False
			case Undefined:
				out = Undefined
			}
		}
		return out
	case *Or:
		out := False
		for _, op := range t.Ops {
			switch Eval(op, ps) {
			case True:
				return True
			case Undefined:
				out = Undefined
			}
		}
		return out
	case *Not:
		switch Eval(t.Op, ps) {
		case True:
			return False
		case False:
			return True
		default:
			return Undefined
		}
	case *Comparison:
		return evalComparison(t, ps)
	default:
		return Undefined
	}
}

// Satisfied reports whether the expression definitely holds for the set.
func Satisfied(e Expr, ps PropertySet) bool {
	return Eval(e, ps) == True
}

// SatisfiedLeaves counts the comparison leaves that individually evaluate to
// True against the set. Used as a deterministic ranking signal by the
// matcher; it has no bearing on whether a pair matches.
func SatisfiedLeaves(e Expr, ps PropertySet) int {
	switch t := e.(type) {
	case *And:
		n := 0
		for _, op := range t.Ops {
			n += SatisfiedLeaves(op, ps)
		}
		return n
	case *Or:
		n := 0
		for _, op := range t.Ops {
			n += SatisfiedLeaves(op, ps)
		}
		return n
	case *Not:
		return SatisfiedLeaves(t.Op, ps)
	case *Comparison:
		if evalComparison(t, ps) == True {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func evalComparison(c *Comparison, ps PropertySet) Result {
	v, ok := ps.Get(c.Key)
	if !ok {
		return Undefined
	}
	return compareValue(v, c.Op, c.Literal)
}

func compareValue(v Value, op CmpOp, literal string) Result {
	switch v.Kind() {
	case KindString:
		return cmpOrdered(compareStrings(v.Str(), literal), op)
	case KindNumber:
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return Undefined
		}
		switch {
		case v.Num() < f:
			return cmpOrdered(-1, op)
		case v.Num() > f:
			return cmpOrdered(1, op)
		default:
			return cmpOrdered(0, op)
		}
	case KindBool:
		b, err := strconv.ParseBool(literal)
		if err != nil {
			return Undefined
		}
		if op != OpEq {
			return Undefined
		}
		return boolResult(v.Bool() == b)
	case KindVersion:
		lit, err := semver.NewVersion(literal)
		if err != nil {
			return Undefined
		}
		return cmpOrdered(v.ver.Compare(lit), op)
	case KindVersionRange:
		// A range property is satisfied by equality with any version the
		// range admits; ordered operators are undefined for ranges.
		if op != OpEq {
			return Undefined
		}
		lit, err := semver.NewVersion(literal)
		if err != nil {
			return Undefined
		}
		return boolResult(v.rng.Check(lit))
	case KindList:
		// A list matches when any element does.
		out := False
		for _, e := range v.List() {
			switch compareValue(e, op, literal) {
			case True:
				return True
			case Undefined:
				out = Undefined
			}
		}
		return out
	}
	return Undefined
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpOrdered(cmp int, op CmpOp) Result {
	switch op {
	case OpEq:
		return boolResult(cmp == 0)
	case OpGt:
		return boolResult(cmp > 0)
	case OpLt:
		return boolResult(cmp < 0)
	case OpGe:
		return boolResult(cmp >= 0)
	case OpLe:
		return boolResult(cmp <= 0)
	}
	return Undefined
}

func boolResult(b bool) Result {
	if b {
		return True
	}
	return False
}
