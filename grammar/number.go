package grammar

import (
	"math/big"

	"github.com/ollama/structured/grammar/jsonschema"
)

// guard holds the inclusive bounds of a numeric node. A nil bound is
// infinite.
type guard struct {
	min, max *big.Rat
	integer  bool
}

func newGuard(n *jsonschema.Node) guard {
	return guard{min: n.Minimum, max: n.Maximum, integer: n.Kind == jsonschema.Integer}
}

func (g guard) equal(o guard) bool {
	return g.integer == o.integer && sameBound(g.min, o.min) && sameBound(g.max, o.max)
}

func sameBound(a, b *big.Rat) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// contains reports whether the complete literal b is within bounds.
func (g guard) contains(b []byte) bool {
	r, ok := new(big.Rat).SetString(string(b))
	if !ok {
		return false
	}
	return g.above(r, true) && g.below(r, true)
}

// feasible reports whether some number starting with prefix b could still
// fall within bounds.
func (g guard) feasible(b []byte) bool {
	if len(b) == 0 {
		return true
	}

	if b[0] == '-' {
		if len(b) == 1 {
			return g.min == nil || g.min.Sign() <= 0
		}
		// bounds mirror around zero
		b = b[1:]
		g.min, g.max = neg(g.max), neg(g.min)
	}

	whole, frac, dot := cut(b)
	if !dot {
		if len(whole) == 1 && whole[0] == '0' {
			if g.integer {
				return g.hit(new(big.Rat), new(big.Rat), true)
			}
			return g.hit(new(big.Rat), big.NewRat(1, 1), false)
		}

		n, ok := new(big.Rat).SetString(string(whole))
		if !ok {
			return false
		}

		if g.integer {
			// n, then n0..n9, then n00..n99 and so on
			lo, hi := new(big.Rat).Set(n), new(big.Rat).Set(n)
			for {
				if g.hit(lo, hi, true) {
					return true
				}
				if g.max == nil {
					return true
				}
				if lo.Cmp(g.max) > 0 {
					return false
				}
				lo.Mul(lo, ten)
				hi.Mul(hi, ten)
				hi.Add(hi, big.NewRat(9, 1))
			}
		}

		lo, hi := new(big.Rat).Set(n), new(big.Rat).Add(n, big.NewRat(1, 1))
		for {
			if g.hit(lo, hi, false) {
				return true
			}
			if g.max == nil {
				return true
			}
			if lo.Cmp(g.max) > 0 {
				return false
			}
			lo.Mul(lo, ten)
			hi.Mul(hi, ten)
		}
	}

	lo, ok := new(big.Rat).SetString(string(whole) + "." + string(frac) + "0")
	if !ok {
		return false
	}
	width := new(big.Rat).SetFrac(big.NewInt(1), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(frac))), nil))
	return g.hit(lo, new(big.Rat).Add(lo, width), false)
}

// hit reports whether [lo, hi] (or [lo, hi) when closed is false) meets the
// bounds.
func (g guard) hit(lo, hi *big.Rat, closed bool) bool {
	return g.above(hi, closed) && g.below(lo, true)
}

// above reports whether r is at least min. When inclusive is false r must
// be strictly above it.
func (g guard) above(r *big.Rat, inclusive bool) bool {
	if g.min == nil {
		return true
	}
	c := r.Cmp(g.min)
	return c > 0 || inclusive && c == 0
}

func (g guard) below(r *big.Rat, inclusive bool) bool {
	if g.max == nil {
		return true
	}
	c := r.Cmp(g.max)
	return c < 0 || inclusive && c == 0
}

var ten = big.NewRat(10, 1)

func neg(r *big.Rat) *big.Rat {
	if r == nil {
		return nil
	}
	return new(big.Rat).Neg(r)
}

func cut(b []byte) (whole, frac []byte, dot bool) {
	for i, ch := range b {
		if ch == '.' {
			return b[:i], b[i+1:], true
		}
	}
	return b, nil, false
}
