package grammar

import (
	"context"
	"encoding/binary"
	"errors"
	"slices"
)

// maxStates bounds the size of a compiled automaton.
const maxStates = 1 << 16

var errTooLarge = errors.New("automaton exceeds state limit")

// dfa is a deterministic byte automaton. next holds 256 entries per state
// and -1 marks a missing transition.
type dfa struct {
	next      []int32
	accepting []bool
	guard     []int32
}

func (d *dfa) len() int {
	return len(d.accepting)
}

func (d *dfa) step(s int32, b byte) int32 {
	return d.next[int(s)<<8|int(b)]
}

// closure extends set with every state reachable over epsilon moves and
// returns it sorted.
func (n *nfa) closure(set []state) []state {
	seen := make(map[state]bool, len(set))
	stack := slices.Clone(set)
	out := set[:0:0]
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		stack = append(stack, n.states[s].eps...)
	}
	slices.Sort(out)
	return out
}

func key(set []state) string {
	b := make([]byte, 4*len(set))
	for i, s := range set {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(s))
	}
	return string(b)
}

// determinize runs subset construction from start. A set is accepting when it
// contains accept.
func (n *nfa) determinize(ctx context.Context, start, accept state) (*dfa, error) {
	d := &dfa{}
	index := make(map[string]int32)
	var sets [][]state

	intern := func(set []state) (int32, error) {
		k := key(set)
		if i, ok := index[k]; ok {
			return i, nil
		}
		if len(sets) >= maxStates {
			return -1, errTooLarge
		}

		g := int32(-1)
		for _, s := range set {
			if sg := n.states[s].guard; sg >= 0 {
				if g >= 0 && g != sg {
					return -1, errors.New("overlapping numeric bounds")
				}
				g = sg
			}
		}

		i := int32(len(sets))
		index[k] = i
		sets = append(sets, set)
		d.accepting = append(d.accepting, slices.Contains(set, accept))
		d.guard = append(d.guard, g)
		d.next = append(d.next, make([]int32, 256)...)
		return i, nil
	}

	if _, err := intern(n.closure([]state{start})); err != nil {
		return nil, err
	}

	var targets [256][]state
	for i := 0; i < len(sets); i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		for b := range targets {
			targets[b] = targets[b][:0]
		}
		for _, s := range sets[i] {
			for _, e := range n.states[s].edges {
				for b := int(e.lo); b <= int(e.hi); b++ {
					targets[b] = append(targets[b], e.to)
				}
			}
		}

		for b, t := range targets {
			to := int32(-1)
			if len(t) > 0 {
				var err error
				to, err = intern(n.closure(t))
				if err != nil {
					return nil, err
				}
			}
			d.next[i<<8|b] = to
		}
	}

	return d, nil
}

// trim drops states that cannot reach an accepting state along with every
// transition into them, then renumbers what is left in breadth first order
// from the start state.
func (d *dfa) trim() *dfa {
	reverse := make([][]int32, d.len())
	for s := range d.len() {
		for b := range 256 {
			if t := d.next[s<<8|b]; t >= 0 {
				reverse[t] = append(reverse[t], int32(s))
			}
		}
	}

	live := make([]bool, d.len())
	var queue []int32
	for s, ok := range d.accepting {
		if ok {
			live[s] = true
			queue = append(queue, int32(s))
		}
	}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		for _, s := range reverse[t] {
			if !live[s] {
				live[s] = true
				queue = append(queue, s)
			}
		}
	}

	out := &dfa{}
	if !live[0] {
		return out
	}

	order := []int32{0}
	renumber := map[int32]int32{0: 0}
	for i := 0; i < len(order); i++ {
		s := order[i]
		for b := range 256 {
			t := d.next[int(s)<<8|b]
			if t < 0 || !live[t] {
				continue
			}
			if _, ok := renumber[t]; !ok {
				renumber[t] = int32(len(order))
				order = append(order, t)
			}
		}
	}

	out.next = make([]int32, len(order)<<8)
	for i, s := range order {
		out.accepting = append(out.accepting, d.accepting[s])
		out.guard = append(out.guard, d.guard[s])
		for b := range 256 {
			t := d.next[int(s)<<8|b]
			if t >= 0 && live[t] {
				out.next[i<<8|b] = renumber[t]
			} else {
				out.next[i<<8|b] = -1
			}
		}
	}
	return out
}
