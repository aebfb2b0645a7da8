package grammar

import (
	"context"
	"math/bits"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/structured/vocab"
)

// Position is a point in a constrained generation. Pending holds the bytes
// of a bounded number that has not been closed yet.
type Position struct {
	State   int32
	pending []byte
}

// Automaton is a compiled constraint over one vocabulary. It is immutable
// and may be shared by concurrent sessions.
type Automaton struct {
	vocab  *vocab.Vocabulary
	dfa    *dfa
	guards []guard

	// static holds, per state, the tokens whose bytes never touch a bounded
	// number and always lead somewhere an accepting state can be reached.
	static [][]uint64

	// dynamic holds tokens that pass through a bounded number and must be
	// checked against the pending literal at each step.
	dynamic [][]int32
}

func (a *Automaton) Vocabulary() *vocab.Vocabulary {
	return a.vocab
}

// Len returns the number of states.
func (a *Automaton) Len() int {
	return a.dfa.len()
}

func (a *Automaton) Start() Position {
	if a.dfa.len() == 0 {
		return Position{State: -1}
	}
	return Position{}
}

func (a *Automaton) Accepting(s int32) bool {
	return s >= 0 && int(s) < a.dfa.len() && a.dfa.accepting[s]
}

// HasTransitions reports whether any byte can follow state s.
func (a *Automaton) HasTransitions(s int32) bool {
	if s < 0 || int(s) >= a.dfa.len() {
		return false
	}
	return slices.ContainsFunc(a.dfa.next[int(s)<<8:int(s+1)<<8], func(t int32) bool { return t >= 0 })
}

// Next returns the state after byte b, ignoring numeric bounds.
func (a *Automaton) Next(s int32, b byte) (int32, bool) {
	if s < 0 || int(s) >= a.dfa.len() {
		return -1, false
	}
	t := a.dfa.step(s, b)
	return t, t >= 0
}

// Allowed calls fn for every token that may be emitted at pos. Stop tokens
// are not included.
func (a *Automaton) Allowed(pos Position, fn func(id int32)) {
	if pos.State < 0 || int(pos.State) >= a.dfa.len() {
		return
	}

	for i, word := range a.static[pos.State] {
		for word != 0 {
			fn(int32(i*64 + bits.TrailingZeros64(word)))
			word &= word - 1
		}
	}

	for _, id := range a.dynamic[pos.State] {
		if _, ok := a.Advance(pos, id); ok {
			fn(id)
		}
	}
}

// Continues reports whether any token may be emitted at pos.
func (a *Automaton) Continues(pos Position) bool {
	if pos.State < 0 || int(pos.State) >= a.dfa.len() {
		return false
	}

	if slices.ContainsFunc(a.static[pos.State], func(w uint64) bool { return w != 0 }) {
		return true
	}
	return slices.ContainsFunc(a.dynamic[pos.State], func(id int32) bool {
		_, ok := a.Advance(pos, id)
		return ok
	})
}

// Advance consumes token id from pos.
func (a *Automaton) Advance(pos Position, id int32) (Position, bool) {
	if !a.vocab.Usable(id) {
		return pos, false
	}

	b, err := a.vocab.Bytes(id)
	if err != nil {
		return pos, false
	}
	return a.advance(pos, b)
}

func (a *Automaton) advance(pos Position, b []byte) (Position, bool) {
	s, pending := pos.State, pos.pending
	if s < 0 || int(s) >= a.dfa.len() {
		return pos, false
	}

	for _, c := range b {
		t := a.dfa.step(s, c)
		if t < 0 {
			return pos, false
		}

		if g := a.dfa.guard[t]; g >= 0 {
			if a.dfa.guard[s] < 0 {
				pending = nil
			}
			// the full slice expression keeps appends from writing into a
			// shared backing array
			pending = append(pending[:len(pending):len(pending)], c)
			if !a.guards[g].feasible(pending) {
				return pos, false
			}
		} else if g := a.dfa.guard[s]; g >= 0 {
			if !a.guards[g].contains(pending) {
				return pos, false
			}
			pending = nil
		}
		s = t
	}

	return Position{State: s, pending: pending}, true
}

// Matches reports whether b is a complete value.
func (a *Automaton) Matches(b []byte) bool {
	pos, ok := a.advance(a.Start(), b)
	return ok && a.CanStop(pos)
}

// CanStop reports whether generation may end at pos.
func (a *Automaton) CanStop(pos Position) bool {
	if !a.Accepting(pos.State) {
		return false
	}
	if g := a.dfa.guard[pos.State]; g >= 0 {
		return a.guards[g].contains(pos.pending)
	}
	return true
}

// StopTokens returns the tokens that end generation at an accepting state.
func (a *Automaton) StopTokens() []int32 {
	return a.vocab.StopTokens()
}

// Stats summarizes an automaton for logs and API responses.
type Stats struct {
	States    int `json:"states"`
	Accepting int `json:"accepting"`
	Guards    int `json:"guards"`
	Static    int `json:"static_tokens"`
	Dynamic   int `json:"dynamic_tokens"`
	Start     int `json:"start_tokens"`
}

func (a *Automaton) Stats() Stats {
	stats := Stats{States: a.dfa.len(), Guards: len(a.guards)}
	for s := range a.dfa.len() {
		if a.dfa.accepting[s] {
			stats.Accepting++
		}
		for _, w := range a.static[s] {
			stats.Static += bits.OnesCount64(w)
		}
		stats.Dynamic += len(a.dynamic[s])
	}
	a.Allowed(a.Start(), func(int32) { stats.Start++ })
	return stats
}

type cursor struct {
	state   int32
	guarded bool
}

// successors walks the vocabulary from state s and calls visit with every
// token that consumes all its bytes along with the state it ends in.
func (a *Automaton) successors(s int32, visit func(id int32, end cursor)) {
	start := cursor{state: s, guarded: a.dfa.guard[s] >= 0}
	vocab.Walk(a.vocab, start, func(c cursor, b byte) (cursor, bool) {
		t := a.dfa.step(c.state, b)
		if t < 0 {
			return c, false
		}
		return cursor{state: t, guarded: c.guarded || a.dfa.guard[t] >= 0}, true
	}, visit)
}

// masks fills the static and dynamic token sets. A state is only kept as a
// target when some sequence of tokens leads from it to an accepting state.
func (a *Automaton) masks(ctx context.Context) error {
	n := a.dfa.len()
	succ := make([][]int32, n)

	if err := forEachState(ctx, n, func(s int32) {
		seen := make(map[int32]bool)
		a.successors(s, func(_ int32, end cursor) {
			if !seen[end.state] {
				seen[end.state] = true
				succ[s] = append(succ[s], end.state)
			}
		})
	}); err != nil {
		return err
	}

	reverse := make([][]int32, n)
	for s, ts := range succ {
		for _, t := range ts {
			reverse[t] = append(reverse[t], int32(s))
		}
	}

	live := slices.Clone(a.dfa.accepting)
	var queue []int32
	for s, ok := range live {
		if ok {
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

	words := (a.vocab.Size() + 63) / 64
	a.static = make([][]uint64, n)
	a.dynamic = make([][]int32, n)
	return forEachState(ctx, n, func(s int32) {
		mask := make([]uint64, words)
		if live[s] {
			a.successors(s, func(id int32, end cursor) {
				switch {
				case !live[end.state]:
				case end.guarded:
					a.dynamic[s] = append(a.dynamic[s], id)
				default:
					mask[id/64] |= 1 << (id % 64)
				}
			})
		}
		a.static[s] = mask
	})
}

func forEachState(ctx context.Context, n int, fn func(s int32)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(int32(s))
			return nil
		})
	}
	return g.Wait()
}
