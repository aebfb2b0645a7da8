package vocab

import "slices"

type trieNode struct {
	id   int32
	keys []byte
	kids []*trieNode
}

func newTrieNode() *trieNode {
	return &trieNode{id: -1}
}

func (n *trieNode) child(b byte) *trieNode {
	if i, ok := slices.BinarySearch(n.keys, b); ok {
		return n.kids[i]
	}
	return nil
}

func (n *trieNode) insert(b []byte, id int32) {
	for _, c := range b {
		i, ok := slices.BinarySearch(n.keys, c)
		if !ok {
			n.keys = slices.Insert(n.keys, i, c)
			n.kids = slices.Insert(n.kids, i, newTrieNode())
		}
		n = n.kids[i]
	}
	n.id = id
}

func (n *trieNode) each(fn func(id int32)) {
	if n.id >= 0 {
		fn(n.id)
	}
	for _, kid := range n.kids {
		kid.each(fn)
	}
}

// Match is a token that agrees with a byte sequence on their common prefix.
// Consumed is the length of that common prefix.
type Match struct {
	ID       int32
	Consumed int
}

// TokensForPrefix returns every usable token that is a prefix of b or that b
// is a prefix of.
func (v *Vocabulary) TokensForPrefix(b []byte) []Match {
	var matches []Match
	n := v.root
	for i, c := range b {
		if n.id >= 0 && i > 0 {
			matches = append(matches, Match{ID: n.id, Consumed: i})
		}
		if n = n.child(c); n == nil {
			return matches
		}
	}

	n.each(func(id int32) {
		matches = append(matches, Match{ID: id, Consumed: len(b)})
	})
	return matches
}

// Walk visits usable tokens depth first. step advances the caller's state by
// one byte and reports whether any token continuing through that byte can
// still be accepted; visit receives every token whose bytes were all
// accepted, along with the state after its last byte.
func Walk[S any](v *Vocabulary, start S, step func(S, byte) (S, bool), visit func(id int32, end S)) {
	walk(v.root, start, step, visit)
}

func walk[S any](n *trieNode, s S, step func(S, byte) (S, bool), visit func(int32, S)) {
	for i, c := range n.keys {
		next, ok := step(s, c)
		if !ok {
			continue
		}

		kid := n.kids[i]
		if kid.id >= 0 {
			visit(kid.id, next)
		}
		walk(kid, next, step, visit)
	}
}
