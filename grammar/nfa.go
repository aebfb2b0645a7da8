package grammar

import (
	"fmt"

	"github.com/ollama/structured/grammar/jsonschema"
)

// maxUnroll bounds how many item copies a bounded array may expand to.
const maxUnroll = 256

type state int32

type edge struct {
	lo, hi byte
	to     state
}

type nstate struct {
	edges []edge
	eps   []state
	guard int32
}

// nfa is a byte level automaton with epsilon moves. States inside a bounded
// number carry the index of that number's guard.
type nfa struct {
	states []nstate
	guards []guard
}

func (n *nfa) addState() state {
	n.states = append(n.states, nstate{guard: -1})
	return state(len(n.states) - 1)
}

func (n *nfa) addEdge(from, to state, lo, hi byte) {
	n.states[from].edges = append(n.states[from].edges, edge{lo: lo, hi: hi, to: to})
}

func (n *nfa) addEpsilon(from, to state) {
	n.states[from].eps = append(n.states[from].eps, to)
}

func (n *nfa) addGuard(g guard) int32 {
	for i, have := range n.guards {
		if have.equal(g) {
			return int32(i)
		}
	}
	n.guards = append(n.guards, g)
	return int32(len(n.guards) - 1)
}

type compiler struct {
	nfa        *nfa
	whitespace int
}

// compileNode adds the surface syntax of node between entry and exit.
func (c *compiler) compileNode(node *jsonschema.Node, entry, exit state) error {
	switch node.Kind {
	case jsonschema.Object:
		return c.compileObject(node, entry, exit)
	case jsonschema.Array:
		return c.compileArray(node, entry, exit)
	case jsonschema.String:
		c.compileString(entry, exit)
	case jsonschema.Integer, jsonschema.Number:
		c.compileNumber(node, entry, exit)
	case jsonschema.Boolean:
		c.compileLiteral([]byte("true"), entry, exit)
		c.compileLiteral([]byte("false"), entry, exit)
	case jsonschema.Null:
		c.compileLiteral([]byte("null"), entry, exit)
	case jsonschema.Enum:
		for _, l := range node.Literals {
			c.compileLiteral(l, entry, exit)
		}
	default:
		return &jsonschema.UnsupportedError{Construct: node.Kind.String()}
	}
	return nil
}

func (c *compiler) compileLiteral(b []byte, entry, exit state) {
	if len(b) == 0 {
		c.nfa.addEpsilon(entry, exit)
		return
	}

	from := entry
	for _, ch := range b[:len(b)-1] {
		to := c.nfa.addState()
		c.nfa.addEdge(from, to, ch, ch)
		from = to
	}
	c.nfa.addEdge(from, exit, b[len(b)-1], b[len(b)-1])
}

// compileSpace allows up to c.whitespace bytes of whitespace.
func (c *compiler) compileSpace(entry, exit state) {
	c.nfa.addEpsilon(entry, exit)
	from := entry
	for range c.whitespace {
		to := c.nfa.addState()
		c.nfa.addEdge(from, to, '\t', '\n')
		c.nfa.addEdge(from, to, '\r', '\r')
		c.nfa.addEdge(from, to, ' ', ' ')
		c.nfa.addEpsilon(to, exit)
		from = to
	}
}

// compileToken emits ws tok ws.
func (c *compiler) compileToken(tok byte, entry, exit state) {
	before, after := c.nfa.addState(), c.nfa.addState()
	c.compileSpace(entry, before)
	c.nfa.addEdge(before, after, tok, tok)
	c.compileSpace(after, exit)
}

func (c *compiler) compileObject(node *jsonschema.Node, entry, exit state) error {
	props := node.Ordered()

	open := c.nfa.addState()
	c.nfa.addEdge(entry, open, '{', '{')

	// values[i] is the state after property i's value has been emitted
	values := make([]state, len(props))
	starts := make([]state, len(props))
	for i, p := range props {
		starts[i], values[i] = c.nfa.addState(), c.nfa.addState()
		if err := c.compileNode(p.Node, starts[i], values[i]); err != nil {
			return err
		}
	}

	// key emits the separator, the quoted name and the colon in front of
	// property j.
	key := func(from state, j int, comma bool) {
		if comma {
			sep := c.nfa.addState()
			c.compileToken(',', from, sep)
			from = sep
		} else {
			sp := c.nfa.addState()
			c.compileSpace(from, sp)
			from = sp
		}

		name := c.nfa.addState()
		c.compileLiteral(quote(props[j].Name), from, name)
		c.compileToken(':', name, starts[j])
	}

	closing := func(from state) {
		sp := c.nfa.addState()
		c.compileSpace(from, sp)
		c.nfa.addEdge(sp, exit, '}', '}')
	}

	required := 0
	for required < len(props) && props[required].Required {
		required++
	}

	// required properties are chained in order
	at, emitted := open, false
	for i := range required {
		key(at, i, emitted)
		at, emitted = values[i], true
	}

	// from every point where all required properties are out, any later
	// optional property may follow, or the object may close
	points := []int{required - 1}
	for j := required; j < len(props); j++ {
		points = append(points, j)
	}
	for _, i := range points {
		from, comma := open, false
		if i >= 0 {
			from, comma = values[i], true
		}

		closing(from)
		for j := max(i+1, required); j < len(props); j++ {
			key(from, j, comma)
		}
	}

	return nil
}

func (c *compiler) compileArray(node *jsonschema.Node, entry, exit state) error {
	open := c.nfa.addState()
	c.nfa.addEdge(entry, open, '[', '[')

	closing := func(from state) {
		sp := c.nfa.addState()
		c.compileSpace(from, sp)
		c.nfa.addEdge(sp, exit, ']', ']')
	}

	copies := node.MinItems
	if node.MaxItems >= 0 {
		copies = node.MaxItems
	} else if copies == 0 {
		copies = 1
	}
	if copies > maxUnroll {
		return &jsonschema.UnsupportedError{Construct: fmt.Sprintf("array bounds above %d items", maxUnroll)}
	}

	if node.MinItems == 0 {
		closing(open)
	}

	at := open
	for k := 1; k <= copies; k++ {
		start := c.nfa.addState()
		if k == 1 {
			c.compileSpace(at, start)
		} else {
			c.compileToken(',', at, start)
		}

		end := c.nfa.addState()
		if err := c.compileNode(node.Items, start, end); err != nil {
			return err
		}

		if k >= node.MinItems {
			closing(end)
		}
		at = end
	}

	if node.MaxItems < 0 {
		// a final copy loops back on itself
		start := c.nfa.addState()
		c.compileToken(',', at, start)
		if err := c.compileNode(node.Items, start, at); err != nil {
			return err
		}
	}

	return nil
}

func (c *compiler) compileString(entry, exit state) {
	in := c.nfa.addState()
	c.nfa.addEdge(entry, in, '"', '"')
	c.nfa.addEdge(in, exit, '"', '"')

	c.nfa.addEdge(in, in, 0x20, 0x21)
	c.nfa.addEdge(in, in, 0x23, 0x5b)
	c.nfa.addEdge(in, in, 0x5d, 0x7f)

	escape := c.nfa.addState()
	c.nfa.addEdge(in, escape, '\\', '\\')
	for _, ch := range []byte(`"\/bfnrt`) {
		c.nfa.addEdge(escape, in, ch, ch)
	}

	from := c.nfa.addState()
	c.nfa.addEdge(escape, from, 'u', 'u')
	for i := range 4 {
		to := in
		if i < 3 {
			to = c.nfa.addState()
		}
		c.nfa.addEdge(from, to, '0', '9')
		c.nfa.addEdge(from, to, 'A', 'F')
		c.nfa.addEdge(from, to, 'a', 'f')
		from = to
	}

	// well formed UTF-8 only: no overlong forms or surrogates
	cont1, cont2, cont3 := c.nfa.addState(), c.nfa.addState(), c.nfa.addState()
	c.nfa.addEdge(in, cont1, 0xc2, 0xdf)
	c.nfa.addEdge(cont1, in, 0x80, 0xbf)

	e0, ed := c.nfa.addState(), c.nfa.addState()
	c.nfa.addEdge(in, e0, 0xe0, 0xe0)
	c.nfa.addEdge(e0, cont1, 0xa0, 0xbf)
	c.nfa.addEdge(in, cont2, 0xe1, 0xec)
	c.nfa.addEdge(in, ed, 0xed, 0xed)
	c.nfa.addEdge(ed, cont1, 0x80, 0x9f)
	c.nfa.addEdge(in, cont2, 0xee, 0xef)
	c.nfa.addEdge(cont2, cont1, 0x80, 0xbf)

	f0, f4 := c.nfa.addState(), c.nfa.addState()
	c.nfa.addEdge(in, f0, 0xf0, 0xf0)
	c.nfa.addEdge(f0, cont2, 0x90, 0xbf)
	c.nfa.addEdge(in, cont3, 0xf1, 0xf3)
	c.nfa.addEdge(cont3, cont2, 0x80, 0xbf)
	c.nfa.addEdge(in, f4, 0xf4, 0xf4)
	c.nfa.addEdge(f4, cont2, 0x80, 0x8f)
}

// compileNumber emits -?(0|[1-9][0-9]*) with a fraction and exponent for
// numbers. Bounded numbers have no exponent and every state inside them is
// tagged with the number's guard.
func (c *compiler) compileNumber(node *jsonschema.Node, entry, exit state) {
	g := int32(-1)
	if node.Bounded() {
		g = c.nfa.addGuard(newGuard(node))
	}

	add := func() state {
		s := c.nfa.addState()
		c.nfa.states[s].guard = g
		return s
	}

	minus, zero, digits, end := add(), add(), add(), add()
	for _, from := range []state{entry, minus} {
		c.nfa.addEdge(from, zero, '0', '0')
		c.nfa.addEdge(from, digits, '1', '9')
	}
	c.nfa.addEdge(entry, minus, '-', '-')
	c.nfa.addEdge(digits, digits, '0', '9')
	c.nfa.addEpsilon(zero, end)
	c.nfa.addEpsilon(digits, end)
	c.nfa.addEpsilon(end, exit)

	if node.Kind != jsonschema.Number {
		return
	}

	dot, frac := add(), add()
	c.nfa.addEdge(end, dot, '.', '.')
	c.nfa.addEdge(dot, frac, '0', '9')
	c.nfa.addEdge(frac, frac, '0', '9')
	c.nfa.addEpsilon(frac, exit)

	if g >= 0 {
		return
	}

	e, sign, exp := add(), add(), add()
	for _, from := range []state{end, frac} {
		c.nfa.addEdge(from, e, 'E', 'E')
		c.nfa.addEdge(from, e, 'e', 'e')
	}
	c.nfa.addEdge(e, sign, '+', '+')
	c.nfa.addEdge(e, sign, '-', '-')
	c.nfa.addEpsilon(e, sign)
	c.nfa.addEdge(sign, exp, '0', '9')
	c.nfa.addEdge(exp, exp, '0', '9')
	c.nfa.addEpsilon(exp, exit)
}

func quote(name string) []byte {
	b := []byte{'"'}
	for _, r := range name {
		switch {
		case r == '"' || r == '\\':
			b = append(b, '\\', byte(r))
		case r < 0x20:
			b = fmt.Appendf(b, `\u%04x`, r)
		default:
			b = append(b, string(r)...)
		}
	}
	return append(b, '"')
}
