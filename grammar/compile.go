// Package grammar compiles JSON schemas and regular expressions into token
// level automata over a vocabulary.
package grammar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ollama/structured/grammar/jsonschema"
	"github.com/ollama/structured/logutil"
	"github.com/ollama/structured/vocab"
)

type config struct {
	whitespace int
}

type Option func(*config)

// WithWhitespace sets how many whitespace bytes may appear at each
// structural point. Zero produces compact JSON only.
func WithWhitespace(n int) Option {
	return func(c *config) {
		c.whitespace = max(n, 0)
	}
}

// CompileSchema parses a JSON schema document and compiles it.
func CompileSchema(ctx context.Context, data []byte, voc *vocab.Vocabulary, opts ...Option) (*Automaton, error) {
	node, err := jsonschema.Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(ctx, node, voc, opts...)
}

// Compile builds the automaton accepting exactly the JSON documents that
// conform to node, spelled with tokens of voc.
func Compile(ctx context.Context, node *jsonschema.Node, voc *vocab.Vocabulary, opts ...Option) (*Automaton, error) {
	cfg := newConfig(opts)
	started := time.Now()

	c := compiler{nfa: &nfa{}, whitespace: cfg.whitespace}
	start, accept := c.nfa.addState(), c.nfa.addState()
	if err := c.compileNode(node, start, accept); err != nil {
		return nil, err
	}

	a, err := build(ctx, c.nfa, start, accept, voc)
	if err != nil {
		return nil, err
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("compiled constraint", "schema", node, "stats", fmt.Sprintf("%+v", a.Stats()), "duration", time.Since(started))
	}
	return a, nil
}

func newConfig(opts []Option) config {
	cfg := config{whitespace: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// build determinizes n and computes the token masks over voc.
func build(ctx context.Context, n *nfa, start, accept state, voc *vocab.Vocabulary) (*Automaton, error) {
	if len(n.states) > maxStates {
		return nil, &jsonschema.UnsupportedError{Construct: "constraint expands beyond state limit"}
	}
	logutil.Trace("grammar: built nfa", "states", len(n.states), "guards", len(n.guards))

	d, err := n.determinize(ctx, start, accept)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	} else if err != nil {
		return nil, &jsonschema.UnsupportedError{Construct: err.Error()}
	}

	states := d.len()
	d = d.trim()
	logutil.Trace("grammar: built dfa", "states", states, "live", d.len())

	a := &Automaton{vocab: voc, dfa: d, guards: n.guards}
	if err := a.masks(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
