// Package cache keeps compiled automata keyed by tokenizer and schema.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/vocab"
)

// Key identifies a constraint. Hash covers the compacted schema document, or
// the pattern when Regex is set.
type Key struct {
	Tokenizer string
	Regex     bool
	Hash      uint64
}

func (k Key) String() string {
	kind := "schema"
	if k.Regex {
		kind = "regex"
	}
	return k.Tokenizer + "/" + kind + "/" + strconv.FormatUint(k.Hash, 16)
}

// Cache is safe for concurrent use. Concurrent requests for the same key
// share one compilation.
type Cache struct {
	entries *lru.Cache[Key, *grammar.Automaton]
	group   singleflight.Group
	opts    []grammar.Option
}

// New returns a cache holding up to size automata, each compiled with opts.
func New(size int, opts ...grammar.Option) (*Cache, error) {
	entries, err := lru.New[Key, *grammar.Automaton](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, opts: opts}, nil
}

// Hash returns the hash of a schema document. Documents differing only in
// insignificant whitespace hash the same.
func Hash(schema []byte) (uint64, error) {
	var b bytes.Buffer
	if err := json.Compact(&b, schema); err != nil {
		return 0, fmt.Errorf("parse schema: %w", err)
	}
	return xxhash.Sum64(b.Bytes()), nil
}

// GetOrCompile returns the automaton for schema over voc, compiling it on a
// miss. Failed compilations are not cached.
func (c *Cache) GetOrCompile(ctx context.Context, tokenizer string, schema []byte, voc *vocab.Vocabulary) (*grammar.Automaton, error) {
	h, err := Hash(schema)
	if err != nil {
		return nil, err
	}

	return c.get(ctx, Key{Tokenizer: tokenizer, Hash: h}, func(ctx context.Context) (*grammar.Automaton, error) {
		return grammar.CompileSchema(ctx, schema, voc, c.opts...)
	})
}

// GetOrCompileRegex is GetOrCompile for a regular expression.
func (c *Cache) GetOrCompileRegex(ctx context.Context, tokenizer, pattern string, voc *vocab.Vocabulary) (*grammar.Automaton, error) {
	key := Key{Tokenizer: tokenizer, Regex: true, Hash: xxhash.Sum64String(pattern)}
	return c.get(ctx, key, func(ctx context.Context) (*grammar.Automaton, error) {
		return grammar.CompileRegex(ctx, pattern, voc)
	})
}

func (c *Cache) get(ctx context.Context, key Key, compile func(context.Context) (*grammar.Automaton, error)) (*grammar.Automaton, error) {
	if a, ok := c.entries.Get(key); ok {
		slog.Debug("constraint cache hit", "key", key)
		return a, nil
	}

	// the compile outlives the caller that started it
	ch := c.group.DoChan(key.String(), func() (any, error) {
		if a, ok := c.entries.Get(key); ok {
			return a, nil
		}

		a, err := compile(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, a)
		return a, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		slog.Debug("constraint cache miss", "key", key, "shared", r.Shared)
		return r.Val.(*grammar.Automaton), nil
	}
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.entries.Purge()
}
