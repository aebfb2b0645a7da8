package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/grammar/jsonschema"
	"github.com/ollama/structured/vocab"
)

func testVocabulary(t testing.TB) *vocab.Vocabulary {
	t.Helper()

	def := vocab.Definition{Encoding: vocab.Raw}
	for b := byte(0x20); b < 0x7f; b++ {
		def.Tokens = append(def.Tokens, string(b))
	}

	v, err := vocab.New(def)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHash(t *testing.T) {
	a, err := Hash([]byte(`{"type": "string"}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash([]byte("{\"type\":\n\"string\"}"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("whitespace should not change the hash")
	}

	c, err := Hash([]byte(`{"type":"integer"}`))
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Error("different schemas should hash differently")
	}

	if _, err := Hash([]byte(`{`)); err == nil {
		t.Error("expected an error for invalid JSON")
	}
}

func TestGetOrCompile(t *testing.T) {
	v := testVocabulary(t)
	c, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := c.GetOrCompile(ctx, "test/raw", []byte(`{"type":"string"}`), v)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetOrCompile(ctx, "test/raw", []byte(`{ "type" : "string" }`), v)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the cached automaton")
	}

	other, err := c.GetOrCompile(ctx, "test/other", []byte(`{"type":"string"}`), v)
	if err != nil {
		t.Fatal(err)
	}
	if other == a {
		t.Error("tokenizers must not share entries")
	}

	if _, err := c.GetOrCompile(ctx, "test/raw", []byte(`{"type":"boolean"}`), v); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}

	// the oldest entry was evicted
	again, err := c.GetOrCompile(ctx, "test/raw", []byte(`{"type":"string"}`), v)
	if err != nil {
		t.Fatal(err)
	}
	if again == a {
		t.Error("expected a fresh compilation after eviction")
	}
}

func TestGetOrCompileErrors(t *testing.T) {
	v := testVocabulary(t)
	c, err := New(4)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.GetOrCompile(context.Background(), "test/raw", []byte(`{"oneOf":[]}`), v)
	if !errors.Is(err, jsonschema.ErrUnsupportedSchema) {
		t.Errorf("expected ErrUnsupportedSchema, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("failures must not be cached")
	}

	if _, err := New(0); err == nil {
		t.Error("expected an error for a zero size cache")
	}
}

func TestGetOrCompileConcurrent(t *testing.T) {
	v := testVocabulary(t)
	c, err := New(4)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]any, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := c.GetOrCompile(context.Background(), "test/raw", []byte(`{"type":"array","items":{"type":"integer"}}`), v)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = a
		}()
	}
	wg.Wait()

	for _, r := range results[1:] {
		if r != results[0] {
			t.Fatal("concurrent callers should share one automaton")
		}
	}
}

func TestGetOrCompileCancelledCaller(t *testing.T) {
	v := testVocabulary(t)
	c, err := New(4)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.GetOrCompile(ctx, "test/raw", []byte(`{"type":"string"}`), v); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nil or context.Canceled, got %v", err)
	}

	// the compile carries on for whoever asks next
	deadline := time.Now().Add(5 * time.Second)
	for c.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("compile was abandoned with its first caller")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGetOrCompileRegex(t *testing.T) {
	v := testVocabulary(t)
	c, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := c.GetOrCompileRegex(ctx, "test/raw", `[0-9]+`, v)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Matches([]byte("42")) {
		t.Error("expected 42 to match")
	}

	b, err := c.GetOrCompileRegex(ctx, "test/raw", `[0-9]+`, v)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the cached automaton")
	}

	s, err := c.GetOrCompile(ctx, "test/raw", []byte(`{"type":"integer"}`), v)
	if err != nil {
		t.Fatal(err)
	}
	if s == a || c.Len() != 2 {
		t.Errorf("schema and regex constraints must not share entries, have %d", c.Len())
	}

	if _, err := c.GetOrCompileRegex(ctx, "test/raw", `(`, v); !errors.Is(err, grammar.ErrInvalidPattern) {
		t.Errorf("expected ErrInvalidPattern, got %v", err)
	}
}
