package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/structured/api"
	"github.com/ollama/structured/cache"
	"github.com/ollama/structured/envconfig"
	"github.com/ollama/structured/registry"
	"github.com/ollama/structured/server"
	"github.com/ollama/structured/version"
	"github.com/ollama/structured/vocab"
)

const objectSchema = `{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"]}`

// setup writes a character level tokenizer under a temporary models
// directory and points the configuration at it.
func setup(t *testing.T) string {
	t.Helper()

	tokens := map[string]int{"</s>": 0}
	for b := byte(0x20); b < 0x7f; b++ {
		tokens[string(b)] = len(tokens)
	}

	doc := map[string]any{
		"model":        map[string]any{"type": "WordLevel", "vocab": tokens},
		"added_tokens": []map[string]any{{"id": 0, "content": "</s>", "special": true}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	dir := filepath.Join(root, "test", "chars")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	schema := filepath.Join(root, "schema.json")
	if err := os.WriteFile(schema, []byte(objectSchema), 0o644); err != nil {
		t.Fatal(err)
	}

	models, rules := envconfig.Models, envconfig.TokenizerRules
	t.Cleanup(func() { envconfig.Models, envconfig.TokenizerRules = models, rules })
	envconfig.Models, envconfig.TokenizerRules = root, ""

	return schema
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cli := NewCLI()
	cli.SetArgs(args)
	cli.SetOut(&out)
	cli.SetErr(&out)
	err := cli.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolve(t *testing.T) {
	setup(t)

	out, err := run(t, "resolve", "qwen2.5:7b-instruct-q4_K_M")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("Qwen/Qwen2.5-0.5B\n", out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	out, err = run(t, "resolve", "--tokenizer", "org/name", "anything")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("org/name\n", out); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	if _, err := run(t, "resolve", "mystery-model"); err == nil {
		t.Error("expected unresolved model to fail")
	}
}

func TestCompile(t *testing.T) {
	schema := setup(t)

	out, err := run(t, "compile", "--tokenizer", "test/chars", schema)
	if err != nil {
		t.Fatal(err)
	}

	var resp api.ConstraintResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("bad output %q: %v", out, err)
	}
	if resp.Tokenizer != "test/chars" || resp.Stats.States == 0 {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := run(t, "compile", schema); err == nil {
		t.Error("expected missing tokenizer flag to fail")
	}
}

func TestCheck(t *testing.T) {
	schema := setup(t)

	cases := []struct {
		text   string
		status string
		fails  bool
	}{
		{text: `{"ok":true}`, status: "accepted"},
		{text: `{"ok":`, status: "open", fails: true},
		{text: `{"ok":1}`, status: "failed", fails: true},
	}

	for _, tt := range cases {
		t.Run(tt.text, func(t *testing.T) {
			out, err := run(t, "check", "--tokenizer", "test/chars", schema, tt.text)
			if (err != nil) != tt.fails {
				t.Fatalf("unexpected error %v", err)
			}

			var resp api.CheckResponse
			if err := json.NewDecoder(strings.NewReader(out)).Decode(&resp); err != nil {
				t.Fatalf("bad output %q: %v", out, err)
			}
			if resp.Status != tt.status {
				t.Errorf("status = %q, want %q", resp.Status, tt.status)
			}
		})
	}
}

func TestRegex(t *testing.T) {
	setup(t)

	out, err := run(t, "compile", "--tokenizer", "test/chars", "--regex", `[a-z]+@[a-z]+\.com`)
	if err != nil {
		t.Fatal(err)
	}

	var resp api.ConstraintResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("bad output %q: %v", out, err)
	}
	if resp.Stats.States == 0 || resp.Stats.Start == 0 {
		t.Errorf("unexpected stats %+v", resp.Stats)
	}

	if _, err := run(t, "check", "--tokenizer", "test/chars", "--regex", `[a-z]+@[a-z]+\.com`, "bob@example.com"); err != nil {
		t.Errorf("expected a match: %v", err)
	}
	if _, err := run(t, "check", "--tokenizer", "test/chars", "--regex", `[a-z]+@[a-z]+\.com`, "bob@example.org"); err == nil {
		t.Error("expected a mismatch")
	}

	if _, err := run(t, "compile", "--tokenizer", "test/chars", "--regex", `(`); err == nil {
		t.Error("expected an invalid pattern to fail")
	}
	if _, err := run(t, "compile", "--tokenizer", "test/chars"); err == nil {
		t.Error("expected a missing schema to fail")
	}
}

func TestCompileRemote(t *testing.T) {
	schema := setup(t)

	c, err := cache.New(4)
	if err != nil {
		t.Fatal(err)
	}

	s, err := server.New(registry.Default(), vocab.DirLoader{Root: envconfig.Models}, c)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(s.GenerateRoutes())
	defer ts.Close()

	out, err := run(t, "compile", "--host", ts.URL, "--tokenizer", "test/chars", schema)
	if err != nil {
		t.Fatal(err)
	}

	var resp api.ConstraintResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("bad output %q: %v", out, err)
	}
	if resp.Tokenizer != "test/chars" || resp.Stats.States == 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if c.Len() != 1 {
		t.Errorf("expected the server to cache the constraint, got %d entries", c.Len())
	}

	out, err = run(t, "check", "--host", ts.URL, "--tokenizer", "test/chars", schema, `{"ok":false}`)
	if err != nil {
		t.Fatalf("check failed: %v\n%s", err, out)
	}
}

func TestFamilies(t *testing.T) {
	setup(t)

	out, err := run(t, "families")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"NAME", "LINEAGE", "qwen2.5", "Qwen/Qwen2.5-0.5B"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVocab(t *testing.T) {
	setup(t)

	out, err := run(t, "vocab", "test/chars")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"test/chars", "raw", "96", "</s> (0)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("STRUCTURED_MAX_LENGTH=77\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(envconfig.LoadConfig)
	t.Setenv("STRUCTURED_MAX_LENGTH", "")
	os.Unsetenv("STRUCTURED_MAX_LENGTH")

	if err := loadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	if envconfig.MaxLength != 77 {
		t.Errorf("MaxLength = %d, want 77", envconfig.MaxLength)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, version.Version) {
		t.Errorf("output %q missing version %s", out, version.Version)
	}
}
