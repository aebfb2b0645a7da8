package vocab

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const byteLevelJSON = `{
  "model": {
    "type": "BPE",
    "vocab": {"{": 0, "\"": 1, "Ġ": 2, "a": 3, "Ġa": 4},
    "merges": [["Ġ", "a"]]
  },
  "pre_tokenizer": {"type": "Sequence", "pretokenizers": [
    {"type": "Split", "pattern": {"Regex": "\\s+|\\p{L}+|[^\\s\\p{L}]+"}},
    {"type": "ByteLevel"}
  ]},
  "decoder": {"type": "ByteLevel"},
  "added_tokens": [{"id": 5, "content": "<|endoftext|>", "special": true}]
}`

const spmJSON = `{
  "model": {
    "type": "BPE",
    "byte_fallback": true,
    "vocab": {"<unk>": 0, "<s>": 1, "</s>": 2, "<0x0A>": 3, "▁": 4, "▁a": 5},
    "merges": ["▁ a"]
  },
  "decoder": {"type": "Sequence", "decoders": [
    {"type": "Replace", "pattern": {"String": "▁"}, "content": " "},
    {"type": "ByteFallback"}
  ]},
  "added_tokens": [
    {"id": 0, "content": "<unk>", "special": true},
    {"id": 1, "content": "<s>", "special": true},
    {"id": 2, "content": "</s>", "special": true}
  ]
}`

func TestLoad(t *testing.T) {
	t.Run("byte level", func(t *testing.T) {
		def, err := Load(strings.NewReader(byteLevelJSON))
		if err != nil {
			t.Fatal(err)
		}

		if def.Encoding != ByteLevel {
			t.Errorf("encoding = %v", def.Encoding)
		}
		if diff := cmp.Diff([]string{"{", "\"", "Ġ", "a", "Ġa", "<|endoftext|>"}, def.Tokens); diff != "" {
			t.Errorf("tokens mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"Ġ a"}, def.Merges); diff != "" {
			t.Errorf("merges mismatch (-want +got):\n%s", diff)
		}
		if def.Pretokenizer == "" {
			t.Error("expected split pattern")
		}
		if !def.Special[5] {
			t.Error("expected added token to be special")
		}
	})

	t.Run("sentencepiece", func(t *testing.T) {
		def, err := Load(strings.NewReader(spmJSON))
		if err != nil {
			t.Fatal(err)
		}

		if def.Encoding != SentencePiece {
			t.Errorf("encoding = %v", def.Encoding)
		}

		v, err := New(*def)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := v.Bytes(5)
		if string(b) != " a" {
			t.Errorf("Bytes(5) = %q", b)
		}
	})

	t.Run("unigram", func(t *testing.T) {
		def, err := Load(strings.NewReader(`{"model": {"type": "Unigram", "vocab": [["<unk>", 0], ["▁x", -1.5]]}, "pre_tokenizer": {"type": "Metaspace"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if def.Encoding != SentencePiece || def.Tokens[1] != "▁x" {
			t.Errorf("unexpected definition %+v", def)
		}
	})

	for name, doc := range map[string]string{
		"malformed":   `{"model": `,
		"wordpiece":   `{"model": {"type": "WordPiece", "vocab": {"a": 0}}}`,
		"no vocab":    `{"model": {"type": "BPE"}}`,
		"bad merges":  `{"model": {"type": "BPE", "vocab": {"a": 0}, "merges": [["a"]]}}`,
		"negative id": `{"model": {"type": "BPE", "vocab": {"a": -1}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(doc)); !errors.Is(err, ErrVocabLoad) {
				t.Errorf("expected ErrVocabLoad, got %v", err)
			}
		})
	}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"tokenizer.json":         byteLevelJSON,
		"generation_config.json": `{"eos_token_id": [5]}`,
		"tokenizer_config.json":  `{"bos_token": {"content": "{"}, "eos_token": "\"", "add_bos_token": false}`,
	})

	def, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int32{5}, def.EOS); diff != "" {
		t.Errorf("eos mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{0}, def.BOS); diff != "" {
		t.Errorf("bos mismatch (-want +got):\n%s", diff)
	}
}

func TestDirLoader(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "Qwen", "Qwen2.5-0.5B"), map[string]string{"tokenizer.json": byteLevelJSON})
	writeFiles(t, filepath.Join(root, "models--google--gemma-2b", "refs"), map[string]string{"main": "abc123\n"})
	writeFiles(t, filepath.Join(root, "models--google--gemma-2b", "snapshots", "abc123"), map[string]string{"tokenizer.json": spmJSON})

	l := DirLoader{Root: root}

	v, err := l.Load(context.Background(), "Qwen/Qwen2.5-0.5B")
	if err != nil {
		t.Fatal(err)
	}
	if v.Encoding() != ByteLevel {
		t.Errorf("encoding = %v", v.Encoding())
	}

	v, err = l.Load(context.Background(), "google/gemma-2b")
	if err != nil {
		t.Fatal(err)
	}
	if v.Encoding() != SentencePiece {
		t.Errorf("encoding = %v", v.Encoding())
	}

	if _, err := l.Load(context.Background(), "missing/model"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}

	if _, err := l.Load(context.Background(), "../etc"); err == nil {
		t.Error("expected error for path traversal")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, "Qwen/Qwen2.5-0.5B"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
