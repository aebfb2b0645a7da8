package vocab

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Loader fetches the tokenizer definition for a tokenizer identifier such as
// "Qwen/Qwen2.5-0.5B".
type Loader interface {
	Load(ctx context.Context, id string) (*Vocabulary, error)
}

// DirLoader reads tokenizers from a local directory. Both a plain
// <root>/<org>/<name> tree and the HuggingFace hub cache layout
// (<root>/models--<org>--<name>/snapshots/<revision>) are understood.
type DirLoader struct {
	Root string
}

func (l DirLoader) Load(ctx context.Context, id string) (*Vocabulary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := l.Path(id)
	if err != nil {
		return nil, err
	}
	return LoadVocabulary(dir)
}

// Path returns the directory holding tokenizer.json for id.
func (l DirLoader) Path(id string) (string, error) {
	if id == "" || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid tokenizer identifier %q", id)
	}

	plain := filepath.Join(l.Root, filepath.FromSlash(id))
	if exists(filepath.Join(plain, "tokenizer.json")) {
		return plain, nil
	}

	snapshots := filepath.Join(l.Root, "models--"+strings.ReplaceAll(id, "/", "--"), "snapshots")
	if ref, err := os.ReadFile(filepath.Join(filepath.Dir(snapshots), "refs", "main")); err == nil {
		dir := filepath.Join(snapshots, strings.TrimSpace(string(ref)))
		if exists(filepath.Join(dir, "tokenizer.json")) {
			return dir, nil
		}
	}

	entries, err := os.ReadDir(snapshots)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	// newest revision last
	sort.Slice(entries, func(i, j int) bool {
		a, _ := entries[i].Info()
		b, _ := entries[j].Info()
		return a != nil && b != nil && a.ModTime().Before(b.ModTime())
	})
	for i := len(entries) - 1; i >= 0; i-- {
		dir := filepath.Join(snapshots, entries[i].Name())
		if exists(filepath.Join(dir, "tokenizer.json")) {
			return dir, nil
		}
	}

	return "", fmt.Errorf("tokenizer %s not found under %s: %w", id, l.Root, fs.ErrNotExist)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
