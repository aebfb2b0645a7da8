// Package registry maps model repository identifiers to the tokenizer that
// should be loaded for them when the model ships without one.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

var ErrUnresolvedTokenizer = errors.New("unresolved tokenizer")

// ResolveError reports a model identifier that no rule or fallback matched.
type ResolveError struct {
	Model string
	Err   error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s: %s: supply a tokenizer explicitly", e.Err, e.Model)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

type Tokenizer struct {
	ID     string  `yaml:"id" json:"id"`
	Params float64 `yaml:"params" json:"params"`
}

// Family is one rule of the table: every identifier matching Match resolves
// to the smallest of Tokenizers.
type Family struct {
	Name       string      `yaml:"name" json:"name"`
	Lineage    string      `yaml:"lineage" json:"lineage"`
	Default    bool        `yaml:"default,omitempty" json:"default,omitempty"`
	Match      string      `yaml:"match" json:"match"`
	Tokenizers []Tokenizer `yaml:"tokenizers" json:"tokenizers"`

	re *regexp2.Regexp
}

// canonical is the smallest tokenizer, ties broken by table order.
func (f Family) canonical() string {
	best := f.Tokenizers[0]
	for _, t := range f.Tokenizers[1:] {
		if t.Params < best.Params {
			best = t
		}
	}
	return best.ID
}

// Registry is an ordered rule table. It is read-only after construction and
// safe for concurrent use.
type Registry struct {
	families []Family
}

// New validates and compiles families, keeping their order.
func New(families []Family) (*Registry, error) {
	r := &Registry{families: make([]Family, len(families))}
	for i, f := range families {
		if f.Name == "" {
			return nil, fmt.Errorf("family %d: missing name", i)
		}
		if len(f.Tokenizers) == 0 {
			return nil, fmt.Errorf("family %s: no tokenizers", f.Name)
		}
		for _, t := range f.Tokenizers {
			if t.ID == "" {
				return nil, fmt.Errorf("family %s: tokenizer without id", f.Name)
			}
		}

		re, err := regexp2.Compile(f.Match, regexp2.RE2)
		if err != nil {
			return nil, fmt.Errorf("family %s: %w", f.Name, err)
		}

		f.re = re
		f.Lineage = strings.ToLower(f.Lineage)
		r.families[i] = f
	}
	return r, nil
}

// Load reads a YAML rule table. Unknown fields are rejected.
func Load(rd io.Reader) (*Registry, error) {
	var table struct {
		Families []Family `yaml:"families"`
	}

	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("parse tokenizer rules: %w", err)
	}
	return New(table.Families)
}

//go:embed rules.yaml
var defaultRules []byte

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := Load(bytes.NewReader(defaultRules))
	if err != nil {
		panic(err)
	}
	return r
})

// Default returns the built-in table.
func Default() *Registry {
	return defaultRegistry()
}

// Families returns a copy of the table.
func (r *Registry) Families() []Family {
	return slices.Clone(r.families)
}

// Resolve returns the tokenizer identifier for model. The first family
// whose pattern matches wins; otherwise the model's lineage is guessed from
// its name and that lineage's default family is used.
func (r *Registry) Resolve(model string) (string, error) {
	name := Normalize(model)
	if name == "" {
		return "", &ResolveError{Model: model, Err: ErrUnresolvedTokenizer}
	}

	for _, f := range r.families {
		if ok, _ := f.re.MatchString(name); ok {
			id := f.canonical()
			slog.Debug("resolved tokenizer", "model", model, "family", f.Name, "tokenizer", id)
			return id, nil
		}
	}

	for _, lineage := range lineages(name) {
		if f, ok := r.lineage(lineage); ok {
			id := f.canonical()
			slog.Debug("resolved tokenizer by lineage", "model", model, "lineage", lineage, "family", f.Name, "tokenizer", id)
			return id, nil
		}
	}

	return "", &ResolveError{Model: model, Err: ErrUnresolvedTokenizer}
}

// ResolveOr returns explicit when it is set and resolves model otherwise.
func (r *Registry) ResolveOr(model, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	return r.Resolve(model)
}

func (r *Registry) lineage(name string) (Family, bool) {
	var first *Family
	for i, f := range r.families {
		if f.Lineage != name {
			continue
		}
		if f.Default {
			return f, true
		}
		if first == nil {
			first = &r.families[i]
		}
	}

	if first == nil {
		return Family{}, false
	}
	return *first, true
}

var suffixes = regexp2.MustCompile(`(?:[-_.](?:gguf|ggml|awq|gptq|exl2|mlx|imatrix|fp16|bf16|f16|fp8|int4|int8|[248]bit|i?q\d(?:_[a-z0-9]+)*))+$`, regexp2.RE2)

// Normalize case folds model and strips quantization and packaging
// suffixes such as -GGUF or -Q4_K_M.
func Normalize(model string) string {
	s := cases.Fold().String(strings.TrimSpace(model))
	s = strings.TrimSuffix(s, "/")
	if out, err := suffixes.Replace(s, "", -1, -1); err == nil {
		s = out
	}
	return s
}

// lineages lists candidate lineage names: the leading letters of each
// segment of the model name, then of the organization.
func lineages(name string) []string {
	org, base, ok := strings.Cut(name, "/")
	if !ok {
		org, base = "", name
	}

	var names []string
	for _, part := range []string{base, org} {
		for _, seg := range strings.FieldsFunc(part, func(r rune) bool {
			return r == '-' || r == '_' || r == '.'
		}) {
			i := strings.IndexFunc(seg, func(r rune) bool { return !unicode.IsLetter(r) })
			if i < 0 {
				i = len(seg)
			}
			if i > 0 && !slices.Contains(names, seg[:i]) {
				names = append(names, seg[:i])
			}
		}
	}
	return names
}
