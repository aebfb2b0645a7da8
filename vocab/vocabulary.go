package vocab

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/dlclark/regexp2"
)

// Definition is everything needed to build a Vocabulary. Tokens is indexed by
// token id; an empty string marks an unused id.
type Definition struct {
	Tokens   []string
	Special  []bool
	Merges   []string
	Encoding Encoding

	BOS, EOS []int32
	AddBOS   bool

	// Pretokenizer is the split pattern for byte-level prompt encoding.
	Pretokenizer string
}

// Vocabulary maps token ids to the bytes they produce. It is immutable once
// built and safe for concurrent use.
type Vocabulary struct {
	encoding Encoding

	values   []string
	bytes    [][]byte
	special  []bool
	usable   []bool
	fallback []bool

	reverse map[string]int32
	spelled map[string]int32
	merges  map[string]int
	root    *trieNode

	bos, eos []int32
	stops    []int32
	addBOS   bool

	byteTokens [256]int32
	regexps    []*regexp2.Regexp
	specials   []string
}

// defaultPretokenizer is the GPT-2 byte-level split pattern.
const defaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// stopSpecials are control tokens that end a turn in chat models even when
// the tokenizer config does not list them as EOS.
var stopSpecials = []string{"<|im_end|>", "<|eot_id|>", "<|end|>", "<end_of_turn>", "<|endoftext|>", "</s>"}

// New builds a Vocabulary from def.
func New(def Definition) (*Vocabulary, error) {
	if len(def.Tokens) == 0 {
		return nil, loadError("empty vocabulary")
	}
	if def.Special != nil && len(def.Special) != len(def.Tokens) {
		return nil, loadError("special flags cover %d of %d tokens", len(def.Special), len(def.Tokens))
	}

	n := len(def.Tokens)
	v := &Vocabulary{
		encoding: def.Encoding,
		values:   def.Tokens,
		bytes:    make([][]byte, n),
		special:  make([]bool, n),
		usable:   make([]bool, n),
		fallback: make([]bool, n),
		reverse:  make(map[string]int32, n),
		spelled:  make(map[string]int32, n),
		merges:   make(map[string]int, len(def.Merges)),
		root:     newTrieNode(),
		addBOS:   def.AddBOS,
	}

	for _, ids := range [][]int32{def.BOS, def.EOS} {
		for _, id := range ids {
			if id < 0 || int(id) >= n {
				return nil, loadError("special token id %d outside vocabulary of %d", id, n)
			}
		}
	}
	v.bos = slices.Clone(def.BOS)
	v.eos = slices.Clone(def.EOS)

	for i := range v.byteTokens {
		v.byteTokens[i] = -1
	}

	var present, undecodable int
	decoded := make([]bool, n)
	for i, s := range def.Tokens {
		if s == "" {
			continue
		}
		present++

		id := int32(i)
		v.spelled[s] = id
		if def.Special != nil && def.Special[i] {
			v.special[i] = true
			v.bytes[i] = []byte(s)
			v.specials = append(v.specials, s)
			continue
		}

		b, fallback, ok := def.Encoding.canonical(s)
		if !ok {
			undecodable++
			v.bytes[i] = []byte(s)
			slog.Debug("token cannot be spelled as bytes", "id", id, "token", s, "encoding", def.Encoding)
			continue
		}

		v.bytes[i] = b
		decoded[i] = true
		v.fallback[i] = fallback
		if fallback {
			v.byteTokens[b[0]] = id
		}
	}

	if present == 0 {
		return nil, loadError("vocabulary has no tokens")
	}

	// The reverse index prefers regular pieces over byte fallbacks and lower
	// ids over higher ones, so every id it returns round-trips.
	for i := range v.bytes {
		if !decoded[i] || len(v.bytes[i]) == 0 {
			continue
		}

		key := string(v.bytes[i])
		prev, ok := v.reverse[key]
		if !ok || (v.fallback[prev] && !v.fallback[i]) {
			v.reverse[key] = int32(i)
		}
	}

	for key, id := range v.reverse {
		v.usable[id] = true
		v.root.insert([]byte(key), id)
	}

	for i, merge := range def.Merges {
		v.merges[merge] = i
	}

	for _, s := range stopSpecials {
		if id, ok := v.spelled[s]; ok && v.special[id] && !slices.Contains(v.eos, id) {
			v.stops = append(v.stops, id)
		}
	}

	pattern := def.Pretokenizer
	if pattern == "" {
		pattern = defaultPretokenizer
	}
	re, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("invalid pretokenizer %q", pattern), Err: err}
	}
	v.regexps = []*regexp2.Regexp{re}

	slog.Debug("vocabulary", "size", n, "encoding", v.encoding, "usable", len(v.reverse), "undecodable", undecodable)
	return v, nil
}

// Encoding reports the convention the vocabulary was built with.
func (v *Vocabulary) Encoding() Encoding {
	return v.encoding
}

// Size is the number of token ids, including unused ones.
func (v *Vocabulary) Size() int {
	return len(v.values)
}

// Bytes returns the canonical bytes of a token.
func (v *Vocabulary) Bytes(id int32) ([]byte, error) {
	if id < 0 || int(id) >= len(v.bytes) || v.bytes[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	return v.bytes[id], nil
}

// Lookup returns the token whose canonical bytes are exactly b.
func (v *Vocabulary) Lookup(b []byte) (int32, bool) {
	id, ok := v.reverse[string(b)]
	return id, ok
}

// Usable reports whether a token may be emitted under a constraint: it is a
// regular token and looking its bytes up yields the same id.
func (v *Vocabulary) Usable(id int32) bool {
	return id >= 0 && int(id) < len(v.usable) && v.usable[id]
}

// Special reports whether id is a control token.
func (v *Vocabulary) Special(id int32) bool {
	return id >= 0 && int(id) < len(v.special) && v.special[id]
}

// Token returns the token string as it appears in the tokenizer definition.
func (v *Vocabulary) Token(id int32) string {
	if id < 0 || int(id) >= len(v.values) {
		return ""
	}
	return v.values[id]
}

// EOS returns the end of sequence ids.
func (v *Vocabulary) EOS() []int32 {
	return v.eos
}

// StopTokens returns the EOS ids followed by end-of-turn control tokens.
func (v *Vocabulary) StopTokens() []int32 {
	return append(slices.Clone(v.eos), v.stops...)
}

// IsEOS reports whether id ends generation.
func (v *Vocabulary) IsEOS(id int32) bool {
	return slices.Contains(v.eos, id) || slices.Contains(v.stops, id)
}
