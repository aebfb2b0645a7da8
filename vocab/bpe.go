package vocab

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/ollama/structured/logutil"
)

func (v *Vocabulary) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range v.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if offset-m.Index != 0 {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return slices.Values(parts)
}

// fragment is a string fragment and their corresponding token IDs
type fragment struct {
	value string
	ids   []int32
}

// pair is a pair of runes and its rank
type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	runes []rune
}

func (v *Vocabulary) merge(left, right string) int {
	if rank, ok := v.merges[left+" "+right]; ok {
		return rank
	}
	return -1
}

// Encode tokenizes prompt text. Control tokens spelled out in the text are
// kept whole. Vocabularies without merges fall back to greedy longest-match
// over canonical bytes.
func (v *Vocabulary) Encode(s string, addSpecial bool) ([]int32, error) {
	return v.encode(s, addSpecial, true)
}

// EncodeOutput tokenizes text as a model would have generated it: no BOS and
// no SentencePiece dummy prefix, so decoding the ids gives back s exactly.
func (v *Vocabulary) EncodeOutput(s string) ([]int32, error) {
	return v.encode(s, false, false)
}

func (v *Vocabulary) encode(s string, addSpecial, dummyPrefix bool) ([]int32, error) {
	fragments := []fragment{{value: s}}
	for _, special := range v.specials {
		id := v.spelled[special]
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch i := strings.Index(frag.value, special); {
			case i < 0:
				middle = append(middle, frag)
			case i > 0:
				middle = append(middle, fragment{value: frag.value[:i]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[i+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = append(fragments[:i], append(middle, fragments[i+1:]...)...)
		}
	}

	var ids []int32
	for i, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		var (
			encoded []int32
			err     error
		)
		switch {
		case len(v.merges) == 0:
			encoded, err = v.longestMatch([]byte(frag.value))
		case v.encoding == SentencePiece:
			text := frag.value
			if i == 0 && dummyPrefix {
				text = " " + text
			}
			encoded, err = v.bpe(v.encoding.spell([]byte(text)))
		default:
			for split := range v.split(frag.value) {
				var more []int32
				if more, err = v.bpe(v.encoding.spell([]byte(split))); err != nil {
					break
				}
				encoded = append(encoded, more...)
			}
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, encoded...)
	}

	if addSpecial && v.addBOS && len(v.bos) > 0 {
		if len(ids) > 0 && slices.Contains(v.bos, ids[0]) {
			slog.Warn("adding bos token to prompt which already has it", "id", v.bos)
		}
		ids = append([]int32{v.bos[0]}, ids...)
	}

	logutil.Trace("encoded", "string", s, "ids", lazyIdsString{ids: ids})
	return ids, nil
}

// bpe merges a single pre-split piece already spelled in the vocabulary's
// alphabet.
func (v *Vocabulary) bpe(piece string) ([]int32, error) {
	// short circuit if the piece is in the vocabulary
	if id, ok := v.spelled[piece]; ok && !v.special[id] {
		return []int32{id}, nil
	}

	runes := []rune(piece)
	merges := make([]merge, len(runes))
	for r := range runes {
		merges[r] = merge{
			p:     r - 1,
			n:     r + 1,
			runes: []rune{runes[r]},
		}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[b].runes)
		rank := v.merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{
			a:     a,
			b:     b,
			rank:  rank,
			value: left + right,
		}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != pair.value {
			continue
		}

		if _, ok := v.spelled[pair.value]; !ok {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, merge := range merges {
		if len(merge.runes) == 0 {
			continue
		}

		if id, ok := v.spelled[string(merge.runes)]; ok {
			ids = append(ids, id)
			continue
		}

		// sentencepiece byte fallback
		b, _, _ := v.encoding.canonical(string(merge.runes))
		for _, c := range b {
			id := v.byteTokens[c]
			if id < 0 {
				return nil, fmt.Errorf("%w: no token for byte 0x%02x", ErrUnknownToken, c)
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// longestMatch tokenizes b greedily using the byte trie.
func (v *Vocabulary) longestMatch(b []byte) ([]int32, error) {
	var ids []int32
	for len(b) > 0 {
		n, best, length := v.root, int32(-1), 0
		for i, c := range b {
			if n = n.child(c); n == nil {
				break
			}
			if n.id >= 0 {
				best, length = n.id, i+1
			}
		}

		if best < 0 {
			return nil, fmt.Errorf("%w: no token for byte 0x%02x", ErrUnknownToken, b[0])
		}
		ids = append(ids, best)
		b = b[length:]
	}
	return ids, nil
}

type lazyIdsString struct {
	ids []int32
}

func (l lazyIdsString) LogValue() slog.Value {
	return slog.AnyValue(fmt.Sprint(l.ids))
}

// Decode concatenates the canonical bytes of ids.
func (v *Vocabulary) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		b, err := v.Bytes(id)
		if err != nil {
			return "", err
		}
		sb.Write(b)
	}

	logutil.Trace("decoded", "string", sb.String(), "from", lazyIdsString{ids: ids})
	return sb.String(), nil
}
