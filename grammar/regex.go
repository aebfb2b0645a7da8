package grammar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp/syntax"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ollama/structured/vocab"
)

// ErrInvalidPattern is returned for regular expressions that do not parse or
// use constructs a byte automaton cannot express.
var ErrInvalidPattern = errors.New("invalid pattern")

// CompileRegex builds the automaton accepting exactly the strings that match
// pattern in full, spelled with tokens of voc. Patterns use RE2 syntax and
// are implicitly anchored at both ends.
func CompileRegex(ctx context.Context, pattern string, voc *vocab.Vocabulary) (*Automaton, error) {
	started := time.Now()

	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	re = re.Simplify()

	n := &nfa{}
	start, accept := n.addState(), n.addState()
	if err := n.compileRegexp(re, start, accept); err != nil {
		return nil, err
	}

	a, err := build(ctx, n, start, accept, voc)
	if err != nil {
		return nil, err
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("compiled constraint", "regex", pattern, "stats", fmt.Sprintf("%+v", a.Stats()), "duration", time.Since(started))
	}
	return a, nil
}

func (n *nfa) compileRegexp(re *syntax.Regexp, entry, exit state) error {
	if len(n.states) > maxStates {
		return fmt.Errorf("%w: expands beyond %d states", ErrInvalidPattern, maxStates)
	}

	switch re.Op {
	case syntax.OpNoMatch:
	case syntax.OpEmptyMatch,
		syntax.OpBeginLine, syntax.OpEndLine,
		syntax.OpBeginText, syntax.OpEndText:
		// matches are whole outputs, so anchors only ever hold at the ends
		n.addEpsilon(entry, exit)
	case syntax.OpLiteral:
		from := entry
		for i, r := range re.Rune {
			to := exit
			if i < len(re.Rune)-1 {
				to = n.addState()
			}
			if re.Flags&syntax.FoldCase != 0 {
				for _, f := range fold(r) {
					n.addRuneRange(from, to, f, f)
				}
			} else {
				n.addRuneRange(from, to, r, r)
			}
			from = to
		}
		if len(re.Rune) == 0 {
			n.addEpsilon(entry, exit)
		}
	case syntax.OpCharClass:
		for i := 0; i+1 < len(re.Rune); i += 2 {
			n.addRuneRange(entry, exit, re.Rune[i], re.Rune[i+1])
		}
	case syntax.OpAnyCharNotNL:
		n.addRuneRange(entry, exit, 0, '\n'-1)
		n.addRuneRange(entry, exit, '\n'+1, unicode.MaxRune)
	case syntax.OpAnyChar:
		n.addRuneRange(entry, exit, 0, unicode.MaxRune)
	case syntax.OpCapture:
		return n.compileRegexp(re.Sub[0], entry, exit)
	case syntax.OpStar:
		loop := n.addState()
		n.addEpsilon(entry, loop)
		n.addEpsilon(loop, exit)
		return n.compileLoop(re.Sub[0], loop)
	case syntax.OpPlus:
		loop := n.addState()
		if err := n.compileRegexp(re.Sub[0], entry, loop); err != nil {
			return err
		}
		n.addEpsilon(loop, exit)
		return n.compileLoop(re.Sub[0], loop)
	case syntax.OpQuest:
		n.addEpsilon(entry, exit)
		return n.compileRegexp(re.Sub[0], entry, exit)
	case syntax.OpConcat:
		from := entry
		for i, sub := range re.Sub {
			to := exit
			if i < len(re.Sub)-1 {
				to = n.addState()
			}
			if err := n.compileRegexp(sub, from, to); err != nil {
				return err
			}
			from = to
		}
		if len(re.Sub) == 0 {
			n.addEpsilon(entry, exit)
		}
	case syntax.OpAlternate:
		for _, sub := range re.Sub {
			// each branch gets its own entry so loops inside one branch
			// cannot leak into another
			in := n.addState()
			n.addEpsilon(entry, in)
			if err := n.compileRegexp(sub, in, exit); err != nil {
				return err
			}
		}
	case syntax.OpRepeat:
		// Simplify expands counted repetition, so this only remains when
		// the count is out of range
		return fmt.Errorf("%w: repetition %s", ErrInvalidPattern, re)
	default:
		return fmt.Errorf("%w: %s is not supported", ErrInvalidPattern, re.Op)
	}
	return nil
}

// compileLoop lets sub repeat any number of times from loop back to loop.
func (n *nfa) compileLoop(sub *syntax.Regexp, loop state) error {
	in, out := n.addState(), n.addState()
	n.addEpsilon(loop, in)
	n.addEpsilon(out, loop)
	return n.compileRegexp(sub, in, out)
}

// fold returns r and every rune that case folds to it.
func fold(r rune) []rune {
	runes := []rune{r}
	for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
		runes = append(runes, f)
	}
	return runes
}

// addRuneRange adds paths from entry to exit spelling every rune in [lo, hi]
// as UTF-8. Surrogates have no encoding and are skipped.
func (n *nfa) addRuneRange(entry, exit state, lo, hi rune) {
	utf8Ranges(lo, hi, func(seq [][2]byte) {
		from := entry
		for i, r := range seq {
			to := exit
			if i < len(seq)-1 {
				to = n.addState()
			}
			n.addEdge(from, to, r[0], r[1])
			from = to
		}
	})
}

// utf8Ranges splits [lo, hi] into runs whose encodings are all the same
// length and differ only within one byte range per position, then calls emit
// with the byte ranges of each run.
func utf8Ranges(lo, hi rune, emit func([][2]byte)) {
	if lo > hi {
		return
	}

	if lo <= 0xdfff && hi >= 0xd800 {
		if lo < 0xd800 {
			utf8Ranges(lo, 0xd7ff, emit)
		}
		if hi > 0xdfff {
			utf8Ranges(0xe000, hi, emit)
		}
		return
	}

	for _, limit := range []rune{0x7f, 0x7ff, 0xffff} {
		if lo <= limit && hi > limit {
			utf8Ranges(lo, limit, emit)
			utf8Ranges(limit+1, hi, emit)
			return
		}
	}

	if hi < utf8.RuneSelf {
		emit([][2]byte{{byte(lo), byte(hi)}})
		return
	}

	size := utf8.RuneLen(lo)
	for i := 1; i < size; i++ {
		m := rune(1)<<(6*i) - 1
		if lo&^m == hi&^m {
			continue
		}
		if lo&m != 0 {
			utf8Ranges(lo, lo|m, emit)
			utf8Ranges((lo|m)+1, hi, emit)
			return
		}
		if hi&m != m {
			utf8Ranges(lo, (hi&^m)-1, emit)
			utf8Ranges(hi&^m, hi, emit)
			return
		}
	}

	a, b := utf8.AppendRune(nil, lo), utf8.AppendRune(nil, hi)
	seq := make([][2]byte, size)
	for i := range seq {
		seq[i] = [2]byte{a[i], b[i]}
	}
	emit(seq)
}
