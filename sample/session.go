// Package sample picks tokens from logits, optionally constrained by a
// compiled grammar.
package sample

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/logutil"
)

var (
	// ErrNoValidTokens is returned when the constraint leaves no token
	// with a logit to choose from.
	ErrNoValidTokens = errors.New("no valid tokens")

	ErrSessionClosed = errors.New("session is closed")
)

type Status int

const (
	Open Status = iota
	Accepted
	LengthLimited
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Accepted:
		return "accepted"
	case LengthLimited:
		return "length_limited"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s != Open
}

// Session decodes one generation. It is owned by a single goroutine.
type Session struct {
	automaton *grammar.Automaton
	pos       grammar.Position

	sampler     Sampler
	stops       []int32
	maxSteps    int
	stopOnMatch bool

	penalty float64
	lastN   int
	history []int32

	steps  int
	output []byte
	status Status
}

type SessionOption func(*Session)

// WithMaxSteps bounds the number of tokens the session may emit. Zero or
// less is unbounded.
func WithMaxSteps(n int) SessionOption {
	return func(s *Session) {
		s.maxSteps = n
	}
}

// WithStopTokens replaces the tokens that end generation.
func WithStopTokens(ids ...int32) SessionOption {
	return func(s *Session) {
		s.stops = slices.Clone(ids)
	}
}

func WithSampler(sampler Sampler) SessionOption {
	return func(s *Session) {
		s.sampler = sampler
	}
}

// WithStopOnMatch ends the session once the output is a complete value that
// nothing may extend, without waiting for the model to pick a stop token.
func WithStopOnMatch(stop bool) SessionOption {
	return func(s *Session) {
		s.stopOnMatch = stop
	}
}

// WithRepeatPenalty penalizes the last n tokens of the history. A negative
// n covers the whole history.
func WithRepeatPenalty(penalty float64, n int) SessionOption {
	return func(s *Session) {
		s.penalty, s.lastN = penalty, n
	}
}

// WithHistory seeds the repeat penalty history, usually with the prompt.
func WithHistory(ids []int32) SessionOption {
	return func(s *Session) {
		s.history = slices.Clone(ids)
	}
}

// WithOptions configures the sampler and the repeat penalty from o.
func WithOptions(o Options) SessionOption {
	return func(s *Session) {
		s.sampler = New(o)
		s.penalty, s.lastN = o.RepeatPenalty, o.RepeatLastN
	}
}

// NewSession starts a session at the start of a. A nil automaton leaves
// generation unconstrained.
func NewSession(a *grammar.Automaton, opts ...SessionOption) *Session {
	s := &Session{automaton: a, sampler: Greedy()}
	if a != nil {
		s.pos = a.Start()
		s.stops = a.StopTokens()
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Status() Status {
	return s.status
}

// Output returns the constrained bytes emitted so far, excluding stop
// tokens. Unconstrained sessions do not track output.
func (s *Session) Output() []byte {
	return s.output
}

func (s *Session) Steps() int {
	return s.steps
}

// Cancel ends an open session.
func (s *Session) Cancel() {
	if s.status == Open {
		s.status = Cancelled
	}
}

func (s *Session) isStop(id int32) bool {
	return slices.Contains(s.stops, id)
}

// Step picks the next token from logits and advances the session.
func (s *Session) Step(logits []float32) (int32, error) {
	if s.status != Open {
		return -1, fmt.Errorf("%w: %s", ErrSessionClosed, s.status)
	}

	work := slices.Clone(logits)
	if s.penalty > 0 && s.penalty != 1 {
		recent := s.history
		if s.lastN >= 0 && len(recent) > s.lastN {
			recent = recent[len(recent)-s.lastN:]
		}

		penalized, err := RepeatPenalty{Penalty: s.penalty, Recent: recent}.Apply(float32s(work))
		if err != nil {
			return -1, err
		}
		for i, v := range penalized {
			work[i] = float32(v)
		}
	}

	if s.automaton != nil {
		allowed := make([]bool, len(work))
		var n int
		mark := func(id int32) {
			if int(id) < len(work) && !allowed[id] && !math.IsInf(float64(work[id]), -1) && !math.IsNaN(float64(work[id])) {
				allowed[id] = true
				n++
			}
		}

		s.automaton.Allowed(s.pos, mark)
		if s.automaton.CanStop(s.pos) {
			for _, id := range s.stops {
				mark(id)
			}
		}

		logutil.Trace("sample: mask", "step", s.steps, "state", s.pos.State, "allowed", n)
		if n == 0 {
			s.status = Failed
			return -1, fmt.Errorf("%w at step %d after %q", ErrNoValidTokens, s.steps, s.output)
		}

		for i := range work {
			if !allowed[i] {
				work[i] = float32(math.Inf(-1))
			}
		}
	}

	id, err := s.sampler.Sample(work)
	if err != nil {
		return -1, err
	}

	s.steps++
	s.history = append(s.history, id)

	if s.isStop(id) {
		if s.automaton == nil || s.automaton.CanStop(s.pos) {
			s.status = Accepted
		} else {
			s.status = Failed
		}
		logutil.Trace("sample: stop", "id", id, "status", s.status)
		return id, nil
	}

	if s.automaton == nil {
		if s.maxSteps > 0 && s.steps >= s.maxSteps {
			s.status = LengthLimited
		}
		return id, nil
	}

	pos, ok := s.automaton.Advance(s.pos, id)
	if !ok {
		s.status = Failed
		return -1, fmt.Errorf("%w: token %d rejected at state %d", ErrNoValidTokens, id, s.pos.State)
	}
	s.pos = pos

	b, _ := s.automaton.Vocabulary().Bytes(id)
	s.output = append(s.output, b...)

	// a complete value with nothing left to add still waits for a stop
	// token unless stop-on-match is set or there is none to wait for
	switch {
	case s.automaton.CanStop(pos) && !s.automaton.Continues(pos) && (s.stopOnMatch || len(s.stops) == 0):
		s.status = Accepted
	case s.maxSteps > 0 && s.steps >= s.maxSteps:
		if s.automaton.CanStop(pos) {
			s.status = Accepted
		} else {
			s.status = LengthLimited
		}
	}

	logutil.Trace("sample: step", "id", id, "state", pos.State, "status", s.status)
	return id, nil
}

func float32s(f []float32) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}
