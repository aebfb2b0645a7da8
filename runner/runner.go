// Package runner drives token generation against a model, constrained or
// not.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ollama/structured/envconfig"
	"github.com/ollama/structured/grammar"
	"github.com/ollama/structured/logutil"
	"github.com/ollama/structured/sample"
	"github.com/ollama/structured/vocab"
)

// Model computes next token logits for a token context. The returned slice
// is indexed by token id.
type Model interface {
	Forward(ctx context.Context, tokens []int32) ([]float32, error)
}

// Sink receives generated text as it becomes valid UTF-8. Returning an error
// stops generation.
type Sink func(text string) error

type Request struct {
	Model      Model
	Vocabulary *vocab.Vocabulary

	// Prompt is encoded unless Tokens is set.
	Prompt string
	Tokens []int32

	// Automaton constrains the output. Nil generates freely.
	Automaton *grammar.Automaton

	Options sample.Options

	// MaxLength bounds the generated tokens. Zero uses envconfig.MaxLength.
	MaxLength int

	// Stop sequences end unconstrained generation.
	Stop []string

	StopOnMatch bool
}

type DoneReason string

const (
	DoneReasonStop   DoneReason = "stop"
	DoneReasonLength DoneReason = "length"
	DoneReasonCancel DoneReason = "cancel"
	DoneReasonError  DoneReason = "error"
)

type Result struct {
	Text       string        `json:"text"`
	Tokens     []int32       `json:"tokens"`
	Status     sample.Status `json:"-"`
	DoneReason DoneReason    `json:"done_reason"`
}

func doneReason(s sample.Status) DoneReason {
	switch s {
	case sample.Accepted:
		return DoneReasonStop
	case sample.LengthLimited:
		return DoneReasonLength
	case sample.Cancelled:
		return DoneReasonCancel
	default:
		return DoneReasonError
	}
}

// Generate runs req to completion. Cancelling ctx ends generation at the next
// step with a Cancelled result and no error.
func Generate(ctx context.Context, req Request, sink Sink) (Result, error) {
	if req.Model == nil || req.Vocabulary == nil {
		return Result{}, errors.New("runner: model and vocabulary are required")
	}
	if req.Automaton != nil && req.Automaton.Vocabulary() != req.Vocabulary {
		return Result{}, errors.New("runner: automaton was compiled for a different vocabulary")
	}

	tokens := req.Tokens
	if tokens == nil {
		var err error
		if tokens, err = req.Vocabulary.Encode(req.Prompt, true); err != nil {
			return Result{}, fmt.Errorf("encode prompt: %w", err)
		}
	}

	maxLength := req.MaxLength
	if maxLength <= 0 {
		maxLength = envconfig.MaxLength
	}

	session := sample.NewSession(req.Automaton,
		sample.WithOptions(req.Options),
		sample.WithMaxSteps(maxLength),
		sample.WithStopTokens(req.Vocabulary.StopTokens()...),
		sample.WithStopOnMatch(req.StopOnMatch),
		sample.WithHistory(tokens),
	)

	// stop sequences only apply to free text
	stops := req.Stop
	if req.Automaton != nil {
		stops = nil
	}

	var (
		result  Result
		text    strings.Builder
		pending string
		buf     bytes.Buffer
	)

	emit := func(s string) error {
		if s == "" {
			return nil
		}
		text.WriteString(s)
		return sink(s)
	}

	started := time.Now()
	history := append([]int32(nil), tokens...)

	status, err := func() (sample.Status, error) {
		for session.Status() == sample.Open {
			if ctx.Err() != nil {
				session.Cancel()
				break
			}

			logits, err := req.Model.Forward(ctx, history)
			if err != nil {
				if ctx.Err() != nil {
					session.Cancel()
					break
				}
				return sample.Failed, fmt.Errorf("forward: %w", err)
			}

			id, err := session.Step(logits)
			if err != nil {
				return sample.Failed, err
			}
			history = append(history, id)

			if req.Vocabulary.IsEOS(id) {
				logutil.Trace("runner: stop token", "id", id)
				continue
			}

			result.Tokens = append(result.Tokens, id)
			b, err := req.Vocabulary.Bytes(id)
			if err != nil {
				return sample.Failed, err
			}
			buf.Write(b)

			piece := flushValidUTF8Prefix(&buf)
			logutil.Trace("runner: token", "id", id, "piece", piece)
			if len(stops) == 0 {
				if err := emit(piece); err != nil {
					return sample.Failed, err
				}
				continue
			}

			sequence := pending + piece
			if i, ok := findStop(sequence, stops); ok {
				// bytes held back past the stop are not part of the output
				pending = ""
				buf.Reset()
				return sample.Accepted, emit(sequence[:i])
			}

			if containsStopSuffix(sequence, stops) {
				pending = sequence
				continue
			}

			pending = ""
			if err := emit(sequence); err != nil {
				return sample.Failed, err
			}
		}
		return session.Status(), nil
	}()

	if err == nil {
		// anything held back belongs to the output once generation ends
		err = emit(pending + buf.String())
	}

	result.Text = text.String()
	result.Status = status
	if err != nil {
		result.Status = sample.Failed
	}
	result.DoneReason = doneReason(result.Status)

	slog.Debug("generate", "status", result.Status, "tokens", len(result.Tokens), "duration", time.Since(started))
	return result, err
}
