// Package api holds the request and response types of the HTTP interface
// and a client for it.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/ollama/structured/grammar"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the server logs for details"
	}
}

// ResolveRequest asks which tokenizer serves a model.
type ResolveRequest struct {
	// Model is a model identifier such as "qwen2.5:7b-instruct-q4_K_M".
	Model string `json:"model"`

	// Tokenizer overrides resolution when set.
	Tokenizer string `json:"tokenizer,omitempty"`
}

type ResolveResponse struct {
	Model     string `json:"model"`
	Tokenizer string `json:"tokenizer"`
}

// ConstraintRequest compiles Schema, or Regex, for a tokenizer. Either
// Tokenizer or Model must be set; Tokenizer wins when both are. Exactly one
// of Schema and Regex must be set.
type ConstraintRequest struct {
	Model     string          `json:"model,omitempty"`
	Tokenizer string          `json:"tokenizer,omitempty"`
	Schema    json.RawMessage `json:"schema,omitempty"`

	// Regex is an RE2 pattern the whole output must match.
	Regex string `json:"regex,omitempty"`
}

type ConstraintResponse struct {
	Tokenizer string        `json:"tokenizer"`
	Stats     grammar.Stats `json:"stats"`
}

// CheckRequest replays Text through the constraint for Schema or Regex,
// token by token, as a constrained generation would have produced it.
type CheckRequest struct {
	Model     string          `json:"model,omitempty"`
	Tokenizer string          `json:"tokenizer,omitempty"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	Regex     string          `json:"regex,omitempty"`
	Text      string          `json:"text"`
}

type CheckResponse struct {
	Tokenizer string `json:"tokenizer"`

	// Status is the session status after the replay: "accepted" when the
	// text is a complete match, "open" when it is a valid but incomplete
	// prefix and "failed" otherwise.
	Status string `json:"status"`

	// Tokens is the number of tokens of Text consumed before the session
	// closed.
	Tokens int `json:"tokens"`
	Total  int `json:"total"`

	Error string `json:"error,omitempty"`
}
