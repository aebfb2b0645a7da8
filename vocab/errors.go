package vocab

import (
	"errors"
	"fmt"
)

var (
	ErrVocabLoad    = errors.New("vocabulary load failed")
	ErrUnknownToken = errors.New("unknown token")
)

// LoadError reports a malformed or empty tokenizer definition.
type LoadError struct {
	Source string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrVocabLoad, e.Reason)
	if e.Source != "" {
		msg = fmt.Sprintf("%s: %s: %s", ErrVocabLoad, e.Source, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Is(target error) bool {
	return target == ErrVocabLoad
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadError(reason string, args ...any) *LoadError {
	return &LoadError{Reason: fmt.Sprintf(reason, args...)}
}
