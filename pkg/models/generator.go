package models

import (
	"context"
	"errors"
)

// Sentinel errors shared by every Generator implementation.
var (
	ErrGenUnavailable     = errors.New("code generation provider unavailable")
	ErrGenTimeout         = errors.New("code generation timeout")
	ErrGenInvalidResponse = errors.New("code generation provider returned invalid response")
)

// Generator produces renderer scene code from a natural-language prompt.
// Implementations live in internal/gen.
type Generator interface {
	Name() string
	// Generate returns Python scene code for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// Regenerate returns corrected scene code given a prior attempt's code
	// and the error text it produced.
	Regenerate(ctx context.Context, prompt, priorCode, errText string) (string, error)
}
