package generation

import (
	"context"
	"fmt"
)

// Style carries answer-shaping hints passed through to the collaborator.
type Style struct {
	Tone      string `json:"tone,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Completion is the collaborator's response.
type Completion struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

// Generator produces the final answer from assembled context. Errors from it
// are the one failure class surfaced to the end caller.
type Generator interface {
	Complete(ctx context.Context, promptContext, query string, style Style) (Completion, error)
}

// Error wraps a collaborator failure. It is never retried here; retry policy
// belongs to the caller.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("generation failed: %v", e.Err) }

func (e *Error) Unwrap() error { return e.Err }
