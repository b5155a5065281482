package ai

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Completion struct {
	Reply      string
	TokensUsed int
}

// Provider is a synchronous chat-completion backend.
type Provider interface {
	// Validate reports missing configuration without touching the network.
	Validate() error
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

var (
	ErrMissingAPIKey   = errors.New("openrouter: api key is not configured")
	ErrMissingAPIURL   = errors.New("openrouter: api url is not configured")
	ErrTimeout         = errors.New("openrouter: request timed out")
	ErrUnauthorized    = errors.New("openrouter: credential rejected")
	ErrInvalidResponse = errors.New("openrouter: response has no parsable reply")
)

// UpstreamError is a non-2xx answer, or a transport failure when Status is 0.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("openrouter: request failed: %v", e.Err)
	}
	return fmt.Sprintf("openrouter: status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
