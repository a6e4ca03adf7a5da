package llm

import (
	"context"
	"fmt"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	// Tag names the caller (the pipeline stage). Providers never send it.
	Tag         string
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage is token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Completion is the textual answer of the model.
type Completion struct {
	Content string
	Usage   *Usage
}

// Completer sends one chat request to a language model.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
}

// StatusError is returned by completers when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model endpoint status %d: %s", e.StatusCode, e.Body)
}
