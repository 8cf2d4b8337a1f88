// Package ai talks to external text-generation services. The Client wraps a
// provider Transport with model fallback, retries and tolerant parsing. The
// Scorer builds on it to obtain a profile score.
package ai

import "context"

// Message roles understood by every transport.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Token limit parameter names.
const (
	TokenFieldMaxTokens           = "max_tokens"
	TokenFieldMaxCompletionTokens = "max_completion_tokens"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call for one model.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	// TokenField selects how MaxTokens is sent to providers that distinguish
	// between the two names.
	TokenField string
	// Temperature is omitted when nil.
	Temperature *float64
}

// Response is what came back over the wire. Status is the HTTP status code (or
// its provider equivalent); Body holds the raw error payload for non-2xx
// statuses.
type Response struct {
	Status  int
	Body    string
	Content string
}

// Transport performs one completion call. A returned error means no response
// was obtained at all (network failure, cancelled context). HTTP level failures
// are reported through Response.Status instead.
type Transport interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
