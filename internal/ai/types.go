// Package ai talks to hosted LLM providers and normalizes their request,
// response and stream shapes into one set of types.
package ai

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1000
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is provider independent. Zero values fall back to provider
// defaults; Temperature is a pointer so an explicit 0 survives.
type Request struct {
	Model        string
	Messages     []Message
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Message      Message `json:"message"`
	Usage        Usage   `json:"usage"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type EventKind int

const (
	EventFragment EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one item of a streamed completion. Fragment carries the new text,
// Completed carries the full text, Failed carries Err and the text received
// before the failure.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Provider is one hosted model API. Stream returns a channel that yields zero
// or more Fragment events followed by exactly one Completed or Failed event,
// and is then closed.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) <-chan Event
}

func Float(v float64) *float64 { return &v }
