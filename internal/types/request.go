package types

import "time"

// ModelRequest is the canonical representation of a single generation request
// handed to the dispatcher. Backend clients translate it into their provider's
// wire format.
type ModelRequest struct {
	RequestID string `json:"request_id"`

	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`

	// Metadata
	Agent        string `json:"agent,omitempty"`
	TraceContext string `json:"trace_context,omitempty"`

	// Internal tracking
	ReceivedAt time.Time `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
