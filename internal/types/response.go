package types

// ModelResponse is what a backend client returns on success. The dispatcher
// reads only Content and Usage; everything else is carried through for callers.
type ModelResponse struct {
	RequestID    string `json:"request_id"`
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
