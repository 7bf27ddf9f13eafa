package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

// OllamaClient talks to a local Ollama server's chat API.
type OllamaClient struct {
	cfg    config.BackendConfig
	client *http.Client
}

func NewOllamaClient(cfg config.BackendConfig, client *http.Client) *OllamaClient {
	return &OllamaClient{cfg: cfg, client: client}
}

func (c *OllamaClient) ID() ID {
	return ID{Provider: c.cfg.Provider, Model: c.cfg.Model}
}

func (c *OllamaClient) Invoke(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error) {
	var options *ollamaOptions
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		options = &ollamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}

	body := ollamaRequestBody{
		Model:    c.cfg.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  options,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	url := c.cfg.BaseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(raw))
	}

	var ollResp ollamaResponseBody
	if err := json.Unmarshal(raw, &ollResp); err != nil {
		return nil, fmt.Errorf("unmarshal ollama response: %w", err)
	}

	finishReason := ""
	if ollResp.Done {
		finishReason = "stop"
	}

	return &types.ModelResponse{
		RequestID:    req.RequestID,
		Content:      ollResp.Message.Content,
		Model:        ollResp.Model,
		Provider:     c.cfg.Provider,
		FinishReason: finishReason,
		Usage: types.Usage{
			PromptTokens:     ollResp.PromptEvalCount,
			CompletionTokens: ollResp.EvalCount,
			TotalTokens:      ollResp.PromptEvalCount + ollResp.EvalCount,
		},
	}, nil
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaRequestBody struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponseBody struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}
