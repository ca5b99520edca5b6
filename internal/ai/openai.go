package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIResponder generates replies through chat completions.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

// NewOpenAIResponder builds a responder. baseURL may be empty for the
// public endpoint; model defaults to gpt-4o-mini.
func NewOpenAIResponder(apiKey, baseURL, model string) *OpenAIResponder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIResponder{client: openai.NewClientWithConfig(cfg), model: model}
}

// Generate sends the system prompt and the inbound text as a two-message chat.
func (r *OpenAIResponder) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:    r.model,
		Messages: msgs,
		User:     req.UserID,
	}
	applyParams(&creq, req.Params)

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		generationLatency.WithLabelValues("openai", "error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("openai completion: %w", err)
	}
	generationLatency.WithLabelValues("openai", "ok").Observe(time.Since(start).Seconds())
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResult
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResult
	}
	return text, nil
}

// applyParams copies the sampling settings chat completions understand.
// Unknown keys and values of the wrong type are ignored.
func applyParams(creq *openai.ChatCompletionRequest, params map[string]any) {
	if m, ok := params["model"].(string); ok && m != "" {
		creq.Model = m
	}
	if v, ok := paramFloat(params["temperature"]); ok {
		creq.Temperature = float32(v)
	}
	if v, ok := paramFloat(params["top_p"]); ok {
		creq.TopP = float32(v)
	}
	if v, ok := paramFloat(params["max_tokens"]); ok {
		creq.MaxTokens = int(v)
	}
}

// paramFloat accepts the number types JSON and YAML decoding produce.
func paramFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
