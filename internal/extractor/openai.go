package extractor

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAICompleter implements Completer over the Chat Completions API.
type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAICompleter creates a completer. An empty baseURL keeps the
// library default.
func NewOpenAICompleter(apiKey, baseURL, model string, temperature float64) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: float32(temperature),
	}
}

// Complete requests a JSON-object completion and returns its content.
func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: c.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// isPermanent reports errors a retry cannot fix: client errors other than
// rate limiting, and malformed output.
func isPermanent(err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		return code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout
	}
	return false
}
