package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultGroqBaseURL   = "https://api.groq.com/openai/v1/"
	defaultGroqModel     = "llama-3.3-70b-versatile"
	defaultGroqFastModel = "llama-3.1-8b-instant"
)

// openAICompleter talks to any OpenAI-compatible chat completions endpoint.
type openAICompleter struct {
	name   string
	client openai.Client
}

func newOpenAICompleter(name, apiKey, baseURL string, opts ...option.RequestOption) *openAICompleter {
	if baseURL == "" {
		baseURL = defaultGroqBaseURL
	}
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}, opts...)
	return &openAICompleter{name: name, client: openai.NewClient(opts...)}
}

func (c *openAICompleter) Name() string { return c.name }

func (c *openAICompleter) Complete(ctx context.Context, req completionRequest) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
	})
	if err != nil {
		aerr := &AssistantError{Backend: c.name, Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			aerr.StatusCode = apiErr.StatusCode
		}
		return "", aerr
	}
	if len(resp.Choices) == 0 {
		return "", &AssistantError{Backend: c.name, StatusCode: http.StatusOK, Err: errors.New("completion returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}
