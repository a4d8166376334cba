package main

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel     = string(anthropic.ModelClaudeSonnet4_5)
	defaultAnthropicFastModel = string(anthropic.ModelClaudeHaiku4_5)
)

type anthropicCompleter struct {
	client anthropic.Client
}

func newAnthropicCompleter(apiKey, baseURL string, opts ...option.RequestOption) *anthropicCompleter {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &anthropicCompleter{client: anthropic.NewClient(append(base, opts...)...)}
}

func (c *anthropicCompleter) Name() string { return providerAnthropic }

func (c *anthropicCompleter) Complete(ctx context.Context, req completionRequest) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		System:      []anthropic.TextBlockParam{{Text: req.System}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.User))},
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		aerr := &AssistantError{Backend: providerAnthropic, Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			aerr.StatusCode = apiErr.StatusCode
		}
		return "", aerr
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
