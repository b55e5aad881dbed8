// Package llm is the OpenAI-compatible chat fallback for the assistant.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrNotConfigured = errors.New("llm: no API key configured")
	ErrEmptyResponse = errors.New("llm: response has no choices")
)

const (
	DefaultModel = "gpt-4o-mini"
	maxTokens    = 1024
	temperature  = 0.7
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// HTTPClient should carry the outbound TLS and timeout settings.
	HTTPClient *http.Client
}

// Client answers prompts through a chat completions endpoint.
type Client struct {
	model  string
	client *openai.Client
}

// New returns nil when cfg has no API key, so callers can treat a nil
// *Client as "not configured".
func New(cfg Config) *Client {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Client{model: model, client: openai.NewClientWithConfig(oc)}
}

func (c *Client) Available() bool { return c != nil }

func (c *Client) Model() string { return c.model }

// Ask sends background, when present, as a system message ahead of prompt.
func (c *Client) Ask(ctx context.Context, prompt, background string) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}
	var msgs []openai.ChatCompletionMessage
	if strings.TrimSpace(background) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Context: " + background,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	return c.complete(ctx, msgs)
}

// Describe sends image as a data URL alongside prompt. The model must
// accept image input.
func (c *Client) Describe(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	msgs := []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}},
		},
	}}
	return c.complete(ctx, msgs)
}

func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// IsAPIError reports a transport or API status failure.
func IsAPIError(err error) bool {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	return errors.As(err, &apiErr) || errors.As(err, &reqErr)
}
