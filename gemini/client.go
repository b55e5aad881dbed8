// Package gemini is a small client for the Gemini generateContent API with
// multi-key rate-limit retry.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

var (
	ErrNotConfigured = errors.New("gemini: no API key configured")
	ErrFiltered      = errors.New("gemini: response was filtered or incomplete")
	ErrNoCandidates  = errors.New("gemini: no candidates in response")
)

const (
	DefaultModel   = "gemini-1.5-flash"
	DefaultTimeout = 30 * time.Second

	maxAttemptsPerKey = 3
	defaultRetryDelay = 2 * time.Second
)

// Config selects keys, model and transport.
type Config struct {
	APIKeys []string
	Model   string
	Timeout time.Duration
	// BaseURL overrides the API endpoint. Empty uses Google's.
	BaseURL    string
	HTTPClient *http.Client
}

// Client sends text and vision prompts to Gemini.
type Client struct {
	cfg        Config
	logger     *zap.Logger
	retryDelay time.Duration

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := cfg.APIKeys[:0:0]
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	cfg.APIKeys = keys
	return &Client{
		cfg:        cfg,
		logger:     logger,
		retryDelay: defaultRetryDelay,
		clients:    make(map[string]*genai.Client),
	}
}

// Available reports whether at least one key is configured.
func (c *Client) Available() bool { return c != nil && len(c.cfg.APIKeys) > 0 }

func (c *Client) Model() string { return c.cfg.Model }

// GenerationConfig is the sampling setup used for every request.
func GenerationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.7),
		TopK:            genai.Ptr[float32](40),
		TopP:            genai.Ptr[float32](0.95),
		MaxOutputTokens: 1024,
	}
}

// Ask answers prompt. A non-empty background is sent first as its own
// "Context:" part.
func (c *Client) Ask(ctx context.Context, prompt, background string) (string, error) {
	var parts []*genai.Part
	if strings.TrimSpace(background) != "" {
		parts = append(parts, genai.NewPartFromText("Context: "+background+"\n\n"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	return c.generate(ctx, parts)
}

// Describe answers prompt about an inline image.
func (c *Client) Describe(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("gemini: empty image")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image, mimeType),
	}
	return c.generate(ctx, parts)
}

func (c *Client) generate(ctx context.Context, parts []*genai.Part) (string, error) {
	if !c.Available() {
		return "", ErrNotConfigured
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := c.generateWithRetry(ctx, contents, GenerationConfig())
	if err != nil {
		return "", err
	}
	return extractText(resp)
}

// generateWithRetry tries each key in order. Rate-limit errors retry the
// same key up to three times; any other error is returned at once.
func (c *Client) generateWithRetry(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var lastErr error
	for i, key := range c.cfg.APIKeys {
		client, err := c.client(ctx, key)
		if err != nil {
			lastErr = err
			c.logger.Warn("gemini client init failed", zap.Int("key", i+1), zap.Error(err))
			continue
		}

		for attempt := 1; attempt <= maxAttemptsPerKey; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			resp, err := client.Models.GenerateContent(callCtx, c.cfg.Model, contents, config)
			cancel()
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if !IsRateLimited(err) {
				return nil, fmt.Errorf("gemini: %w", err)
			}
			c.logger.Warn("gemini rate limited",
				zap.Int("key", i+1),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttemptsPerKey),
			)
			if attempt < maxAttemptsPerKey {
				select {
				case <-time.After(c.retryDelay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}
	return nil, fmt.Errorf("gemini: all %d API keys exhausted: %w", len(c.cfg.APIKeys), lastErr)
}

func (c *Client) client(ctx context.Context, key string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	cc := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.cfg.HTTPClient,
	}
	if c.cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = c.cfg.BaseURL
	}
	cl, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	c.clients[key] = cl
	return cl, nil
}

// IsRateLimited reports a 429, quota or rate-limit failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota")
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoCandidates
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", ErrFiltered
	}
	for _, p := range cand.Content.Parts {
		if p != nil && p.Text != "" {
			return p.Text, nil
		}
	}
	return "", ErrFiltered
}

// IsAPIError reports a failure talking to the API, as opposed to an empty
// or filtered answer.
func IsAPIError(err error) bool {
	var apiErr genai.APIError
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &apiErr) || errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || IsRateLimited(err)
}
