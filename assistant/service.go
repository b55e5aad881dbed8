// Package assistant answers design questions through Gemini, or an
// OpenAI-compatible model when Gemini is not configured, and caches
// successful answers.
package assistant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/cache"
	"github.com/Ramkumar137/DesignMate/gemini"
	"github.com/Ramkumar137/DesignMate/llm"
	"github.com/Ramkumar137/DesignMate/metrics"
)

// ErrUnavailable means no provider is configured.
var ErrUnavailable = errors.New("assistant: no provider configured")

// User-facing replies for failures that are answered rather than raised.
const (
	FilteredMessage     = "Sorry, the response was filtered or incomplete. Please try rephrasing your question."
	NoCandidatesMessage = "Sorry, I couldn't generate a response. Please try again."
	UnavailableMessage  = "Gemini service is not available. Please check GEMINI_API_KEY environment variable."
)

const (
	DefaultCacheTTL = time.Hour

	connectErrorPrefix  = "Error connecting to Gemini API: "
	processErrorPrefix  = "Error processing request: "
	defaultVisionPrompt = "Describe this design and suggest improvements."
	cacheKeyPrefix      = "assistant:"
	cacheTimeout        = 2 * time.Second
)

// Provider is a chat model that can also look at images.
type Provider interface {
	Available() bool
	Ask(ctx context.Context, prompt, background string) (string, error)
	Describe(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

type Option func(*Service)

func WithFallback(p Provider) Option { return func(s *Service) { s.fallback = p } }

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMetrics(r metrics.Recorder) Option { return func(s *Service) { s.metrics = r } }

// Service picks a provider and turns its failures into readable replies.
type Service struct {
	primary  Provider
	fallback Provider
	cache    cache.Cache
	ttl      time.Duration
	metrics  metrics.Recorder
	logger   *zap.Logger
}

func NewService(primary Provider, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		primary: primary,
		ttl:     DefaultCacheTTL,
		metrics: metrics.Nop{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Available reports whether any provider is configured.
func (s *Service) Available() bool { return s.provider() != nil }

// GeminiAvailable reports whether the primary provider is configured.
func (s *Service) GeminiAvailable() bool {
	return s.primary != nil && s.primary.Available()
}

func (s *Service) provider() Provider {
	if s.GeminiAvailable() {
		return s.primary
	}
	if s.fallback != nil && s.fallback.Available() {
		return s.fallback
	}
	return nil
}

// Ask returns ErrUnavailable when nothing is configured. Provider failures
// come back as a user-facing answer with a nil error.
func (s *Service) Ask(ctx context.Context, prompt, background string) (string, error) {
	p := s.provider()
	if p == nil {
		return "", ErrUnavailable
	}

	key := CacheKey(prompt, background)
	if answer, ok := s.cached(ctx, key); ok {
		s.metrics.RecordAssistant(true, false)
		return answer, nil
	}

	answer, err := p.Ask(ctx, prompt, background)
	if err != nil {
		s.logger.Warn("assistant request failed", zap.Error(err))
		s.metrics.RecordAssistant(false, true)
		return FormatError(err), nil
	}
	s.store(ctx, key, answer)
	s.metrics.RecordAssistant(false, false)
	return answer, nil
}

// Describe answers a question about an image. Answers are not cached.
func (s *Service) Describe(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	p := s.provider()
	if p == nil {
		return "", ErrUnavailable
	}
	if prompt == "" {
		prompt = defaultVisionPrompt
	}
	answer, err := p.Describe(ctx, prompt, image, mimeType)
	if err != nil {
		s.logger.Warn("assistant vision request failed", zap.Error(err))
		s.metrics.RecordAssistant(false, true)
		return FormatError(err), nil
	}
	s.metrics.RecordAssistant(false, false)
	return answer, nil
}

func (s *Service) cached(ctx context.Context, key string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Debug("assistant cache read failed", zap.Error(err))
		return "", false
	}
	return v, ok
}

func (s *Service) store(ctx context.Context, key, answer string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, key, answer, s.ttl); err != nil {
		s.logger.Debug("assistant cache write failed", zap.Error(err))
	}
}

// CacheKey hashes prompt and background so either changing misses.
func CacheKey(prompt, background string) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(background))
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// FormatError maps a provider error to the reply shown to the user.
func FormatError(err error) string {
	switch {
	case errors.Is(err, gemini.ErrFiltered):
		return FilteredMessage
	case errors.Is(err, gemini.ErrNoCandidates), errors.Is(err, llm.ErrEmptyResponse):
		return NoCandidatesMessage
	case gemini.IsAPIError(err), llm.IsAPIError(err):
		return connectErrorPrefix + err.Error()
	}
	return fmt.Sprintf("%s%v", processErrorPrefix, err)
}
