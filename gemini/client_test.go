package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeGemini struct {
	mu       sync.Mutex
	byKey    map[string]int
	bodies   []string
	handlers map[string]func(w http.ResponseWriter)
}

func newFakeGemini(t *testing.T, handlers map[string]func(w http.ResponseWriter)) (*fakeGemini, *httptest.Server) {
	f := &fakeGemini{byKey: map[string]int{}, handlers: handlers}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-goog-api-key")
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.byKey[key]++
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		h, ok := handlers[key]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		h(w)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGemini) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKey[key]
}

func answer(text string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			}},
		})
	}
}

func apiError(code int, status string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": code, "message": status, "status": status},
		})
	}
}

func newTestClient(srv *httptest.Server, keys ...string) *Client {
	c := New(Config{APIKeys: keys, BaseURL: srv.URL + "/", Timeout: 5 * time.Second, HTTPClient: srv.Client()}, nil)
	c.retryDelay = time.Millisecond
	return c
}

func TestAsk_SendsContextPart(t *testing.T) {
	f, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){"k1": answer("Use a card layout.")})
	c := newTestClient(srv, "k1")

	got, err := c.Ask(context.Background(), "How should I lay out settings?", "mobile app")
	require.NoError(t, err)
	require.Equal(t, "Use a card layout.", got)

	require.Len(t, f.bodies, 1)
	body := f.bodies[0]
	require.Contains(t, body, `Context: mobile app\n\n`)
	require.Contains(t, body, "How should I lay out settings?")
	require.Contains(t, body, `"temperature":0.7`)
	require.Contains(t, body, `"maxOutputTokens":1024`)
	require.Less(t, strings.Index(body, "Context:"), strings.Index(body, "How should I"))
}

func TestAsk_RateLimitMovesToNextKey(t *testing.T) {
	f, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){
		"k1": apiError(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"),
		"k2": answer("ok"),
	})
	c := newTestClient(srv, "k1", " ", "k2")

	got, err := c.Ask(context.Background(), "hi", "")
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.GreaterOrEqual(t, f.calls("k1"), maxAttemptsPerKey)
	require.Equal(t, 1, f.calls("k2"))
}

func TestAsk_OtherErrorsReturnImmediately(t *testing.T) {
	f, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){
		"k1": apiError(http.StatusBadRequest, "INVALID_ARGUMENT"),
		"k2": answer("unused"),
	})
	c := newTestClient(srv, "k1", "k2")

	_, err := c.Ask(context.Background(), "hi", "")
	require.Error(t, err)
	require.False(t, IsRateLimited(err))
	require.Zero(t, f.calls("k2"))
}

func TestAsk_ExhaustedKeys(t *testing.T) {
	_, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){
		"k1": apiError(http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"),
	})
	c := newTestClient(srv, "k1")

	_, err := c.Ask(context.Background(), "hi", "")
	require.ErrorContains(t, err, "exhausted")
	require.True(t, IsRateLimited(err))
}

func TestAsk_EmptyResponses(t *testing.T) {
	_, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){
		"none": func(w http.ResponseWriter) { io.WriteString(w, `{"candidates":[]}`) },
		"filtered": func(w http.ResponseWriter) {
			io.WriteString(w, `{"candidates":[{"finishReason":"SAFETY"}]}`)
		},
	})

	_, err := newTestClient(srv, "none").Ask(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrNoCandidates)

	_, err = newTestClient(srv, "filtered").Ask(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrFiltered)
}

func TestDescribe_SendsInlineImage(t *testing.T) {
	f, srv := newFakeGemini(t, map[string]func(http.ResponseWriter){"k": answer("A login form.")})
	c := newTestClient(srv, "k")

	got, err := c.Describe(context.Background(), "What is this?", []byte("\x89PNG\r\n\x1a\nrest"), "image/png")
	require.NoError(t, err)
	require.Equal(t, "A login form.", got)
	require.Contains(t, f.bodies[0], `"mimeType":"image/png"`)

	_, err = c.Describe(context.Background(), "x", nil, "")
	require.Error(t, err)
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{APIKeys: []string{"", "  "}}, nil)
	require.False(t, c.Available())
	_, err := c.Ask(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Equal(t, DefaultModel, c.Model())
}

func TestIsRateLimited(t *testing.T) {
	require.True(t, IsRateLimited(genai.APIError{Code: 429}))
	require.True(t, IsRateLimited(errors.New("Quota exceeded for project")))
	require.False(t, IsRateLimited(errors.New("permission denied")))
	require.False(t, IsRateLimited(nil))
}

func TestIsAPIError(t *testing.T) {
	require.True(t, IsAPIError(genai.APIError{Code: 500}))
	require.True(t, IsAPIError(context.DeadlineExceeded))
	require.False(t, IsAPIError(ErrFiltered))
	require.False(t, IsAPIError(errors.New("bad input")))
}
