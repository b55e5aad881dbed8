// Package hfapi calls Hugging Face hosted inference for text/sketch to
// image generation and instruction-driven image enhancement.
package hfapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	// Registered for image.Decode of API responses.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL      = "https://router.huggingface.co/hf-inference/models"
	DefaultGenModel     = "stabilityai/stable-diffusion-xl-base-1.0"
	DefaultEnhanceModel = "timbrooks/instruct-pix2pix"
	DefaultTimeout      = 60 * time.Second

	// maxResponseBytes bounds a generated image download.
	maxResponseBytes = 32 << 20
)

// StatusError is a non-2xx answer from the inference endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hf api returned %d: %s", e.StatusCode, e.Body)
}

// Config is shared by Generator and Enhancer.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func newClient(cfg Config, defaultModel string, logger *zap.Logger) client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return client{cfg: cfg, http: hc, logger: logger}
}

func (c client) enabled() bool { return c.cfg.APIKey != "" }

func (c client) url() string { return c.cfg.BaseURL + "/" + c.cfg.Model }

func (c client) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	return h
}

// postMultipart sends fields plus one PNG file part and returns the body of
// a 2xx response.
func (c client) postMultipart(ctx context.Context, fields map[string]string, fileField, fileName string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, k := range []string{"inputs", "prompt"} {
		if v, ok := fields[k]; ok {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
	}
	fw, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, err
	}
	if err := png.Encode(fw, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", fileName, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header = c.header()
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hf request: %w", err)
	}
	return readBody(resp)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read hf response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return body, nil
}

var errNotImageJSON = errors.New("hf json response has no image")

// decodeResponse turns a response body into an image. JSON bodies must be
// [{"image": "<base64>"}]; anything else is decoded as image bytes.
func decodeResponse(body []byte) (image.Image, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		var items []struct {
			Image string `json:"image"`
		}
		if err := json.Unmarshal(trimmed, &items); err != nil || len(items) == 0 || items[0].Image == "" {
			return nil, errNotImageJSON
		}
		raw, err := base64.StdEncoding.DecodeString(stripDataURL(items[0].Image))
		if err != nil {
			return nil, fmt.Errorf("decode base64 image: %w", err)
		}
		trimmed = raw
	}
	img, _, err := image.Decode(bytes.NewReader(trimmed))
	if err != nil {
		return nil, fmt.Errorf("decode hf image: %w", err)
	}
	return img, nil
}

func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}
