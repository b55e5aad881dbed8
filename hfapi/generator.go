package hfapi

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/maruel/httpjson"
	"go.uber.org/zap"
)

// Generator renders an image from a prompt, optionally guided by a sketch.
type Generator struct {
	client
}

func NewGenerator(cfg Config, logger *zap.Logger) *Generator {
	return &Generator{client: newClient(cfg, DefaultGenModel, logger)}
}

// Enabled reports whether an API key is set.
func (g *Generator) Enabled() bool { return g != nil && g.enabled() }

func (g *Generator) Model() string { return g.cfg.Model }

type generateRequest struct {
	Inputs string `json:"inputs"`
	Prompt string `json:"prompt"`
}

// Generate returns nil, nil when disabled or when the response holds no
// usable image. Transport failures and non-2xx statuses are errors.
func (g *Generator) Generate(ctx context.Context, prompt string, sketch image.Image) (image.Image, error) {
	if !g.Enabled() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	start := time.Now()

	var body []byte
	var err error
	if sketch != nil {
		body, err = g.postMultipart(ctx, map[string]string{"inputs": prompt, "prompt": prompt}, "image", "sketch.png", sketch)
	} else {
		body, err = g.postJSON(ctx, generateRequest{Inputs: prompt, Prompt: prompt})
	}
	if err != nil {
		return nil, err
	}

	img, err := decodeResponse(body)
	if err != nil {
		g.logger.Warn("hf generate returned no image",
			zap.String("model", g.cfg.Model),
			zap.Int("bytes", len(body)),
			zap.Error(err),
		)
		return nil, nil
	}
	g.logger.Info("hf generate finished",
		zap.String("model", g.cfg.Model),
		zap.Bool("sketch", sketch != nil),
		zap.Duration("duration", time.Since(start)),
	)
	return img, nil
}

func (g *Generator) postJSON(ctx context.Context, in generateRequest) ([]byte, error) {
	c := httpjson.DefaultClient
	c.Client = g.http
	// The inference router rejects compressed request bodies.
	c.PostCompress = ""
	resp, err := c.PostRequest(ctx, g.url(), g.header(), in)
	if err != nil {
		return nil, fmt.Errorf("hf request: %w", err)
	}
	return readBody(resp)
}
