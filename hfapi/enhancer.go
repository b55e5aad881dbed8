package hfapi

import (
	"context"
	"image"
	"strings"

	"go.uber.org/zap"
)

// DefaultEnhancePrompt is sent when the caller has no instruction.
const DefaultEnhancePrompt = "Improve the visual design while preserving layout and structure"

// Enhancer refines an existing image with an instruction model.
type Enhancer struct {
	client
}

func NewEnhancer(cfg Config, logger *zap.Logger) *Enhancer {
	return &Enhancer{client: newClient(cfg, DefaultEnhanceModel, logger)}
}

func (e *Enhancer) Enabled() bool { return e != nil && e.enabled() }

func (e *Enhancer) Model() string { return e.cfg.Model }

// Enhance returns img unchanged when disabled or when the response cannot
// be decoded. Only transport failures and non-2xx statuses are errors.
func (e *Enhancer) Enhance(ctx context.Context, img image.Image, prompt string) (image.Image, error) {
	if !e.Enabled() || img == nil {
		return img, nil
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultEnhancePrompt
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	body, err := e.postMultipart(ctx, map[string]string{"prompt": prompt, "inputs": prompt}, "image", "input.png", img)
	if err != nil {
		return nil, err
	}
	out, err := decodeResponse(body)
	if err != nil {
		e.logger.Warn("hf enhance returned no image, keeping input",
			zap.String("model", e.cfg.Model),
			zap.Error(err),
		)
		return img, nil
	}
	return out, nil
}
