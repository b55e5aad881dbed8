package sdruntime

import (
	"fmt"
	"image"
	"time"
)

// GenerateParams describes one sd invocation.
type GenerateParams struct {
	Prompt         string
	NegativePrompt string
	Width          int // 128-2048, divisible by 8
	Height         int // 128-2048, divisible by 8
	Steps          int // 1-100
	CFGScale       float64
	Seed           int64 // -1 picks a random seed

	// Control conditions generation through the ControlNet. It is written
	// to the work directory for the duration of the call.
	Control         image.Image
	ControlStrength float64
}

// GenerateResult is a validated PNG plus the seed actually used.
type GenerateResult struct {
	ImageData []byte
	Seed      int64
	Width     int
	Height    int
	Duration  time.Duration
}

const (
	MinImageSize      = 128
	MaxImageSize      = 2048
	ImageSizeMultiple = 8

	MinSteps = 1
	MaxSteps = 100

	MinCFGScale = 1.0
	MaxCFGScale = 30.0

	MaxPromptLength = 2000

	DefaultControlStrength = 0.9
)

// DefaultParams is a 512x512, 30 step, CFG 7.5 render with a random seed.
func DefaultParams() GenerateParams {
	return GenerateParams{
		Width:           512,
		Height:          512,
		Steps:           30,
		CFGScale:        7.5,
		Seed:            -1,
		ControlStrength: DefaultControlStrength,
	}
}

// ValidateParams rejects values sd would refuse or silently clamp.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	for _, dim := range []struct {
		name  string
		value int
	}{{"width", p.Width}, {"height", p.Height}} {
		if dim.value < MinImageSize || dim.value > MaxImageSize {
			return fmt.Errorf("%w: %s %d must be between %d and %d",
				ErrInvalidParams, dim.name, dim.value, MinImageSize, MaxImageSize)
		}
		if dim.value%ImageSizeMultiple != 0 {
			return fmt.Errorf("%w: %s %d must be divisible by %d",
				ErrInvalidParams, dim.name, dim.value, ImageSizeMultiple)
		}
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if p.CFGScale < MinCFGScale || p.CFGScale > MaxCFGScale {
		return fmt.Errorf("%w: cfg scale %.2f must be between %.1f and %.1f",
			ErrInvalidParams, p.CFGScale, MinCFGScale, MaxCFGScale)
	}
	if len(p.NegativePrompt) > MaxPromptLength {
		return fmt.Errorf("%w: negative prompt length %d exceeds %d",
			ErrInvalidParams, len(p.NegativePrompt), MaxPromptLength)
	}
	if p.Control != nil && (p.ControlStrength < 0 || p.ControlStrength > 1) {
		return fmt.Errorf("%w: control strength %.2f must be between 0 and 1",
			ErrInvalidParams, p.ControlStrength)
	}
	return nil
}
