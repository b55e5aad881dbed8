//go:build webp

package storage

import (
	"bytes"
	"fmt"
	"image"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
)

// WebPSupported reports whether previews can be written in this build.
const WebPSupported = true

func encodeWebP(img image.Image, quality float32) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("webp options: %w", err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}
