package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

var (
	ErrImageEmpty      = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG     = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageTooSmall   = errors.New("sdruntime: image data too small to be valid")
	ErrImageDecodeFail = errors.New("sdruntime: failed to decode image")
)

func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// ValidateImageData checks data is a decodable PNG and returns its size.
func ValidateImageData(data []byte) (image.Point, error) {
	if len(data) == 0 {
		return image.Point{}, ErrImageEmpty
	}
	// signature + IHDR + IEND
	if len(data) < 45 {
		return image.Point{}, ErrImageTooSmall
	}
	if !IsPNG(data) {
		return image.Point{}, ErrImageNotPNG
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return image.Point{}, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return image.Point{X: cfg.Width, Y: cfg.Height}, nil
}

// DecodePNG decodes data produced by sd.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return img, nil
}
