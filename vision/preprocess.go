// Package vision prepares uploaded sketches for the diffusion pipeline:
// decoding, flattening to RGB, resizing and edge conditioning.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmptyImage        = errors.New("vision: empty image data")
	ErrInvalidImage      = errors.New("vision: invalid image data")
	ErrInvalidDimensions = errors.New("vision: invalid dimensions")
)

// SketchSize is the square edge length sketches are resized to.
const SketchSize = 512

// DecodeImage decodes PNG, JPEG, GIF or WebP data.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// ToRGB returns an opaque copy of img with bounds at the origin.
// Transparent pixels are composited onto white, the paper colour of a
// sketch.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// Resize scales img to exactly width x height with Catmull-Rom, ignoring
// aspect ratio.
func Resize(img image.Image, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidDimensions)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// PrepareSketch decodes data to RGB and resizes it to SketchSize square.
// Only decoding can fail; when resizing is impossible the decoded sketch is
// returned with resized=false.
func PrepareSketch(data []byte) (img *image.RGBA, resized bool, err error) {
	decoded, err := DecodeImage(data)
	if err != nil {
		return nil, false, err
	}
	rgb := ToRGB(decoded)
	out, err := Resize(rgb, SketchSize, SketchSize)
	if err != nil {
		return rgb, false, nil
	}
	return out, true, nil
}
