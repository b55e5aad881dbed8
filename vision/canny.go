package vision

import (
	"image"
	"image/color"
)

// Default hysteresis thresholds, on the 0-255 gradient scale.
const (
	CannyLow  = 100
	CannyHigh = 200
)

// Canny runs Canny edge detection on img and returns white edges on black.
func Canny(img image.Image, low, high float64) (*image.Gray, error) {
	if low <= 0 || high <= low {
		return nil, ErrInvalidDimensions
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return nil, ErrInvalidDimensions
	}

	return detectEdges(img, low, high)
}

// ControlImage returns the Canny edge map of img as RGB, the form the
// ControlNet conditioning expects.
func ControlImage(img image.Image) (*image.RGBA, error) {
	edges, err := Canny(img, CannyLow, CannyHigh)
	if err != nil {
		return nil, err
	}
	b := edges.Bounds()
	out := image.NewRGBA(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := edges.GrayAt(x, y).Y
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	return out, nil
}
