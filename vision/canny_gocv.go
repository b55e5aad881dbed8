//go:build gocv

package vision

import (
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"
)

// OpenCVEdges reports whether edge detection runs through OpenCV.
const OpenCVEdges = true

// detectEdges runs OpenCV's Canny on the grayscale sketch.
func detectEdges(img image.Image, low, high float64) (*image.Gray, error) {
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("image to mat: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, float32(low), float32(high))

	out, err := edges.ToImage()
	if err != nil {
		return nil, fmt.Errorf("edges to image: %w", err)
	}
	if g, ok := out.(*image.Gray); ok {
		return g, nil
	}
	g := image.NewGray(out.Bounds())
	draw.Draw(g, g.Bounds(), out, out.Bounds().Min, draw.Src)
	return g, nil
}
