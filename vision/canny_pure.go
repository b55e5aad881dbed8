//go:build !gocv

package vision

import (
	"image"
	"math"
)

// OpenCVEdges reports whether edge detection runs through OpenCV.
const OpenCVEdges = false

// detectEdges is the pure Go pipeline: luminance, 5x5 blur, Sobel,
// non-maximum suppression and hysteresis.
func detectEdges(img image.Image, low, high float64) (*image.Gray, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	gray := luminance(img)
	blurred := gaussian5(gray, w, h)
	mag, dir := sobel(blurred, w, h)
	thin := suppress(mag, dir, w, h)
	edges := hysteresis(thin, w, h, low, high)

	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, on := range edges {
		if on {
			out.Pix[(i/w)*out.Stride+i%w] = 255
		}
	}
	return out, nil
}

func luminance(img image.Image) []float64 {
	b := img.Bounds()
	w := b.Dx()
	out := make([]float64, w*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Rec. 601 weights on 8-bit values.
			out[(y-b.Min.Y)*w+(x-b.Min.X)] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257
		}
	}
	return out
}

var gaussKernel = [5]float64{1, 4, 6, 4, 1}

// gaussian5 applies a separable 5x5 binomial blur with edge clamping.
func gaussian5(src []float64, w, h int) []float64 {
	tmp := make([]float64, len(src))
	out := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				sum += gaussKernel[k+2] * src[y*w+clamp(x+k, w)]
			}
			tmp[y*w+x] = sum / 16
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				sum += gaussKernel[k+2] * tmp[clamp(y+k, h)*w+x]
			}
			out[y*w+x] = sum / 16
		}
	}
	return out
}

// sobel returns gradient magnitude and a direction quantized to 0, 45, 90
// or 135 degrees (0..3).
func sobel(src []float64, w, h int) ([]float64, []uint8) {
	mag := make([]float64, len(src))
	dir := make([]uint8, len(src))
	at := func(x, y int) float64 { return src[clamp(y, h)*w+clamp(x, w)] }
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1) +
				at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			i := y*w + x
			mag[i] = math.Abs(gx) + math.Abs(gy)

			angle := math.Atan2(gy, gx) * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			switch {
			case angle < 22.5 || angle >= 157.5:
				dir[i] = 0
			case angle < 67.5:
				dir[i] = 1
			case angle < 112.5:
				dir[i] = 2
			default:
				dir[i] = 3
			}
		}
	}
	return mag, dir
}

// suppress keeps only local maxima along the gradient direction.
func suppress(mag []float64, dir []uint8, w, h int) []float64 {
	out := make([]float64, len(mag))
	offsets := [4][2]int{{1, 0}, {1, 1}, {0, 1}, {-1, 1}}
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			o := offsets[dir[i]]
			a := mag[(y+o[1])*w+x+o[0]]
			b := mag[(y-o[1])*w+x-o[0]]
			if mag[i] >= a && mag[i] >= b {
				out[i] = mag[i]
			}
		}
	}
	return out
}

// hysteresis marks strong pixels and grows them through 8-connected weak
// ones.
func hysteresis(mag []float64, w, h int, low, high float64) []bool {
	edges := make([]bool, len(mag))
	stack := make([]int, 0, len(mag)/8)
	for i, m := range mag {
		if m >= high {
			edges[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if !edges[j] && mag[j] >= low {
					edges[j] = true
					stack = append(stack, j)
				}
			}
		}
	}
	return edges
}

func clamp(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}
