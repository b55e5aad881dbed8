//go:build !webp

package storage

import (
	"errors"
	"image"
)

const WebPSupported = false

var errNoWebP = errors.New("webp previews need a build with -tags webp")

func encodeWebP(image.Image, float32) ([]byte, error) {
	return nil, errNoWebP
}
