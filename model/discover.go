package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Ramkumar137/DesignMate/sdruntime"
)

var weightExtensions = []string{".safetensors", ".ckpt", ".gguf"}

// Weights names the files a pipeline is built from.
type Weights struct {
	Base       string
	ControlNet string
}

// IsWeightsFile reports whether name has a checkpoint extension.
func IsWeightsFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, w := range weightExtensions {
		if ext == w {
			return true
		}
	}
	return false
}

// DiscoverWeights scans dir in name order. The base checkpoint is the first
// weights file without "control" in its name; the ControlNet is the first
// one with it. Non-empty overrides win, and relative overrides resolve
// against dir.
func DiscoverWeights(dir, baseOverride, controlOverride string) (Weights, error) {
	w := Weights{
		Base:       resolve(dir, baseOverride),
		ControlNet: resolve(dir, controlOverride),
	}
	if w.Base != "" && w.ControlNet != "" {
		return w, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return w, fmt.Errorf("%w: model directory %s does not exist", sdruntime.ErrModelNotFound, dir)
		}
		return w, fmt.Errorf("read model directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsWeightsFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		isControl := strings.Contains(strings.ToLower(name), "control")
		switch {
		case isControl && w.ControlNet == "":
			w.ControlNet = filepath.Join(dir, name)
		case !isControl && w.Base == "":
			w.Base = filepath.Join(dir, name)
		}
	}

	if w.Base == "" {
		return w, fmt.Errorf("%w: no base checkpoint in %s", sdruntime.ErrModelNotFound, dir)
	}
	return w, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
