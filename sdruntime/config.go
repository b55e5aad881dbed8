package sdruntime

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Ramkumar137/DesignMate/core"
)

// Devices sd can run on.
const (
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// RuntimeConfig fixes everything about an sd invocation except the
// per-request parameters.
type RuntimeConfig struct {
	Binary         string
	ModelFile      string
	ControlNetFile string
	Device         string
	Threads        int
	PoolSize       int
	Timeout        time.Duration
	VAETiling      bool
	// WorkDir holds control images and outputs while sd runs. Files in it
	// are named sd_* so shutdown can sweep leftovers.
	WorkDir string
}

const (
	DefaultTimeout  = 10 * time.Minute
	DefaultPoolSize = 1
)

// DefaultWorkDir is the sd scratch directory under the OS temp dir.
func DefaultWorkDir() string {
	return filepath.Join(os.TempDir(), "designmate-sd")
}

// ConfigFromCore takes binary, threads, pool size, timeout and tiling from
// cfg. Weights and device are resolved by the caller.
func ConfigFromCore(cfg *core.Config, modelFile, controlNetFile, device string) RuntimeConfig {
	rc := RuntimeConfig{
		Binary:         cfg.SDBinary,
		ModelFile:      modelFile,
		ControlNetFile: controlNetFile,
		Device:         device,
		Threads:        cfg.SDThreads,
		PoolSize:       cfg.SDPoolSize,
		Timeout:        cfg.SDTimeout,
		VAETiling:      cfg.SDVAETiling,
		WorkDir:        DefaultWorkDir(),
	}
	return rc.withDefaults()
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.Binary == "" {
		c.Binary = "sd"
	}
	if c.PoolSize < 1 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Device == "" {
		c.Device = DeviceCPU
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir()
	}
	return c
}

// WeightType is the --type value: half precision on cuda, full on cpu.
func (c RuntimeConfig) WeightType() string {
	if c.Device == DeviceCUDA {
		return "f16"
	}
	return "f32"
}
