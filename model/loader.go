// Package model owns the process-wide local diffusion pipeline. The first
// Load picks a device, finds the weights under MODEL_PATH and starts the sd
// runtime; later calls share the result.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/sdruntime"
)

// ErrAlreadyLoaded is returned by Configure once a pipeline exists.
var ErrAlreadyLoaded = errors.New("model: pipeline already loaded")

// ErrNotConfigured is returned by Load before Configure.
var ErrNotConfigured = errors.New("model: loader not configured")

// Metadata describes the loaded weights.
type Metadata struct {
	Name           string
	BaseFile       string
	ControlNetFile string
	SizeBytes      int64
	SizeHuman      string
	Device         string
	WeightType     string
	LoadDuration   time.Duration
}

// Pipeline is a loaded sd runtime plus what it was built from.
type Pipeline struct {
	*sdruntime.Runner
	Metadata Metadata
}

// HasControlNet reports whether sketches can condition generation.
func (p *Pipeline) HasControlNet() bool { return p.Metadata.ControlNetFile != "" }

// Loader lazily builds one Pipeline.
type Loader struct {
	// loadMu serializes builds. mu guards the fields below and is never
	// held across a build, so Loaded and Device answer during a load.
	loadMu   sync.Mutex
	mu       sync.RWMutex
	cfg      *core.Config
	logger   *zap.Logger
	pipeline *Pipeline

	newRunner    func(sdruntime.RuntimeConfig, *zap.Logger) (*sdruntime.Runner, error)
	detectDevice func(ctx context.Context, nvidiaSMI, override string) string
}

var (
	instance     *Loader
	instanceOnce sync.Once
)

// Instance returns the process-wide loader.
func Instance() *Loader {
	instanceOnce.Do(func() { instance = New(nil, nil) })
	return instance
}

// New returns an independent loader. Most callers want Instance.
func New(cfg *core.Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:          cfg,
		logger:       logger,
		newRunner:    sdruntime.NewRunner,
		detectDevice: sdruntime.DetectDevice,
	}
}

// Configure sets the configuration used by the first Load.
func (l *Loader) Configure(cfg *core.Config, logger *zap.Logger) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pipeline != nil {
		return ErrAlreadyLoaded
	}
	l.cfg = cfg
	if logger != nil {
		l.logger = logger
	}
	return nil
}

// Load returns the pipeline, building it on first use. device overrides
// SD_DEVICE when non-empty. Concurrent callers wait for the same load, and
// a failed load is retried by the next call.
func (l *Loader) Load(ctx context.Context, device string) (*Pipeline, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.RLock()
	pipeline, cfg, logger := l.pipeline, l.cfg, l.logger
	l.mu.RUnlock()

	if pipeline != nil {
		return pipeline, nil
	}
	if cfg == nil {
		return nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	if device == "" {
		device = cfg.SDDevice
	}
	device = l.detectDevice(ctx, cfg.SDNvidiaSMI, device)

	weights, err := DiscoverWeights(cfg.ModelPath, cfg.SDModelFile, cfg.SDControlNetFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sdruntime.ErrModelLoadFailed, err)
	}

	rc := sdruntime.ConfigFromCore(cfg, weights.Base, weights.ControlNet, device)
	logger.Info("loading diffusion pipeline",
		zap.String("model_path", cfg.ModelPath),
		zap.String("device", device),
		zap.String("type", rc.WeightType()),
	)

	runner, err := l.newRunner(rc, logger)
	if err != nil {
		logger.Error("pipeline load failed", zap.Error(err))
		return nil, err
	}

	meta := Metadata{
		Name:           modelName(weights.Base),
		BaseFile:       weights.Base,
		ControlNetFile: weights.ControlNet,
		Device:         device,
		WeightType:     rc.WeightType(),
		LoadDuration:   time.Since(start),
	}
	if info, err := os.Stat(weights.Base); err == nil {
		meta.SizeBytes = info.Size()
		meta.SizeHuman = core.FormatBytes(info.Size())
	}
	if meta.ControlNetFile == "" {
		logger.Warn("no ControlNet weights found, sketches will not condition generation",
			zap.String("model_path", cfg.ModelPath))
	}
	logger.Info("diffusion pipeline loaded",
		zap.String("model", meta.Name),
		zap.String("size", meta.SizeHuman),
		zap.String("device", meta.Device),
		zap.Duration("load_duration", meta.LoadDuration),
	)

	pipeline = &Pipeline{Runner: runner, Metadata: meta}
	l.mu.Lock()
	l.pipeline = pipeline
	l.mu.Unlock()
	return pipeline, nil
}

// Loaded reports whether a pipeline exists.
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pipeline != nil
}

// Device is the loaded pipeline's device, or "" before Load succeeds.
func (l *Loader) Device() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pipeline == nil {
		return ""
	}
	return l.pipeline.Metadata.Device
}

// Close releases the pipeline. A later Load builds a new one.
func (l *Loader) Close() error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	l.mu.Lock()
	pipeline := l.pipeline
	l.pipeline = nil
	l.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	return pipeline.Close()
}

func modelName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
