// Package inference turns a sketch and a prompt into a saved design image,
// using Hugging Face or the local diffusion pipeline.
package inference

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/logging"
	"github.com/Ramkumar137/DesignMate/metrics"
	"github.com/Ramkumar137/DesignMate/sdruntime"
	"github.com/Ramkumar137/DesignMate/storage"
	"github.com/Ramkumar137/DesignMate/vision"
)

const (
	DefaultGuidance = 7.5
	DefaultSteps    = 30

	// StyleSuffix steers the local model toward product-render output.
	StyleSuffix = ", clean layout, consistent spacing, modern typography, high contrast," +
		" photorealistic 3D product render, studio lighting, detailed materials"
	NegativePrompt = ", cartoon, distorted, low quality, text overlay, fake texture"

	outputPrefix = "out"
)

var (
	ErrEmptyPrompt = errors.New("inference: prompt is required")
	ErrEmptySketch = errors.New("inference: sketch is required")
)

// EnhancePrompt is the instruction sent to the enhancer after a local run.
func EnhancePrompt(prompt string) string {
	return "Refine and modernize this design. " + prompt +
		". Maintain structure, improve aesthetics, add realistic 3D materials and lighting."
}

type Request struct {
	Sketch    []byte
	Prompt    string
	Guidance  float64
	Steps     int
	UserID    *int64
	RequestID string
}

type Result struct {
	ImagePath   string `json:"image_path"`
	LatestPath  string `json:"latest_path"`
	ImageBase64 string `json:"image_base64,omitempty"`
	RequestID   string `json:"request_id"`
	Backend     string `json:"backend"`
	Enhanced    bool   `json:"enhanced"`
	Seed        int64  `json:"seed,omitempty"`
}

// Options wires the orchestrator. Remote, Enhancer, History and Metrics
// may be nil.
type Options struct {
	Backend      string
	ReturnBase64 bool
	Store        *storage.Store
	Local        LocalBackend
	Remote       RemoteGenerator
	Enhancer     Enhancer
	History      HistoryRecorder
	Metrics      metrics.Recorder
	Logger       *zap.Logger
}

type Orchestrator struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("inference: store cannot be nil")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("inference: local backend cannot be nil")
	}
	if opts.Backend == "" {
		opts.Backend = core.BackendLocal
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{opts: opts, logger: opts.Logger.Named("inference")}, nil
}

// outcome accumulates what happened during one request for logging,
// metrics and history.
type outcome struct {
	backend  string
	device   string
	fallback bool
	enhanced bool
	seed     int64
}

// GenerateFromSketch runs the whole pipeline for req.
func (o *Orchestrator) GenerateFromSketch(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if len(req.Sketch) == 0 {
		return nil, ErrEmptySketch
	}
	if req.Guidance <= 0 {
		req.Guidance = DefaultGuidance
	}
	if req.Steps <= 0 {
		req.Steps = DefaultSteps
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	start := time.Now()
	o.opts.Metrics.GenerationStarted()
	out := &outcome{backend: core.BackendLocal}

	res, err := o.generate(ctx, req, out)
	duration := time.Since(start)
	o.finish(req, res, out, duration, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, req Request, out *outcome) (*Result, error) {
	sketch, resized, err := vision.PrepareSketch(req.Sketch)
	if err != nil {
		return nil, err
	}
	if !resized {
		o.logger.Warn("sketch resize failed, using decoded sketch", zap.String("request_id", req.RequestID))
	}

	if img := o.tryRemote(ctx, req, sketch, out); img != nil {
		return o.save(req, img, out)
	}

	control := image.Image(sketch)
	if edges, err := vision.ControlImage(sketch); err == nil {
		control = edges
	} else {
		o.logger.Warn("edge conditioning failed, using sketch", zap.Error(err))
	}

	params := sdruntime.DefaultParams()
	params.Prompt = req.Prompt + StyleSuffix
	params.NegativePrompt = NegativePrompt
	params.CFGScale = req.Guidance
	params.Steps = req.Steps
	params.Width = vision.SketchSize
	params.Height = vision.SketchSize
	params.Control = control

	run, err := o.opts.Local.Generate(ctx, params)
	out.backend = core.BackendLocal
	out.device = run.Device
	if err != nil {
		return nil, fmt.Errorf("local generation: %w", err)
	}
	out.seed = run.Result.Seed
	img, err := sdruntime.DecodePNG(run.Result.ImageData)
	if err != nil {
		return nil, err
	}

	img = o.enhance(ctx, img, EnhancePrompt(req.Prompt), out)
	return o.save(req, img, out)
}

// tryRemote returns nil when the local pipeline should run instead.
func (o *Orchestrator) tryRemote(ctx context.Context, req Request, sketch image.Image, out *outcome) image.Image {
	if o.opts.Backend != core.BackendHF || o.opts.Remote == nil || !o.opts.Remote.Enabled() {
		return nil
	}
	img, err := o.opts.Remote.Generate(ctx, req.Prompt, sketch)
	if err != nil || img == nil {
		o.logger.Warn("hf generation unavailable, falling back to local pipeline",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		out.fallback = true
		return nil
	}
	out.backend = core.BackendHF
	return o.enhance(ctx, img, req.Prompt, out)
}

// enhance never fails the request; any error keeps img.
func (o *Orchestrator) enhance(ctx context.Context, img image.Image, prompt string, out *outcome) image.Image {
	if o.opts.Enhancer == nil || !o.opts.Enhancer.Enabled() {
		return img
	}
	enhanced, err := o.opts.Enhancer.Enhance(ctx, img, prompt)
	if err != nil || enhanced == nil {
		o.logger.Warn("hf enhancement failed, keeping base image", zap.Error(err))
		return img
	}
	out.enhanced = enhanced != img
	return enhanced
}

func (o *Orchestrator) save(req Request, img image.Image, out *outcome) (*Result, error) {
	unique, latest, err := o.opts.Store.SaveImageAndLatest(img, outputPrefix)
	if err != nil {
		return nil, fmt.Errorf("save output: %w", err)
	}
	res := &Result{
		ImagePath:  storage.WebPath(unique),
		LatestPath: storage.WebPath(latest),
		RequestID:  req.RequestID,
		Backend:    out.backend,
		Enhanced:   out.enhanced,
		Seed:       out.seed,
	}
	if o.opts.ReturnBase64 {
		b64, err := storage.ImageToBase64(img)
		if err != nil {
			return nil, err
		}
		res.ImageBase64 = b64
	}
	return res, nil
}

func (o *Orchestrator) finish(req Request, res *Result, out *outcome, duration time.Duration, genErr error) {
	status := metrics.StatusSuccess
	errMsg := ""
	if genErr != nil {
		status = metrics.StatusError
		errMsg = genErr.Error()
	}

	o.opts.Metrics.RecordGeneration(metrics.GenerationRecord{
		RequestID: req.RequestID,
		Backend:   out.backend,
		Device:    out.device,
		Status:    status,
		Enhanced:  out.enhanced,
		Fallback:  out.fallback,
		Duration:  duration,
		Error:     errMsg,
		At:        time.Now(),
	})

	fields := logging.GenerationFields(logging.GenerationMetrics{
		RequestID: req.RequestID,
		Backend:   out.backend,
		Device:    out.device,
		Width:     vision.SketchSize,
		Height:    vision.SketchSize,
		Steps:     req.Steps,
		Guidance:  req.Guidance,
		Seed:      out.seed,
		Enhanced:  out.enhanced,
		Fallback:  out.fallback,
		Duration:  duration,
	})
	if genErr != nil {
		o.logger.Error("generation failed", fields, zap.Error(genErr))
	} else {
		o.logger.Info("generation finished", fields)
	}

	if o.opts.History == nil {
		return
	}
	row := db.Generation{
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Prompt:       req.Prompt,
		Backend:      out.backend,
		Device:       out.device,
		Enhanced:     out.enhanced,
		Fallback:     out.fallback,
		Guidance:     req.Guidance,
		Steps:        req.Steps,
		DurationMS:   duration.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		CreatedAt:    time.Now(),
	}
	if res != nil {
		row.ImagePath = res.ImagePath
		row.LatestPath = res.LatestPath
	}
	// The request context may already be cancelled; history outlives it.
	if _, err := o.opts.History.RecordGeneration(context.Background(), row); err != nil {
		o.logger.Warn("failed to record generation history", zap.Error(err))
	}
}
