package inference

import (
	"context"
	"image"

	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/model"
	"github.com/Ramkumar137/DesignMate/sdruntime"
)

// RemoteGenerator is the Hugging Face text/sketch to image client.
type RemoteGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, prompt string, sketch image.Image) (image.Image, error)
}

// Enhancer refines a finished image.
type Enhancer interface {
	Enabled() bool
	Enhance(ctx context.Context, img image.Image, prompt string) (image.Image, error)
}

// LocalRun is one finished local generation.
type LocalRun struct {
	Result *sdruntime.GenerateResult
	Device string
}

// LocalBackend runs the on-box diffusion pipeline.
type LocalBackend interface {
	Generate(ctx context.Context, p sdruntime.GenerateParams) (LocalRun, error)
}

// ModelBackend loads the shared pipeline on first use.
type ModelBackend struct {
	Loader *model.Loader
}

func (b ModelBackend) Generate(ctx context.Context, p sdruntime.GenerateParams) (LocalRun, error) {
	pipeline, err := b.Loader.Load(ctx, "")
	if err != nil {
		return LocalRun{}, err
	}
	if !pipeline.HasControlNet() {
		p.Control = nil
	}
	res, err := pipeline.Generate(ctx, p)
	if err != nil {
		return LocalRun{Device: pipeline.Metadata.Device}, err
	}
	return LocalRun{Result: res, Device: pipeline.Metadata.Device}, nil
}

// HistoryRecorder persists a generation row. db.Repository satisfies it.
type HistoryRecorder interface {
	RecordGeneration(ctx context.Context, g db.Generation) (int64, error)
}
