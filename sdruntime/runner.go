package sdruntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// stderrLimit caps how much sd diagnostic output is kept for errors.
const stderrLimit = 8 * 1024

// Runner executes sd through a ContextPool.
type Runner struct {
	cfg    RuntimeConfig
	pool   *ContextPool
	logger *zap.Logger
	seq    atomic.Int64
}

// NewRunner checks the binary and weights, creates the work directory and
// the pool.
func NewRunner(cfg RuntimeConfig, logger *zap.Logger) (*Runner, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	binary, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, cfg.Binary, err)
	}
	cfg.Binary = binary

	if err := VerifyModelFile(cfg.ModelFile); err != nil {
		return nil, err
	}
	if cfg.ControlNetFile != "" {
		if err := VerifyModelFile(cfg.ControlNetFile); err != nil {
			return nil, fmt.Errorf("controlnet: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	pool, err := NewContextPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	logger.Info("sd runtime ready",
		zap.String("binary", cfg.Binary),
		zap.String("model", filepath.Base(cfg.ModelFile)),
		zap.String("controlnet", filepath.Base(cfg.ControlNetFile)),
		zap.String("device", cfg.Device),
		zap.String("type", cfg.WeightType()),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return &Runner{cfg: cfg, pool: pool, logger: logger}, nil
}

func (r *Runner) Config() RuntimeConfig { return r.cfg }

func (r *Runner) Device() string { return r.cfg.Device }

// Generate validates p, waits for a pool slot and runs sd once.
func (r *Runner) Generate(ctx context.Context, p GenerateParams) (*GenerateResult, error) {
	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	if p.Seed < 0 {
		p.Seed = RandomSeed()
	}

	slot, err := r.pool.Acquire(ctx)
	if err != nil {
		code := CodeTimeout
		if errors.Is(err, ErrContextPoolClosed) {
			code = CodePoolClosed
		}
		return nil, &GenerationError{Code: code, Message: "no free sd slot", Retryable: code == CodeTimeout, Cause: err}
	}
	defer r.pool.Release(slot)
	slot.Runs++

	base := filepath.Join(r.cfg.WorkDir, "sd_"+strconv.Itoa(slot.ID)+"_"+strconv.FormatInt(r.seq.Add(1), 10))
	outputPath := base + "_out.png"
	defer os.Remove(outputPath)

	controlPath := ""
	if p.Control != nil {
		controlPath = base + "_control.png"
		if err := writePNG(controlPath, p); err != nil {
			return nil, err
		}
		defer os.Remove(controlPath)
	}

	start := time.Now()
	if err := r.run(ctx, BuildArgs(r.cfg, p, controlPath, outputPath)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, &GenerationError{Code: CodeBadOutput, Message: "sd produced no output", Cause: fmt.Errorf("%w: %v", ErrGenerationFailed, err)}
	}
	size, err := ValidateImageData(data)
	if err != nil {
		return nil, &GenerationError{Code: CodeBadOutput, Message: "sd output is not a valid PNG", Cause: err}
	}

	result := &GenerateResult{
		ImageData: data,
		Seed:      p.Seed,
		Width:     size.X,
		Height:    size.Y,
		Duration:  time.Since(start),
	}
	r.logger.Debug("sd generation finished",
		zap.Int("slot", slot.ID),
		zap.Int64("seed", result.Seed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (r *Runner) run(ctx context.Context, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &GenerationError{Code: CodeTimeout, Message: fmt.Sprintf("sd exceeded %s", r.cfg.Timeout), Retryable: true, Cause: ErrGenerationTimeout}
	case ctx.Err() != nil:
		return &GenerationError{Code: CodeCancelled, Message: "request cancelled", Cause: ctx.Err()}
	}
	r.logger.Warn("sd exited with error", zap.Error(err), zap.String("stderr", lastLine(stderr.String())))
	return classifyStderr(stderr.String(), err)
}

// Close stops handing out slots. Running processes finish on their own.
func (r *Runner) Close() error {
	return r.pool.Close()
}

func writePNG(path string, p GenerateParams) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create control image: %w", err)
	}
	if err := png.Encode(f, p.Control); err != nil {
		f.Close()
		return fmt.Errorf("encode control image: %w", err)
	}
	return f.Close()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
