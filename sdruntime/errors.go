package sdruntime

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrModelNotFound   = errors.New("sdruntime: model file not found")
	ErrModelCorrupted  = errors.New("sdruntime: model file is corrupted or invalid")
	ErrBinaryNotFound  = errors.New("sdruntime: sd executable not found")
	ErrModelLoadFailed = errors.New("sdruntime: failed to load model")

	ErrGenerationFailed  = errors.New("sdruntime: image generation failed")
	ErrGenerationTimeout = errors.New("sdruntime: image generation timed out")

	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")

	ErrCUDANotAvailable = errors.New("sdruntime: CUDA not available")
	ErrOutOfVRAM        = errors.New("sdruntime: out of VRAM")

	ErrContextPoolClosed = errors.New("sdruntime: context pool is closed")
	ErrAcquireTimeout    = errors.New("sdruntime: timeout acquiring context from pool")
)

// Error codes carried by GenerationError.
const (
	CodeModelLoad  = "MODEL_LOAD"
	CodeOutOfVRAM  = "OUT_OF_VRAM"
	CodeNoCUDA     = "CUDA_UNAVAILABLE"
	CodeTimeout    = "TIMEOUT"
	CodeBadOutput  = "BAD_OUTPUT"
	CodeProcess    = "PROCESS_FAILED"
	CodeCancelled  = "CANCELLED"
	CodePoolClosed = "POOL_CLOSED"
)

// GenerationError classifies a failed local generation.
type GenerationError struct {
	Code      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *GenerationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a GenerationError worth retrying,
// such as a pool timeout or VRAM pressure.
func IsRetryable(err error) bool {
	var gerr *GenerationError
	return errors.As(err, &gerr) && gerr.Retryable
}

// classifyStderr maps sd's diagnostic output to an error. The sd binary
// exits 1 for almost everything, so the text is all there is.
func classifyStderr(stderr string, exitErr error) *GenerationError {
	lower := strings.ToLower(stderr)
	msg := lastLine(stderr)
	switch {
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "cudaerrormemoryallocation"):
		return &GenerationError{Code: CodeOutOfVRAM, Message: msg, Retryable: true, Cause: ErrOutOfVRAM}
	case strings.Contains(lower, "no cuda-capable device") || strings.Contains(lower, "cuda driver version is insufficient"):
		return &GenerationError{Code: CodeNoCUDA, Message: msg, Cause: ErrCUDANotAvailable}
	case strings.Contains(lower, "load model from") && strings.Contains(lower, "failed"),
		strings.Contains(lower, "failed to load"):
		return &GenerationError{Code: CodeModelLoad, Message: msg, Cause: ErrModelLoadFailed}
	}
	return &GenerationError{Code: CodeProcess, Message: msg, Cause: fmt.Errorf("%w: %v", ErrGenerationFailed, exitErr)}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
