package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationMetrics describes one sketch-to-image generation.
type GenerationMetrics struct {
	RequestID string
	Backend   string // "local" or "hf"
	Device    string
	Width     int
	Height    int
	Steps     int
	Guidance  float64
	Seed      int64
	Enhanced  bool
	Fallback  bool // HF failed and the local pipeline ran instead
	Duration  time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m GenerationMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("request_id", m.RequestID)
	enc.AddString("backend", m.Backend)
	if m.Device != "" {
		enc.AddString("device", m.Device)
	}
	if m.Width > 0 {
		enc.AddInt("width", m.Width)
		enc.AddInt("height", m.Height)
	}
	enc.AddInt("steps", m.Steps)
	enc.AddFloat64("guidance", m.Guidance)
	if m.Seed != 0 {
		enc.AddInt64("seed", m.Seed)
	}
	enc.AddBool("enhanced", m.Enhanced)
	enc.AddBool("fallback", m.Fallback)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	return nil
}

// GenerationFields wraps metrics as a nested "generation" object.
func GenerationFields(m GenerationMetrics) zap.Field {
	return zap.Object("generation", m)
}

// RemoteCallFields describes a call to a remote inference API.
func RemoteCallFields(service, model string, status int, d time.Duration) []zap.Field {
	fields := []zap.Field{
		zap.String("service", service),
		zap.String("model", model),
		zap.Duration("duration", d),
	}
	if status != 0 {
		fields = append(fields, zap.Int("status", status))
	}
	return fields
}
