// Package metrics keeps in-process counters for generations, assistant
// calls and auth events, served as a JSON snapshot on /metrics.
package metrics

import "time"

// GenerationRecord describes one finished sketch-to-image request.
type GenerationRecord struct {
	RequestID string        `json:"request_id"`
	Backend   string        `json:"backend"`
	Device    string        `json:"device,omitempty"`
	Status    string        `json:"status"`
	Enhanced  bool          `json:"enhanced"`
	Fallback  bool          `json:"fallback"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// GPUMetrics is one nvidia-smi sample. Memory values are bytes.
type GPUMetrics struct {
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryFree  int64   `json:"memory_free"`
}

type BackendStats struct {
	Count         int64   `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

type GenerationStats struct {
	Total     int64                    `json:"total"`
	Success   int64                    `json:"success"`
	Errors    int64                    `json:"errors"`
	Fallbacks int64                    `json:"fallbacks"`
	Enhanced  int64                    `json:"enhanced"`
	InFlight  int64                    `json:"in_flight"`
	ByBackend map[string]*BackendStats `json:"by_backend"`
}

type AssistantStats struct {
	Requests  int64 `json:"requests"`
	Errors    int64 `json:"errors"`
	CacheHits int64 `json:"cache_hits"`
}

type AuthStats struct {
	Signups        int64 `json:"signups"`
	Signins        int64 `json:"signins"`
	SigninFailures int64 `json:"signin_failures"`
	RateLimited    int64 `json:"rate_limited"`
}

// Snapshot is the /metrics response body.
type Snapshot struct {
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	ModelLoaded   bool               `json:"model_loaded"`
	Device        string             `json:"device,omitempty"`
	Generations   GenerationStats    `json:"generations"`
	Assistant     AssistantStats     `json:"assistant"`
	Auth          AuthStats          `json:"auth"`
	GPU           *GPUMetrics        `json:"gpu,omitempty"`
	Recent        []GenerationRecord `json:"recent"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuthEvent names the counters bumped by RecordAuth.
type AuthEvent string

const (
	AuthSignup        AuthEvent = "signup"
	AuthSignin        AuthEvent = "signin"
	AuthSigninFailure AuthEvent = "signin_failure"
	AuthRateLimited   AuthEvent = "rate_limited"
)
