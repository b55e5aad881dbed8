package metrics

import (
	"sync"
	"time"
)

// Store is the in-memory Recorder behind /metrics. It keeps running totals
// plus a ring of the most recent generations.
type Store struct {
	mu sync.RWMutex

	recent     []GenerationRecord
	recentHead int
	recentSize int

	gen       GenerationStats
	byBackend map[string]*backendAgg
	assistant AssistantStats
	auth      AuthStats

	gpu         *GPUMetrics
	modelLoaded func() bool
	modelDevice func() string
	startTime   time.Time
	version     string
}

type backendAgg struct {
	count    int64
	success  int64
	duration time.Duration
}

type StoreConfig struct {
	// RecentCapacity is how many generation records Snapshot can return.
	RecentCapacity int
	Version        string
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{RecentCapacity: 50, Version: "dev"}
}

func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.RecentCapacity
	if capacity < 1 {
		capacity = 50
	}
	return &Store{
		recent:    make([]GenerationRecord, capacity),
		byBackend: make(map[string]*backendAgg),
		startTime: startTime,
		version:   config.Version,
	}
}

// SetModelState wires the model singleton into snapshots without making
// this package depend on it.
func (s *Store) SetModelState(loaded func() bool, device func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelLoaded = loaded
	s.modelDevice = device
}

func (s *Store) GenerationStarted() {
	s.mu.Lock()
	s.gen.InFlight++
	s.mu.Unlock()
}

// RecordGeneration closes out a generation started with GenerationStarted.
func (s *Store) RecordGeneration(rec GenerationRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.recentHead] = rec
	s.recentHead = (s.recentHead + 1) % len(s.recent)
	if s.recentSize < len(s.recent) {
		s.recentSize++
	}

	if s.gen.InFlight > 0 {
		s.gen.InFlight--
	}
	s.gen.Total++
	if rec.Status == StatusSuccess {
		s.gen.Success++
	} else {
		s.gen.Errors++
	}
	if rec.Fallback {
		s.gen.Fallbacks++
	}
	if rec.Enhanced {
		s.gen.Enhanced++
	}

	agg, ok := s.byBackend[rec.Backend]
	if !ok {
		agg = &backendAgg{}
		s.byBackend[rec.Backend] = agg
	}
	agg.count++
	if rec.Status == StatusSuccess {
		agg.success++
	}
	agg.duration += rec.Duration
}

func (s *Store) RecordAssistant(cacheHit, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistant.Requests++
	if cacheHit {
		s.assistant.CacheHits++
	}
	if failed {
		s.assistant.Errors++
	}
}

func (s *Store) RecordAuth(event AuthEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event {
	case AuthSignup:
		s.auth.Signups++
	case AuthSignin:
		s.auth.Signins++
	case AuthSigninFailure:
		s.auth.SigninFailures++
	case AuthRateLimited:
		s.auth.RateLimited++
	}
}

// UpdateGPU stores the latest GPU sample. It is the GPUCollector callback.
func (s *Store) UpdateGPU(gpu GPUMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpu = &gpu
}

// RecentGenerations returns up to limit records, newest first.
func (s *Store) RecentGenerations(limit int) []GenerationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit)
}

func (s *Store) recentLocked(limit int) []GenerationRecord {
	if limit <= 0 || s.recentSize == 0 {
		return []GenerationRecord{}
	}
	if limit > s.recentSize {
		limit = s.recentSize
	}
	n := len(s.recent)
	out := make([]GenerationRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[(s.recentHead-1-i+n)%n]
	}
	return out
}

func (s *Store) Snapshot(recentLimit int) Snapshot {
	s.mu.RLock()
	loaded, device := s.modelLoaded, s.modelDevice
	snap := Snapshot{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Generations:   s.gen,
		Assistant:     s.assistant,
		Auth:          s.auth,
		Recent:        s.recentLocked(recentLimit),
	}
	snap.Generations.ByBackend = make(map[string]*BackendStats, len(s.byBackend))
	for backend, agg := range s.byBackend {
		stats := &BackendStats{Count: agg.count}
		if agg.count > 0 {
			stats.SuccessRate = float64(agg.success) / float64(agg.count) * 100
			stats.AvgDurationMS = (agg.duration / time.Duration(agg.count)).Milliseconds()
		}
		snap.Generations.ByBackend[backend] = stats
	}
	if s.gpu != nil {
		gpu := *s.gpu
		snap.GPU = &gpu
	}
	s.mu.RUnlock()

	// Called outside the lock; the model singleton has its own.
	if loaded != nil {
		snap.ModelLoaded = loaded()
	}
	if device != nil {
		snap.Device = device()
	}
	return snap
}
