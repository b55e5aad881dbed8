package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ramkumar137/DesignMate/assistant"
	"github.com/Ramkumar137/DesignMate/auth"
	"github.com/Ramkumar137/DesignMate/cache"
	"github.com/Ramkumar137/DesignMate/core"
	"github.com/Ramkumar137/DesignMate/core/validation"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/gemini"
	"github.com/Ramkumar137/DesignMate/hfapi"
	"github.com/Ramkumar137/DesignMate/inference"
	"github.com/Ramkumar137/DesignMate/llm"
	"github.com/Ramkumar137/DesignMate/logging"
	"github.com/Ramkumar137/DesignMate/metrics"
	"github.com/Ramkumar137/DesignMate/model"
	"github.com/Ramkumar137/DesignMate/sdruntime"
	"github.com/Ramkumar137/DesignMate/server"
	"github.com/Ramkumar137/DesignMate/shutdown"
	"github.com/Ramkumar137/DesignMate/storage"
)

const (
	cleanupInterval   = 24 * time.Hour
	gpuSampleInterval = 10 * time.Second
)

func main() {
	if loaded := loadEnv(".env", ".env.example"); loaded == "" {
		// Logger isn't up yet.
		fmt.Println("Warning: no .env or .env.example found, using the process environment")
	}

	if code, handled := handleServiceCommand(os.Args[1:]); handled {
		os.Exit(code)
	}
	os.Exit(run(nil))
}

// loadEnv loads the first env file that exists and returns its name.
func loadEnv(files ...string) string {
	for _, f := range files {
		if err := godotenv.Load(f); err == nil {
			return f
		}
	}
	return ""
}

// run serves until a signal arrives or stop is closed, and returns the
// process exit code. stop is nil in the foreground.
func run(stop <-chan struct{}) int {
	cfg, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return core.ExitCodeConfig
	}

	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", syncErr)
		}
	}()

	if code := runStartupValidation(cfg, logger); code != core.ExitCodeSuccess {
		return code
	}

	logger.Info("Configuration loaded",
		zap.String("version", core.GetVersionInfo()),
		zap.String("addr", cfg.Addr()),
		zap.String("backend", cfg.GenerationBackend),
		zap.String("model_path", cfg.ModelPath),
		zap.String("output_path", cfg.OutputPath),
		zap.String("database", cfg.DatabasePath),
		zap.Bool("hf_enabled", cfg.HFEnabled()),
		zap.Bool("gemini_enabled", cfg.GeminiEnabled()),
		zap.Bool("dev_mode", logger.IsDevelopment()),
		zap.String("log_file", logger.LogFilePath()),
	)

	manager := shutdown.NewManager(logger.Zap())
	a, err := newApp(manager.Context(), cfg, logger.Zap(), manager)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		_ = manager.Shutdown()
		return core.ExitCodeError
	}
	manager.Start()

	if stop != nil {
		go func() {
			select {
			case <-stop:
				manager.Trigger("service stop")
			case <-manager.Context().Done():
			}
		}()
	}

	g, gctx := errgroup.WithContext(manager.Context())
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return manager.Shutdown()
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return core.ExitCodeError
	}
	logger.Info("Goodbye!")
	return core.ExitCodeSuccess
}

// runStartupValidation prints the startup checks and maps a failed suite to
// ExitCodeConfig.
func runStartupValidation(cfg *core.Config, logger *logging.Logger) int {
	result := validation.NewValidationSuite(cfg).WithShowProgress(true).Validate()
	if !result.Success {
		logger.Error("Configuration validation failed",
			zap.Int("passed", result.PassedSteps),
			zap.Int("failed", result.FailedSteps),
			zap.Duration("duration", result.Duration),
		)
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("Validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error),
				)
			}
		}
		return core.ExitCodeConfig
	}

	logger.Info("Configuration validation passed",
		zap.Int("checks_passed", result.PassedSteps),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
	)
	return core.ExitCodeSuccess
}

// app holds the wired components for one process.
type app struct {
	server       *server.Server
	database     *db.Database
	repo         *db.Repository
	loader       *model.Loader
	metrics      *metrics.Store
	orchestrator *inference.Orchestrator
}

// registrar is the part of shutdown.Manager newApp needs.
type registrar interface {
	Register(name string, priority int, fn core.ShutdownFunc)
	server.OperationTracker
}

// newApp builds every component and registers its shutdown handler as soon
// as it exists, so a failure halfway still releases what was opened.
func newApp(ctx context.Context, cfg *core.Config, logger *zap.Logger, sm registrar) (*app, error) {
	a := &app{}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.database = database
	sm.Register("database", shutdown.PriorityDatabase, func(context.Context) error {
		return database.Close()
	})

	writer := db.NewAsyncWriter(db.NewRepository(database, nil).GenerationWriteHandler(), db.DefaultChannelCapacity, logger)
	a.repo = db.NewRepository(database, writer)
	writer.Start()
	sm.Register("history-writer", shutdown.PriorityWorkers, writer.Stop)

	database.StartCleanupScheduler(ctx, cfg.HistoryRetentionDays, cleanupInterval, func(r db.CleanupResult, err error) {
		if err != nil {
			logger.Warn("history cleanup failed", zap.Error(err))
			return
		}
		if r.GenerationsDeleted > 0 {
			logger.Info("history cleanup",
				zap.Int64("deleted", r.GenerationsDeleted),
				zap.Duration("duration", r.Duration),
			)
		}
	})

	a.metrics = metrics.NewStore(metrics.StoreConfig{RecentCapacity: 50, Version: core.Version}, time.Now())

	store, err := storage.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("output storage: %w", err)
	}

	a.loader = model.Instance()
	if err := a.loader.Configure(cfg, logger); err != nil && !errors.Is(err, model.ErrAlreadyLoaded) {
		return nil, err
	}
	a.metrics.SetModelState(a.loader.Loaded, a.loader.Device)
	sm.Register("model", shutdown.PriorityPipeline, func(context.Context) error {
		return a.loader.Close()
	})
	sm.Register("sd-scratch", shutdown.PriorityFiles, shutdown.RemoveTempFiles(logger, sdruntime.DefaultWorkDir(), "sd_*"))

	if cfg.PreloadModel {
		preloadModel(ctx, a.loader, logger)
	}
	startGPUCollector(ctx, cfg, a.metrics, logger, sm)

	hfCfg := hfapi.Config{
		APIKey:     cfg.HFAPIKey,
		BaseURL:    cfg.HFAPIBase,
		Model:      cfg.HFGenModel,
		Timeout:    cfg.HFTimeout,
		HTTPClient: core.GetHTTPClient(cfg, cfg.HFTimeout),
	}
	var enhancer inference.Enhancer
	if cfg.HFEnhanceEnabled {
		enhCfg := hfCfg
		enhCfg.Model = cfg.HFEnhanceModel
		enhancer = hfapi.NewEnhancer(enhCfg, logger)
	}

	a.orchestrator, err = inference.New(inference.Options{
		Backend:      cfg.GenerationBackend,
		ReturnBase64: cfg.ReturnBase64,
		Store:        store,
		Local:        inference.ModelBackend{Loader: a.loader},
		Remote:       hfapi.NewGenerator(hfCfg, logger),
		Enhancer:     enhancer,
		History:      a.repo,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	assistantSvc := newAssistant(ctx, cfg, a.metrics, logger, sm)

	authSvc, err := auth.NewService(cfg, a.repo, logger, auth.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	authSvc.Limiter().StartCleanupTicker(ctx, time.Minute)

	srvCfg := server.ConfigFromCore(cfg, storage.WebPath(store.LatestPath()))
	if cfg.MaxUploadBytes > 0 {
		srvCfg.MaxUploadBytes = cfg.MaxUploadBytes
	}
	a.server, err = server.New(srvCfg, server.Deps{
		Generator: a.orchestrator,
		Assistant: assistantSvc,
		Accounts:  authSvc,
		History:   a.repo,
		Uploads:   store,
		Metrics:   a.metrics,
		Tracker:   sm,
	}, logger)
	if err != nil {
		return nil, err
	}
	sm.Register("http", shutdown.PriorityHTTP, a.server.Shutdown)

	return a, nil
}

// newAssistant wires Gemini first, the OpenAI-compatible client as a
// fallback, and the answer cache.
func newAssistant(ctx context.Context, cfg *core.Config, rec metrics.Recorder, logger *zap.Logger, sm registrar) *assistant.Service {
	geminiClient := gemini.New(gemini.Config{
		APIKeys:    cfg.GeminiAPIKeys,
		Model:      cfg.GeminiModel,
		Timeout:    cfg.GeminiTimeout,
		BaseURL:    cfg.GeminiBaseURL,
		HTTPClient: core.GetHTTPClient(cfg, 0),
	}, logger)

	answers := cache.New(ctx, cfg.RedisURL, logger)
	if mem, ok := answers.(*cache.Memory); ok {
		mem.StartCleanupTicker(ctx, 10*time.Minute)
	}
	sm.Register("assistant-cache", shutdown.PriorityWorkers, func(context.Context) error {
		return answers.Close()
	})

	opts := []assistant.Option{
		assistant.WithCache(answers, cfg.AssistantCacheTTL),
		assistant.WithMetrics(rec),
	}
	if fallback := llm.New(llm.Config{
		APIKey:     cfg.OpenAIAPIKey,
		Model:      cfg.OpenAIModel,
		BaseURL:    cfg.OpenAIBaseURL,
		HTTPClient: core.GetHTTPClient(cfg, cfg.GeminiTimeout),
	}); fallback != nil {
		opts = append(opts, assistant.WithFallback(fallback))
	}

	svc := assistant.NewService(geminiClient, logger, opts...)
	if !svc.Available() {
		logger.Warn("no assistant provider configured; set GEMINI_API_KEY or OPENAI_API_KEY")
	}
	return svc
}

// preloadModel loads the pipeline before serving. A failure is logged and
// the server keeps going: the HF backend and the assistant still work.
func preloadModel(ctx context.Context, loader *model.Loader, logger *zap.Logger) {
	pipeline, err := loader.Load(ctx, "")
	if err != nil {
		logger.Warn("model preload failed; local generation will retry on first request", zap.Error(err))
		return
	}
	logger.Info("model preloaded",
		zap.String("model", pipeline.Metadata.Name),
		zap.String("device", pipeline.Metadata.Device),
		zap.String("size", pipeline.Metadata.SizeHuman),
		zap.Bool("controlnet", pipeline.HasControlNet()),
	)
}

// startGPUCollector samples nvidia-smi into the metrics store unless the
// config pins the CPU or the tool is missing.
func startGPUCollector(ctx context.Context, cfg *core.Config, store *metrics.Store, logger *zap.Logger, sm registrar) {
	if cfg.SDDevice == sdruntime.DeviceCPU {
		return
	}
	smi, err := exec.LookPath(cfg.SDNvidiaSMI)
	if err != nil {
		logger.Debug("nvidia-smi not found, GPU metrics disabled")
		return
	}
	collector := metrics.NewGPUCollector(metrics.SMIReader{Path: smi}, gpuSampleInterval, store.UpdateGPU)
	collector.Start(ctx)
	sm.Register("gpu-collector", shutdown.PriorityWorkers, func(context.Context) error {
		collector.Stop()
		return nil
	})
}
