package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Generation backends accepted by GENERATION_BACKEND.
const (
	BackendLocal = "local"
	BackendHF    = "hf"
)

const defaultCORSOrigins = "http://localhost:8080,http://localhost:3000,http://localhost:5173,http://localhost:8000"

// AlwaysAllowedOrigin is appended to the CORS list so the bundled frontend
// served by the backend itself can always reach the API.
const AlwaysAllowedOrigin = "http://localhost:8000"

// Config holds all configuration values
type Config struct {
	// Server
	Host     string
	Port     int
	DevMode  bool
	LogFile  string
	LogLevel string

	// Storage
	DatabasePath         string
	OutputPath           string
	LatestFilename       string
	StaticDir            string
	FrontendDist         string
	OutputWebP           bool
	WebPQuality          float32
	HistoryRetentionDays int
	MaxUploadBytes       int64

	// Auth
	JWTSecret          string
	TokenTTL           time.Duration
	SigninMaxAttempts  int
	SigninWindow       time.Duration
	SigninBlockPeriod  time.Duration
	EphemeralJWTSecret bool

	// Local diffusion
	ModelPath        string
	SDBinary         string
	SDDevice         string // "", "cuda" or "cpu"
	SDThreads        int
	SDPoolSize       int
	SDModelFile      string
	SDControlNetFile string
	SDNvidiaSMI      string
	SDTimeout        time.Duration
	SDVAETiling      bool
	PreloadModel     bool

	// Generation
	GenerationBackend string
	ReturnBase64      bool
	DefaultGuidance   float64
	DefaultSteps      int

	// Hugging Face
	HFAPIKey         string
	HFGenModel       string
	HFEnhanceModel   string
	HFTimeout        time.Duration
	HFAPIBase        string
	HFEnhanceEnabled bool

	// Gemini
	GeminiAPIKeys []string
	GeminiModel   string
	GeminiTimeout time.Duration
	GeminiBaseURL string

	// OpenAI-compatible fallback
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// Cache
	RedisURL          string
	AssistantCacheTTL time.Duration

	// CORS
	CORSOrigins  []string
	CORSAllowAll bool

	// TrustedProxies are the IPs or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string

	AllowSelfSignedCerts bool
	SecretsFile          string
}

// LoadConfig loads configuration from environment variables with defaults that
// run the backend locally without any external service. Secrets fall back to
// SECRETS_FILE when they are not in the environment.
func LoadConfig() (*Config, error) {
	secrets := NewSecretStore(GetEnvOrDefault("SECRETS_FILE", DefaultSecretsFile))
	if err := secrets.Err(); err != nil {
		return nil, err
	}

	devMode := ParseBoolEnv("DEV_MODE", false)

	backend := strings.ToLower(GetEnvOrDefault("GENERATION_BACKEND", BackendLocal))
	if backend != BackendLocal && backend != BackendHF {
		return nil, ErrInvalidBackend(backend)
	}

	sdDevice := strings.ToLower(os.Getenv("SD_DEVICE"))
	if sdDevice != "" && sdDevice != "cuda" && sdDevice != "cpu" {
		return nil, ErrInvalidValue("SD_DEVICE", sdDevice, "must be 'cuda' or 'cpu'")
	}

	poolSize := ParseIntEnv("SD_POOL_SIZE", 1)
	if poolSize < 1 || poolSize > 8 {
		return nil, ErrInvalidValue("SD_POOL_SIZE", fmt.Sprint(poolSize), "must be between 1 and 8")
	}

	port := ParseIntEnv("PORT", 8000)
	if port < 1 || port > 65535 {
		return nil, ErrInvalidValue("PORT", fmt.Sprint(port), "must be a valid TCP port")
	}

	guidance := ParseFloat64Env("DEFAULT_GUIDANCE", 7.5)
	if guidance < 1.0 || guidance > 30.0 {
		return nil, ErrInvalidValue("DEFAULT_GUIDANCE", fmt.Sprint(guidance), "must be between 1.0 and 30.0")
	}
	steps := ParseIntEnv("DEFAULT_STEPS", 30)
	if steps < 1 || steps > 100 {
		return nil, ErrInvalidValue("DEFAULT_STEPS", fmt.Sprint(steps), "must be between 1 and 100")
	}

	quality := ParseFloat64Env("WEBP_QUALITY", 80)
	if quality < 0 || quality > 100 {
		return nil, ErrInvalidValue("WEBP_QUALITY", fmt.Sprint(quality), "must be between 0 and 100")
	}

	corsAllowAll := ParseBoolEnv("CORS_ALLOW_ALL", false)
	origins := ParseListEnv("CORS_ORIGINS", SplitList(defaultCORSOrigins))
	for _, o := range origins {
		if o == "*" {
			corsAllowAll = true
		}
	}
	origins = appendUnique(origins, AlwaysAllowedOrigin)

	jwtSecret := secrets.Get("JWT_SECRET", "")
	ephemeral := false
	if jwtSecret == "" {
		if !devMode {
			return nil, ErrMissingSecret("JWT_SECRET")
		}
		ephemeral = true
	}

	hfKey := secrets.Get("HF_API_KEY", "")

	return &Config{
		Host:     GetEnvOrDefault("HOST", "0.0.0.0"),
		Port:     port,
		DevMode:  devMode,
		LogFile:  GetEnvOrDefault("LOG_FILE", "logs/app.log"),
		LogLevel: os.Getenv("LOG_LEVEL"),

		DatabasePath:         GetEnvOrDefault("DATABASE_PATH", "./data/designmate.db"),
		OutputPath:           GetEnvOrDefault("OUTPUT_PATH", "./static/outputs"),
		LatestFilename:       GetEnvOrDefault("LATEST_FILENAME", "latest.png"),
		StaticDir:            GetEnvOrDefault("STATIC_DIR", "./static"),
		FrontendDist:         GetEnvOrDefault("FRONTEND_DIST", "../frontend/dist"),
		OutputWebP:           ParseBoolEnv("OUTPUT_WEBP", false),
		WebPQuality:          float32(quality),
		HistoryRetentionDays: ParseIntEnv("HISTORY_RETENTION_DAYS", 30),
		MaxUploadBytes:       ParseInt64Env("MAX_UPLOAD_BYTES", 20<<20),

		JWTSecret:          jwtSecret,
		TokenTTL:           time.Duration(ParseIntEnv("TOKEN_TTL_MINUTES", 30)) * time.Minute,
		SigninMaxAttempts:  ParseIntEnv("SIGNIN_MAX_ATTEMPTS", 5),
		SigninWindow:       ParseDurationEnv("SIGNIN_WINDOW", 60),
		SigninBlockPeriod:  ParseDurationEnv("SIGNIN_BLOCK", 300),
		EphemeralJWTSecret: ephemeral,

		ModelPath:        GetEnvOrDefault("MODEL_PATH", "./models/SketchToUI_Model"),
		SDBinary:         GetEnvOrDefault("SD_BINARY", "sd"),
		SDDevice:         sdDevice,
		SDThreads:        ParseIntEnv("SD_THREADS", 0),
		SDPoolSize:       poolSize,
		SDModelFile:      os.Getenv("SD_MODEL_FILE"),
		SDControlNetFile: os.Getenv("SD_CONTROLNET_FILE"),
		SDNvidiaSMI:      GetEnvOrDefault("SD_NVIDIA_SMI", "nvidia-smi"),
		SDTimeout:        ParseDurationEnv("SD_TIMEOUT_SECONDS", 600),
		SDVAETiling:      ParseBoolEnv("SD_VAE_TILING", true),
		PreloadModel:     ParseBoolEnv("PRELOAD_MODEL", true),

		GenerationBackend: backend,
		ReturnBase64:      ParseBoolEnv("RETURN_BASE64", false),
		DefaultGuidance:   guidance,
		DefaultSteps:      steps,

		HFAPIKey:         hfKey,
		HFGenModel:       GetEnvOrDefault("HF_GEN_MODEL", "stabilityai/stable-diffusion-xl-base-1.0"),
		HFEnhanceModel:   GetEnvOrDefault("HF_ENHANCE_MODEL", "timbrooks/instruct-pix2pix"),
		HFTimeout:        ParseDurationEnv("HF_TIMEOUT", 60),
		HFAPIBase:        strings.TrimRight(GetEnvOrDefault("HF_API_BASE", "https://router.huggingface.co/hf-inference/models"), "/"),
		HFEnhanceEnabled: hfKey != "" && ParseBoolEnv("HF_ENHANCE", true),

		GeminiAPIKeys: SplitList(secrets.Get("GEMINI_API_KEY", "")),
		GeminiModel:   GetEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash"),
		GeminiTimeout: ParseDurationEnv("GEMINI_TIMEOUT", 30),
		GeminiBaseURL: os.Getenv("GEMINI_BASE_URL"),

		OpenAIAPIKey:  secrets.Get("OPENAI_API_KEY", ""),
		OpenAIModel:   GetEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),

		RedisURL:          os.Getenv("REDIS_URL"),
		AssistantCacheTTL: ParseDurationEnv("ASSISTANT_CACHE_TTL", 3600),

		CORSOrigins:  origins,
		CORSAllowAll: corsAllowAll,

		TrustedProxies: ParseListEnv("TRUSTED_PROXIES", nil),

		AllowSelfSignedCerts: ParseBoolEnv("ALLOW_SELF_SIGNED_CERTS", false),
		SecretsFile:          secrets.Path(),
	}, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HFEnabled reports whether the Hugging Face clients have credentials.
func (c *Config) HFEnabled() bool {
	return c.HFAPIKey != ""
}

// GeminiEnabled reports whether at least one Gemini key is configured.
func (c *Config) GeminiEnabled() bool {
	return len(c.GeminiAPIKeys) > 0
}

// GetHTTPClient returns an HTTP client that honors AllowSelfSignedCerts.
// All outbound calls to inference APIs go through it.
func GetHTTPClient(cfg *Config, timeout time.Duration) *http.Client {
	client := &http.Client{
		Timeout: timeout,
	}

	if cfg != nil && cfg.AllowSelfSignedCerts {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return client
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
