package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Inference backend identifiers accepted by INFERENCE_BACKEND.
const (
	BackendMock   = "mock"
	BackendRunPod = "runpod"
	BackendVModel = "vmodel"
	BackendGemini = "gemini"
	BackendLocal  = "local"
)

// Asset backend identifiers accepted by ASSET_BACKEND.
const (
	AssetBackendFilesystem = "filesystem"
	AssetBackendMinIO      = "minio"
	AssetBackendNone       = "none"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
	AdminJWTSecret     string
	DefaultLocale      string
	GeoIPDBPath        string

	RedisURL string
	JobTTL   time.Duration

	AssetBackend        string
	StoragePath         string
	StorageBaseURL      string
	FallbackStoragePath string
	MinIOEndpoint       string
	MinIOAccessKey      string
	MinIOSecretKey      string
	MinIOBucket         string
	MinIORegion         string
	MinIOUseSSL         bool
	AssetPublicBaseURL  string
	MaxUploadBytes      int64

	InferenceBackend string
	RunPodAPIKey     string
	RunPodEndpointID string
	RunPodBaseURL    string
	VModelAPIKey     string
	VModelBaseURL    string
	VModelVersion    string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	MockPolls        int

	PollInterval    time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration
	SubmitTimeout   time.Duration
	RunTimeout      time.Duration

	PerfLogPath        string
	DatabaseURL        string
	NATSURL            string
	NATSSubject        string
	MetricsRefreshSpec string

	WorkerPort        string
	WorkerConcurrency int
	WorkerEndpointID  string
	WorkerAPIKey      string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		AdminJWTSecret:     os.Getenv("ADMIN_JWT_SECRET"),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "en"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),

		RedisURL: strings.TrimSpace(os.Getenv("REDIS_URL")),
		JobTTL:   time.Second * time.Duration(getEnvInt("JOB_TTL_SECONDS", 3600)),

		AssetBackend:        strings.ToLower(getEnv("ASSET_BACKEND", AssetBackendFilesystem)),
		StoragePath:         getEnv("STORAGE_PATH", "./data/assets"),
		StorageBaseURL:      getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		FallbackStoragePath: getEnv("FALLBACK_STORAGE_PATH", "./data/fallback"),
		MinIOEndpoint:       os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey:      os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey:      os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:         getEnv("MINIO_BUCKET", "hairswap"),
		MinIORegion:         getEnv("MINIO_REGION", "us-east-1"),
		MinIOUseSSL:         getEnvBool("MINIO_USE_SSL", false),
		AssetPublicBaseURL:  os.Getenv("ASSET_PUBLIC_BASE_URL"),
		MaxUploadBytes:      int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),

		InferenceBackend: strings.ToLower(getEnv("INFERENCE_BACKEND", BackendMock)),
		RunPodAPIKey:     os.Getenv("RUNPOD_API_KEY"),
		RunPodEndpointID: os.Getenv("RUNPOD_ENDPOINT_ID"),
		RunPodBaseURL:    getEnv("RUNPOD_BASE_URL", "https://api.runpod.ai/v2"),
		VModelAPIKey:     os.Getenv("VMODEL_API_KEY"),
		VModelBaseURL:    getEnv("VMODEL_BASE_URL", "https://api.vmodel.ai"),
		VModelVersion:    os.Getenv("VMODEL_VERSION"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash-image-preview"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		MockPolls:        getEnvInt("MOCK_BACKEND_POLLS", 3),

		PollInterval:    time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)),
		PollMaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 90),
		PollTimeout:     time.Second * time.Duration(getEnvInt("POLL_TIMEOUT_SECONDS", 10)),
		SubmitTimeout:   time.Second * time.Duration(getEnvInt("SUBMIT_TIMEOUT_SECONDS", 30)),
		RunTimeout:      time.Second * time.Duration(getEnvInt("RUN_TIMEOUT_SECONDS", 300)),

		PerfLogPath:        getEnv("PERF_LOG_PATH", "performance_data/performance_log.jsonl"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSSubject:        getEnv("NATS_SUBJECT", "hairswap.jobs"),
		MetricsRefreshSpec: getEnv("METRICS_REFRESH_SPEC", "@every 5m"),

		WorkerPort:        getEnv("WORKER_PORT", "8090"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerEndpointID:  getEnv("WORKER_ENDPOINT_ID", "local"),
		WorkerAPIKey:      os.Getenv("WORKER_API_KEY"),
	}

	switch cfg.InferenceBackend {
	case BackendMock, BackendLocal:
	case BackendRunPod:
		if cfg.RunPodEndpointID == "" {
			return nil, fmt.Errorf("RUNPOD_ENDPOINT_ID is required for the runpod backend")
		}
	case BackendVModel:
		if cfg.VModelAPIKey == "" {
			return nil, fmt.Errorf("VMODEL_API_KEY is required for the vmodel backend")
		}
	case BackendGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini backend")
		}
	default:
		return nil, fmt.Errorf("unsupported INFERENCE_BACKEND %q", cfg.InferenceBackend)
	}

	switch cfg.AssetBackend {
	case AssetBackendFilesystem, AssetBackendNone:
	case AssetBackendMinIO:
		if cfg.MinIOEndpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required for the minio asset backend")
		}
	default:
		return nil, fmt.Errorf("unsupported ASSET_BACKEND %q", cfg.AssetBackend)
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if cfg.PollMaxAttempts <= 0 {
		return nil, fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
