package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string
	MigrateDir  string

	StoragePath    string
	StorageBaseURL string

	// Generation provider.
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	// Vision validation.
	ValidatorMode          string // structural | vision | hybrid
	StructuralBaseURL      string
	StructuralSensitivity  float64
	VisionAPIKey           string
	VisionModel            string
	VisionBaseURL          string
	ConfidenceThreshold    float64
	ValidationTimeout      time.Duration
	FailOpenAlertThreshold int

	// Dimension guard.
	DimensionTolerancePct float64

	// Retry policy.
	MaxStageAttempts int
	SamplingDecay    float64
	AmendmentCeiling int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		MigrateDir:  getEnv("MIGRATE_DIR", "db/migrations"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		ValidatorMode:          getEnv("VALIDATOR_MODE", "hybrid"),
		StructuralBaseURL:      getEnv("STRUCTURAL_VALIDATOR_URL", "http://localhost:8000"),
		StructuralSensitivity:  getEnvFloat("STRUCTURAL_SENSITIVITY", 5.0),
		VisionAPIKey:           os.Getenv("VISION_API_KEY"),
		VisionModel:            getEnv("VISION_MODEL", "gemini-2.5-flash"),
		VisionBaseURL:          getEnv("VISION_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		ConfidenceThreshold:    getEnvFloat("CONFIDENCE_THRESHOLD", 0.75),
		ValidationTimeout:      time.Second * time.Duration(getEnvInt("VALIDATION_TIMEOUT_SECONDS", 45)),
		FailOpenAlertThreshold: getEnvInt("FAIL_OPEN_ALERT_THRESHOLD", 3),

		DimensionTolerancePct: getEnvFloat("DIMENSION_TOLERANCE_PCT", 3.0),

		MaxStageAttempts: getEnvInt("MAX_STAGE_ATTEMPTS", 2),
		SamplingDecay:    getEnvFloat("SAMPLING_DECAY", 0.9),
		AmendmentCeiling: getEnvInt("AMENDMENT_CEILING", 3),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.ValidatorMode {
	case "structural", "vision", "hybrid":
	default:
		return nil, fmt.Errorf("VALIDATOR_MODE must be one of structural, vision, hybrid")
	}

	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0,1]")
	}

	return cfg, nil
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

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
