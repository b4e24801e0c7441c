package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	// External processing engine (A1111-compatible API).
	SDBaseURL        string
	SDTimeout        time.Duration
	SDStatusTimeout  time.Duration
	InterruptTimeout time.Duration

	// Queue manager.
	StatePath         string
	StoragePath       string
	MaxQueueSize      int
	MaxConcurrentJobs int
	AutoProcess       bool
	QueueTick         time.Duration

	// Status monitor.
	PollInterval       time.Duration
	IdlePollInterval   time.Duration
	ErrorPollInterval  time.Duration
	TimestampTolerance time.Duration

	// Pipeline.
	CancelTimeout  time.Duration
	SecondPassSize float64

	// Processing defaults.
	Upscaler          string
	ScaleFactor       float64
	DenoisingStrength float64
	TileOverlap       int
	Steps             int
	SamplerName       string
	CfgScale          float64
	Scheduler         string

	HTTPReadTimeout time.Duration
	// HTTPWriteTimeout of zero keeps long-lived event streams alive.
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	// Read env files when present. Missing files are not an error.
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8090"),

		SDBaseURL:        getEnv("SD_BASE_URL", "http://127.0.0.1:7860"),
		SDTimeout:        time.Second * time.Duration(getEnvInt("SD_TIMEOUT_SECONDS", 300)),
		SDStatusTimeout:  time.Second * time.Duration(getEnvInt("SD_STATUS_TIMEOUT_SECONDS", 10)),
		InterruptTimeout: time.Second * time.Duration(getEnvInt("SD_INTERRUPT_TIMEOUT_SECONDS", 10)),

		StatePath:         getEnv("STATE_PATH", defaultStatePath()),
		StoragePath:       getEnv("STORAGE_PATH", "./storage"),
		MaxQueueSize:      getEnvInt("MAX_QUEUE_SIZE", 50),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 1),
		AutoProcess:       getEnvBool("AUTO_PROCESS", true),
		QueueTick:         time.Second * time.Duration(getEnvInt("QUEUE_TICK_SECONDS", 1)),

		PollInterval:       time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)),
		IdlePollInterval:   time.Second * time.Duration(getEnvInt("IDLE_POLL_INTERVAL_SECONDS", 10)),
		ErrorPollInterval:  time.Second * time.Duration(getEnvInt("ERROR_POLL_INTERVAL_SECONDS", 30)),
		TimestampTolerance: time.Second * time.Duration(getEnvInt("TIMESTAMP_TOLERANCE_SECONDS", 5)),

		CancelTimeout:  time.Second * time.Duration(getEnvInt("CANCEL_TIMEOUT_SECONDS", 30)),
		SecondPassSize: getEnvFloat("SECOND_PASS_RESIZE", 1.5),

		Upscaler:          getEnv("SD_UPSCALER", "Lanczos"),
		ScaleFactor:       getEnvFloat("SD_SCALE_FACTOR", 2.5),
		DenoisingStrength: getEnvFloat("SD_DENOISING_STRENGTH", 0.15),
		TileOverlap:       getEnvInt("SD_TILE_OVERLAP", 64),
		Steps:             getEnvInt("SD_STEPS", 25),
		SamplerName:       getEnv("SD_SAMPLER", "Euler a"),
		CfgScale:          getEnvFloat("SD_CFG_SCALE", 10),
		Scheduler:         getEnv("SD_SCHEDULER", "Automatic"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimit:       getEnvInt("RATE_LIMIT", 120),
		RateLimitWindow: time.Second * time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)),
	}

	if cfg.SDBaseURL == "" {
		return nil, fmt.Errorf("SD_BASE_URL is required")
	}

	if cfg.MaxQueueSize <= 0 {
		return nil, fmt.Errorf("MAX_QUEUE_SIZE must be positive")
	}

	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}

	return cfg, nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "queue_state.json"
	}
	return filepath.Join(home, ".finisher", "queue_state.json")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
