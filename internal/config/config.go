package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs at startup. Values come from the
// environment (optionally seeded from a .env file) with sensible defaults for
// local development.
type Config struct {
	ListenAddr string
	APIKey     string // empty disables the auth middleware

	DatabaseURL string // empty selects the in-memory job store

	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucketName string
	MinioUseSSL     bool

	RuleTablePath string // YAML rule tables for the reconciler

	// The two speech engine variants used by the reconciler. Both name a
	// registered engine provider; they may be the same provider.
	SpeechProviderA string
	SpeechProviderB string
	LanguageHint    string

	MaxRetries        int
	MaxConcurrentJobs int
	HeartbeatTimeout  time.Duration
	WatchdogInterval  time.Duration
	StageTimeout      time.Duration

	CredentialLockSeconds int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		ListenAddr:            getEnv("LISTEN_ADDR", ":8080"),
		APIKey:                os.Getenv("API_KEY"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MinioEndpoint:         os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:        os.Getenv("MINIO_ACCESS_KEY_ID"),
		MinioSecretKey:        os.Getenv("MINIO_SECRET_ACCESS_KEY"),
		MinioBucketName:       getEnv("MINIO_BUCKET_NAME", "spoken-eval-audio"),
		RuleTablePath:         getEnv("RULE_TABLE_PATH", "configs/rules.yaml"),
		SpeechProviderA:       getEnv("SPEECH_PROVIDER_A", "whisper"),
		SpeechProviderB:       getEnv("SPEECH_PROVIDER_B", "deepgram"),
		LanguageHint:          getEnv("LANGUAGE_HINT", "en"),
		MaxRetries:            getEnvInt("JOB_MAX_RETRIES", 3),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 4),
		HeartbeatTimeout:      getEnvDuration("HEARTBEAT_TIMEOUT", 2*time.Minute),
		WatchdogInterval:      getEnvDuration("WATCHDOG_INTERVAL", 30*time.Second),
		StageTimeout:          getEnvDuration("STAGE_TIMEOUT", 5*time.Minute),
		CredentialLockSeconds: getEnvInt("CREDENTIAL_LOCK_SECONDS", 90),
	}

	useSSL, err := strconv.ParseBool(getEnv("MINIO_USE_SSL", "false"))
	if err != nil {
		return nil, fmt.Errorf("MINIO_USE_SSL is not a valid boolean: %w", err)
	}
	cfg.MinioUseSSL = useSSL

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", cfg.MaxConcurrentJobs)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
