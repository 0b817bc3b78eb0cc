package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and the worker.
type Config struct {
	Port string

	AuthToken string

	CORSAllowedOrigins []string

	// Ledger. DATABASE_URL selects PostgreSQL; otherwise the SQLite file
	// at SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	// Blob storage for uploaded audio.
	StorageBackend string // "disk" | "s3"
	StorageDir     string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string

	MaxUploadBytes int64

	// Worker loop.
	WorkerEnabled        bool
	PollInterval         time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	ShutdownGrace        time.Duration
	DefaultProvider      string
	AutoSummarizeDefault bool

	// Local providers.
	WhisperURL     string
	WhisperTimeout time.Duration
	OllamaURL      string
	OllamaModel    string
	OllamaTimeout  time.Duration

	// Remote providers.
	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string
	DeepgramTimeout time.Duration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAITimeout   time.Duration

	// Optional Redis event relay.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisStream    string
	RedisStreamCap int64

	RateLimitRPS   float64
	RateLimitBurst int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "data/hark.db"),

		StorageBackend: getEnv("STORAGE_BACKEND", "disk"),
		StorageDir:     getEnv("STORAGE_DIR", "data/uploads"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),

		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 100<<20),

		WorkerEnabled:        getEnvBool("WORKER_ENABLED", true),
		PollInterval:         getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		MaxRetries:           getEnvInt("WORKER_MAX_RETRIES", 3),
		RetryBaseDelay:       getEnvDuration("WORKER_RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:        getEnvDuration("WORKER_RETRY_MAX_DELAY", 10*time.Minute),
		ShutdownGrace:        getEnvDuration("WORKER_SHUTDOWN_GRACE", 30*time.Second),
		DefaultProvider:      getEnv("DEFAULT_PROVIDER", "local"),
		AutoSummarizeDefault: getEnvBool("AUTO_SUMMARIZE_DEFAULT", true),

		WhisperURL:     getEnv("WHISPER_URL", "http://localhost:8090"),
		WhisperTimeout: getEnvDuration("WHISPER_TIMEOUT", 5*time.Minute),
		OllamaURL:      getEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:    getEnv("OLLAMA_MODEL", "llama3.1:8b"),
		OllamaTimeout:  getEnvDuration("OLLAMA_TIMEOUT", 5*time.Minute),

		DeepgramAPIKey:  getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramBaseURL: getEnv("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		DeepgramModel:   getEnv("DEEPGRAM_MODEL", "nova-2"),
		DeepgramTimeout: getEnvDuration("DEEPGRAM_TIMEOUT", 2*time.Minute),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4.1-mini"),
		OpenAITimeout:   getEnvDuration("OPENAI_TIMEOUT", 90*time.Second),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisStream:    getEnv("REDIS_STREAM", "hark_events"),
		RedisStreamCap: getEnvInt64("REDIS_STREAM_CAP", 10000),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return list
}
