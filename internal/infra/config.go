package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Image providers accepted by IMAGE_PROVIDER.
const (
	ImageProviderQwen      = "qwen"
	ImageProviderSynthetic = "synthetic"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	StoreDriver string
	DatabaseURL string
	JWTSecret   string

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string

	ImageProvider string
	QwenAPIKey    string
	QwenBaseURL   string
	QwenModel     string

	StoragePath    string
	StorageBaseURL string
	GeoIPDBPath    string

	JobPollInterval  time.Duration
	JobMaxWait       time.Duration
	JobMaxAttempts   int
	EventBuffer      int
	SubscriberBuffer int
	FeedPageSize     int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

// LoadDotEnv loads .env files when present. Variables already set in the
// environment win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		StoreDriver:        strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "aipics:"),
		ImageProvider:      strings.ToLower(getEnv("IMAGE_PROVIDER", ImageProviderQwen)),
		QwenAPIKey:         os.Getenv("QWEN_API_KEY"),
		QwenBaseURL:        os.Getenv("QWEN_BASE_URL"),
		QwenModel:          os.Getenv("QWEN_MODEL"),
		StoragePath:        getEnv("STORAGE_PATH", "./data/images"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		JobPollInterval:    getEnvDuration("JOB_POLL_INTERVAL", 4*time.Second),
		JobMaxWait:         getEnvDuration("JOB_MAX_WAIT", 120*time.Second),
		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 30),
		EventBuffer:        getEnvInt("EVENT_BUFFER", 256),
		SubscriberBuffer:   getEnvInt("SUBSCRIBER_BUFFER", 64),
		FeedPageSize:       getEnvInt("FEED_PAGE_SIZE", 20),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}

	switch cfg.ImageProvider {
	case ImageProviderQwen, ImageProviderSynthetic:
	default:
		return nil, fmt.Errorf("IMAGE_PROVIDER %q is not supported", cfg.ImageProvider)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// UsesRedis reports whether bus events are mirrored to Redis.
func (c *Config) UsesRedis() bool { return strings.TrimSpace(c.RedisAddr) != "" }

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

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvDuration accepts Go duration strings ("4s") or bare seconds ("4").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}
