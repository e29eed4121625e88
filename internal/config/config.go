package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr   string
	MetricsNamespace string

	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Per-tenant WhatsApp credential stores live under this directory, one
	// sqlite file per tenant.
	SessionStoreDir    string
	WhatsAppLogLevel   string
	ConnectTimeout     time.Duration
	SendTimeout        time.Duration
	QRValidity         time.Duration
	SessionStaleAfter  time.Duration
	DedupWindow        time.Duration
	SentTagSetCapacity int

	AIBaseURL      string
	AIAPIKey       string
	AIModel        string
	AITimeout      time.Duration
	AISystemPrompt string
	HistoryDepth   int
}

// Load builds Config from the process environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "crmwa"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseSchema: getEnv("DATABASE_SCHEMA", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "data/crm-wa.db"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SessionStoreDir:  getEnv("SESSION_STORE_DIR", "data/sessions"),
		WhatsAppLogLevel: getEnv("WHATSAPP_LOG_LEVEL", "WARN"),

		AIBaseURL:      getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:       os.Getenv("AI_API_KEY"),
		AIModel:        getEnv("AI_MODEL", "gpt-4o-mini"),
		AISystemPrompt: getEnv("AI_SYSTEM_PROMPT", "You are a helpful business assistant answering customers over WhatsApp. Keep replies short."),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	cfg.RedisTLS = getEnvBool("REDIS_TLS", false)

	if cfg.ConnectTimeout, err = getEnvDuration("CONNECT_TIMEOUT", 45*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = getEnvDuration("SEND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.QRValidity, err = getEnvDuration("QR_VALIDITY", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionStaleAfter, err = getEnvDuration("SESSION_STALE_AFTER", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = getEnvDuration("DEDUP_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SentTagSetCapacity, err = getEnvInt("SENT_TAG_SET_CAPACITY", 512); err != nil {
		return nil, err
	}
	if cfg.AITimeout, err = getEnvDuration("AI_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HistoryDepth, err = getEnvInt("HISTORY_DEPTH", 10); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}
