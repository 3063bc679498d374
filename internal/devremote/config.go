package devremote

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the dev server configuration, loaded from environment
// variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	Driver          string // database/sql driver, default "sqlite"
	Schema          string // realtime schema name, default "public"
	ShutdownTimeout time.Duration
	// APIKey, when set, must match the apikey header or query parameter.
	APIKey string
	// Tokens are the accepted bearer tokens. Empty accepts any non-empty
	// bearer token.
	Tokens    []string
	LogFormat string // "json" (default) or "text"
	LogLevel  string // "debug", "info" (default), "warn", "error"

	RateLimitPush      int // POST per token per minute (default: 600)
	RateLimitPull      int // GET per token per minute (default: 1200)
	MaxBodyBytes       int64
	CORSAllowedOrigins []string

	// CollectionsFile overrides the embedded collection registry that
	// decides which tables are served.
	CollectionsFile string
}

// LoadConfig reads configuration from environment variables with sensible
// defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8787",
		DBPath:          "./data/herd-sync.db",
		Schema:          "public",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		RateLimitPush:   600,
		RateLimitPull:   1200,
		MaxBodyBytes:    10 << 20,
	}

	if v := os.Getenv("HERD_SYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HERD_SYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HERD_SYNC_DB_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("HERD_SYNC_SCHEMA"); v != "" {
		cfg.Schema = v
	}
	if v := os.Getenv("HERD_SYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("HERD_SYNC_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	cfg.Tokens = splitList(os.Getenv("HERD_SYNC_TOKENS"))
	if v := os.Getenv("HERD_SYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("HERD_SYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HERD_SYNC_RATE_LIMIT_PUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPush = n
		}
	}
	if v := os.Getenv("HERD_SYNC_RATE_LIMIT_PULL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPull = n
		}
	}
	cfg.CORSAllowedOrigins = splitList(os.Getenv("HERD_SYNC_CORS_ALLOWED_ORIGINS"))
	cfg.CollectionsFile = os.Getenv("HERD_SYNC_COLLECTIONS_FILE")
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
