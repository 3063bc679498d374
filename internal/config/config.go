// Package config loads herd's global settings from
// ~/.config/herd/config.json and credentials from auth.json, with
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	configFile = "config.json"
	authFile   = "auth.json"
)

// Defaults applied when neither env nor file set a value.
const (
	DefaultBatchSize      = 1000
	DefaultRetryTime      = 5 * time.Second
	DefaultPollInterval   = 30 * time.Second
	DefaultConflictPolicy = "lww"
	DefaultRealtime       = "websocket"
	DefaultSchema         = "public"
)

// RemoteConfig points at the backend.
type RemoteConfig struct {
	URL         string `json:"url,omitempty"`
	RealtimeURL string `json:"realtime_url,omitempty"`
	Schema      string `json:"schema,omitempty"`
	// APIKey is the project's public key sent as the apikey header.
	APIKey string `json:"api_key,omitempty"`
}

// SyncConfig holds replication tuning.
type SyncConfig struct {
	BatchSize      int    `json:"batch_size,omitempty"`
	RetryTime      string `json:"retry_time,omitempty"`    // duration string, default "5s"
	PollInterval   string `json:"poll_interval,omitempty"` // duration string, default "30s"
	ConflictPolicy string `json:"conflict_policy,omitempty"`
	Realtime       string `json:"realtime,omitempty"` // websocket, postgres or off
	PostgresDSN    string `json:"postgres_dsn,omitempty"`
	Offline        *bool  `json:"offline,omitempty"`
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // text or json
}

// Config is the global herd config.
type Config struct {
	Remote          RemoteConfig `json:"remote"`
	Sync            SyncConfig   `json:"sync"`
	Log             LogConfig    `json:"log"`
	DataDir         string       `json:"data_dir,omitempty"`
	CollectionsFile string       `json:"collections_file,omitempty"`
}

// AuthCredentials is the stored login at auth.json.
type AuthCredentials struct {
	AccessToken string `json:"access_token"`
	Email       string `json:"email,omitempty"`
	ServerURL   string `json:"server_url,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// Expired reports whether the credential carries a past expiry.
func (a *AuthCredentials) Expired(now time.Time) bool {
	if a == nil || a.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, a.ExpiresAt)
	return err == nil && now.After(t)
}

// Dir returns the config directory, creating it if necessary.
// HERD_CONFIG_DIR overrides ~/.config/herd.
func Dir() (string, error) {
	dir := os.Getenv("HERD_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "herd")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads config.json. A missing file yields an empty config.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes config.json atomically.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(dir, configFile, data, 0644)
}

// writeAtomic writes via a temp file in the same dir, then renames.
func writeAtomic(dir, name string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

// LoadAuth reads auth.json. A missing file yields nil, nil.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, authFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth: %w", err)
	}
	return &creds, nil
}

// SaveAuth writes auth.json with 0600 permissions.
func SaveAuth(creds *AuthCredentials) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(dir, authFile, data, 0600)
}

// ClearAuth removes auth.json.
func ClearAuth() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, authFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeviceID returns the stored device id, or a fresh one.
func DeviceID() string {
	creds, err := LoadAuth()
	if err == nil && creds != nil && creds.DeviceID != "" {
		return creds.DeviceID
	}
	return uuid.NewString()
}

// Settings is the fully resolved configuration.
// Priority for each field: env > config.json > default.
type Settings struct {
	RemoteURL       string
	RealtimeURL     string
	Schema          string
	APIKey          string
	AccessToken     string
	DataDir         string
	CollectionsFile string
	BatchSize       int
	RetryTime       time.Duration
	PollInterval    time.Duration
	ConflictPolicy  string
	Realtime        string
	PostgresDSN     string
	Offline         bool
	LogLevel        slog.Level
	LogFormat       string
}

// Resolve layers env overrides and defaults over cfg and creds. Either may
// be nil.
func Resolve(cfg *Config, creds *AuthCredentials) (*Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Settings{
		RemoteURL:       envOr("HERD_REMOTE_URL", cfg.Remote.URL),
		RealtimeURL:     envOr("HERD_REALTIME_URL", cfg.Remote.RealtimeURL),
		Schema:          envOr("HERD_SCHEMA", cfg.Remote.Schema),
		APIKey:          envOr("HERD_API_KEY", cfg.Remote.APIKey),
		DataDir:         envOr("HERD_DATA_DIR", cfg.DataDir),
		CollectionsFile: envOr("HERD_COLLECTIONS_FILE", cfg.CollectionsFile),
		BatchSize:       cfg.Sync.BatchSize,
		ConflictPolicy:  envOr("HERD_CONFLICT_POLICY", cfg.Sync.ConflictPolicy),
		Realtime:        envOr("HERD_REALTIME", cfg.Sync.Realtime),
		PostgresDSN:     envOr("HERD_POSTGRES_DSN", cfg.Sync.PostgresDSN),
		LogFormat:       envOr("HERD_LOG_FORMAT", cfg.Log.Format),
	}
	s.AccessToken = os.Getenv("HERD_ACCESS_TOKEN")
	if s.AccessToken == "" && creds != nil && !creds.Expired(time.Now()) {
		s.AccessToken = creds.AccessToken
	}

	if v := os.Getenv("HERD_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("HERD_BATCH_SIZE: want a positive integer, got %q", v)
		}
		s.BatchSize = n
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}

	var err error
	if s.RetryTime, err = duration("HERD_RETRY_TIME", cfg.Sync.RetryTime, DefaultRetryTime); err != nil {
		return nil, err
	}
	if s.PollInterval, err = duration("HERD_POLL_INTERVAL", cfg.Sync.PollInterval, DefaultPollInterval); err != nil {
		return nil, err
	}

	if s.DataDir == "" {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		s.DataDir = filepath.Join(dir, "data")
	}
	if s.Schema == "" {
		s.Schema = DefaultSchema
	}
	if s.ConflictPolicy == "" {
		s.ConflictPolicy = DefaultConflictPolicy
	}
	switch s.Realtime {
	case "":
		s.Realtime = DefaultRealtime
	case "websocket", "postgres", "off":
	default:
		return nil, fmt.Errorf("sync.realtime: unknown transport %q", s.Realtime)
	}
	if s.RealtimeURL == "" && s.RemoteURL != "" {
		s.RealtimeURL = deriveRealtimeURL(s.RemoteURL)
	}

	if v := parseBoolEnv("HERD_OFFLINE"); v != nil {
		s.Offline = *v
	} else if cfg.Sync.Offline != nil {
		s.Offline = *cfg.Sync.Offline
	}

	level := envOr("HERD_LOG_LEVEL", cfg.Log.Level)
	if level != "" {
		if err := s.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	} else {
		s.LogLevel = slog.LevelWarn
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}
	return s, nil
}

// LoadSettings reads config.json and auth.json and resolves them.
func LoadSettings() (*Settings, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	creds, err := LoadAuth()
	if err != nil {
		return nil, err
	}
	return Resolve(cfg, creds)
}

// deriveRealtimeURL maps http(s)://host/rest/v1 to
// ws(s)://host/realtime/v1/websocket.
func deriveRealtimeURL(restURL string) string {
	u := strings.TrimSuffix(restURL, "/")
	u = strings.TrimSuffix(u, "/rest/v1")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(envKey, fileValue string, def time.Duration) (time.Duration, error) {
	if v := os.Getenv(envKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%s: invalid duration %q", envKey, v)
		}
		return d, nil
	}
	if fileValue != "" {
		d, err := time.ParseDuration(fileValue)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid duration %q", fileValue)
		}
		return d, nil
	}
	return def, nil
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := strings.ToLower(os.Getenv(envKey))
	var b bool
	switch v {
	case "1", "true", "yes":
		b = true
	case "0", "false", "no":
		b = false
	default:
		return nil
	}
	return &b
}
