package devremote

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"HERD_SYNC_LISTEN_ADDR", "HERD_SYNC_TOKENS", "HERD_SYNC_RATE_LIMIT_PUSH", "HERD_SYNC_SHUTDOWN_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig()
	if cfg.ListenAddr != ":8787" || cfg.RateLimitPush != 600 || cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Tokens) != 0 {
		t.Errorf("Tokens = %q", cfg.Tokens)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("HERD_SYNC_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("HERD_SYNC_TOKENS", " a, b ,,")
	t.Setenv("HERD_SYNC_RATE_LIMIT_PUSH", "-3")
	t.Setenv("HERD_SYNC_SHUTDOWN_TIMEOUT", "2s")
	cfg := LoadConfig()
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.Tokens) != 2 || cfg.Tokens[0] != "a" || cfg.Tokens[1] != "b" {
		t.Errorf("Tokens = %q", cfg.Tokens)
	}
	if cfg.RateLimitPush != 600 {
		t.Errorf("invalid rate limit should keep default, got %d", cfg.RateLimitPush)
	}
	if cfg.ShutdownTimeout != 2*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}
