package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %s", cfg.Port)
	}
	if cfg.GatewayTimeout != 10*time.Second {
		t.Errorf("gateway timeout = %s", cfg.GatewayTimeout)
	}
	if cfg.TokenRefreshSpec != "0 0 * * * *" || cfg.TokenRefreshThreshold != 2*time.Hour {
		t.Errorf("token refresh = %q / %s", cfg.TokenRefreshSpec, cfg.TokenRefreshThreshold)
	}
	if cfg.PositionKeyScope != "symbol" {
		t.Errorf("scope = %s", cfg.PositionKeyScope)
	}
	if cfg.AuthMaxFailures != 5 || cfg.AuthLockout != 15*time.Minute {
		t.Errorf("auth = %d / %s", cfg.AuthMaxFailures, cfg.AuthLockout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef")
	t.Setenv("PORT", "9090")
	t.Setenv("GATEWAY_TIMEOUT", "3s")
	t.Setenv("POSITION_KEY_SCOPE", "contract")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.GatewayTimeout != 3*time.Second || cfg.PositionKeyScope != "contract" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "short")
	t.Setenv("POSITION_KEY_SCOPE", "account")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"ENCRYPTION_KEY", "JWT_SECRET", "POSITION_KEY_SCOPE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	if (Config{LogLevel: "DEBUG"}).SlogLevel() != slog.LevelDebug {
		t.Error("debug")
	}
	if (Config{LogLevel: "nonsense"}).SlogLevel() != slog.LevelInfo {
		t.Error("fallback")
	}
}
