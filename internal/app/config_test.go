package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RIPPLE_JWT_SECRET", "unit-test-secret")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.DBSchema != "ripple" {
		t.Fatalf("DBSchema=%q", cfg.DBSchema)
	}
	if cfg.WSHeartbeatEvery != 25*time.Second {
		t.Fatalf("WSHeartbeatEvery=%v", cfg.WSHeartbeatEvery)
	}
	if cfg.WSRateEvents != 120 || cfg.WSRateWindow != 10*time.Second {
		t.Fatalf("rate limit defaults: events=%d window=%v", cfg.WSRateEvents, cfg.WSRateWindow)
	}
	if cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB default should be false")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("RIPPLE_JWT_SECRET", "unit-test-secret")
	t.Setenv("RIPPLE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RIPPLE_WS_SEND_QUEUE", "64")
	t.Setenv("RIPPLE_WS_RATE_WINDOW", "30s")
	t.Setenv("RIPPLE_READINESS_REQUIRE_DB", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.WSSendQueue != 64 {
		t.Fatalf("WSSendQueue=%d", cfg.WSSendQueue)
	}
	if cfg.WSRateWindow != 30*time.Second {
		t.Fatalf("WSRateWindow=%v", cfg.WSRateWindow)
	}
	if !cfg.ReadinessRequireDB {
		t.Fatalf("ReadinessRequireDB not parsed")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	var cfg Config
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing JWT secret")
	}
	cfg.JWTSecret = "x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
