package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.FlowStore.Driver != "postgres" {
		t.Errorf("FlowStore.Driver = %q, want postgres", cfg.FlowStore.Driver)
	}
	if cfg.FlowStore.MaxOpenConns != 10 {
		t.Errorf("FlowStore.MaxOpenConns = %d, want 10", cfg.FlowStore.MaxOpenConns)
	}
	if cfg.Lock.Driver != "redis" {
		t.Errorf("Lock.Driver = %q, want redis", cfg.Lock.Driver)
	}
	if cfg.Lock.Timeout != 5*time.Minute {
		t.Errorf("Lock.Timeout = %v, want 5m", cfg.Lock.Timeout)
	}
	if cfg.Orchestration.HealthSweepInterval != 30*time.Second {
		t.Errorf("Orchestration.HealthSweepInterval = %v, want 30s", cfg.Orchestration.HealthSweepInterval)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("Observability.LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_unsupported_lock_driver(t *testing.T) {
	_, err := Load("testdata/bad_lock.yaml")
	if err == nil {
		t.Fatal("Load() with unsupported lock driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Lock.Driver != "memory" {
		t.Errorf("default Lock.Driver = %q, want memory", cfg.Lock.Driver)
	}
	if cfg.Lock.Timeout != 5*time.Minute {
		t.Errorf("default Lock.Timeout = %v, want 5m", cfg.Lock.Timeout)
	}
	if cfg.Orchestration.ZombieProgressFloor != 80 {
		t.Errorf("default ZombieProgressFloor = %v, want 80", cfg.Orchestration.ZombieProgressFloor)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_SERVER_PORT", "3000")
	t.Setenv("CONDUCTOR_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("CONDUCTOR_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("CONDUCTOR_LOCK_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 from env", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error from env", cfg.Observability.LogLevel)
	}
	if cfg.Lock.Driver != "memory" {
		t.Errorf("Lock.Driver = %q, want memory from env", cfg.Lock.Driver)
	}
}
