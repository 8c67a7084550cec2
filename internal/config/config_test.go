package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port: %d", cfg.Server.Port)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("default log format: %s", cfg.Logging.Format)
	}
	if cfg.OAuth2.SweepSchedule == "" {
		t.Fatal("default sweep schedule missing")
	}
	if cfg.Executor.UpstreamTimeoutSec != 30 {
		t.Fatalf("default upstream timeout: %d", cfg.Executor.UpstreamTimeoutSec)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  port: 9000
database:
  dsn: postgres://localhost/unitool
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("UNITOOL_CONFIG", path)
	t.Setenv("UNITOOL_SERVER_PORT", "9100")
	t.Setenv("UNITOOL_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Environment beats file, file beats defaults.
	if cfg.Server.Port != 9100 {
		t.Fatalf("port: %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level: %s", cfg.Logging.Level)
	}
	if cfg.Database.DSN != "postgres://localhost/unitool" {
		t.Fatalf("dsn: %s", cfg.Database.DSN)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver default lost: %s", cfg.Database.Driver)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	t.Setenv("UNITOOL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
