package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
port: "8086"
logLevel: debug
localStoreDir: ./data
sessionSecret: file-secret-0123456789
`)
	t.Setenv("SESSION_SECRET", "env-secret-0123456789")
	t.Setenv("DATABASE_URL", "postgres://standard/db")
	t.Setenv("SERVICE_DATABASE_URL", "postgres://service/db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionSecret != "env-secret-0123456789" {
		t.Fatalf("env override not applied: %q", cfg.SessionSecret)
	}
	if cfg.LocalOnly() {
		t.Fatalf("both DSNs set, expected remote mode")
	}
}

func TestLoadAllowsLocalOnly(t *testing.T) {
	path := writeConfig(t, `
port: "8086"
localStoreDir: ./data
sessionSecret: some-secret-0123456789
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.LocalOnly() {
		t.Fatalf("expected local-only mode with no DSNs")
	}
}

func TestLoadRejectsHalfConfiguredDatabase(t *testing.T) {
	path := writeConfig(t, `
port: "8086"
localStoreDir: ./data
sessionSecret: some-secret-0123456789
databaseURL: postgres://standard/db
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for databaseURL without serviceDatabaseURL")
	}
}

func TestLoadRejectsMissingPort(t *testing.T) {
	path := writeConfig(t, `
localStoreDir: ./data
sessionSecret: some-secret-0123456789
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestLoadRejectsRedisBackendWithoutAddr(t *testing.T) {
	path := writeConfig(t, `
port: "8086"
localStoreBackend: redis
sessionSecret: some-secret-0123456789
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for redis backend without redisAddr")
	}
}

func TestParseMaintenanceWindow(t *testing.T) {
	from, until, err := ParseMaintenanceWindow("2026-09-01T00:00:00Z", "2026-09-01T02:00:00Z")
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	if until.Sub(from) != 2*time.Hour {
		t.Fatalf("unexpected window: %v .. %v", from, until)
	}
	if _, _, err := ParseMaintenanceWindow("2026-09-01T02:00:00Z", "2026-09-01T00:00:00Z"); err == nil {
		t.Fatalf("expected error for inverted window")
	}
	if _, _, err := ParseMaintenanceWindow("not-a-time", ""); err == nil {
		t.Fatalf("expected error for malformed start")
	}
}
