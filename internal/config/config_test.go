package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseEnvDefaults(t *testing.T) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.Addr() != ":3000" {
		t.Errorf("expected :3000, got %q", cfg.Addr())
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if !cfg.TrustForwardedFor {
		t.Error("expected forwarded-for trusted by default")
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ADMIN_SECRET", "hunter2")
	t.Setenv("SEND_QUEUE_SIZE", "8")
	t.Setenv("HEARTBEAT_TIMEOUT", "3s")

	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr() != ":8080" || cfg.AdminSecret != "hunter2" || cfg.SendQueueSize != 8 || cfg.HeartbeatTimeout != 3*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}

	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	cfg = Server{}
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("LISTEN_ADDR should win, got %q", cfg.Addr())
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("PORT", "not-an-int")

	var cfg Server
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestAuditorRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	os.Unsetenv("DATABASE_URL")

	var cfg Auditor
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("TIKTALK_DOTENV_TEST=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TIKTALK_DOTENV_TEST", "")
	os.Unsetenv("TIKTALK_DOTENV_TEST")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("TIKTALK_DOTENV_TEST"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
	os.Unsetenv("TIKTALK_DOTENV_TEST")
}
