package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "marketflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	return path
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeYAML(t, `
log_level: debug
http:
  addr: ":9000"
database:
  url: postgres://file/db
  max_conns: 4
auth:
  jwt_secret: from-file-0123456789
outbox:
  poll_interval: 500ms
risk:
  dispute_rate: 0.5
`)
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Fatalf("expected env DATABASE_URL to win, got %q", cfg.Database.URL)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.LogLevel != "debug" || cfg.Database.MaxConns != 4 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Outbox.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %s", cfg.Outbox.PollInterval)
	}
	if cfg.Outbox.MaxAttempts != 3 || cfg.HTTP.RateLimitRPS != 2.5 {
		t.Fatalf("numeric env overrides not applied: %+v", cfg.Outbox)
	}
	if cfg.Risk.DisputeRate != 0.5 || cfg.Risk.CancelRate != 0.4 {
		t.Fatalf("expected merged risk config, got %+v", cfg.Risk)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load(writeYAML(t, "database:\n  url: postgres://x/db\n"))
	if err == nil {
		t.Fatal("expected validation error for short jwt secret")
	}
	if !strings.Contains(err.Error(), "config: validate") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoad_BadNumericEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "many")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "OUTBOX_MAX_ATTEMPTS") {
		t.Fatalf("expected OUTBOX_MAX_ATTEMPTS error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLogError_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("bogus", &buf)
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}

	LogError(logger, "escrow", "ApproveMilestone", "release", map[string]string{"milestone_id": "m1"}, errors.New("boom"))

	out := buf.String()
	for _, want := range []string{`"component":"escrow"`, `"funcName":"ApproveMilestone"`, `"milestone_id":"m1"`, `"msg":"boom"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}
