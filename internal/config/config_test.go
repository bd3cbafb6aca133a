package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "user:\n  id: kid\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.User.ID != "kid" {
		t.Errorf("expected user kid, got %q", cfg.User.ID)
	}
	if cfg.Usage.FlushThreshold != "15s" {
		t.Errorf("expected flush threshold 15s, got %q", cfg.Usage.FlushThreshold)
	}
	if cfg.Reconcile.Grace != "10s" {
		t.Errorf("expected grace 10s, got %q", cfg.Reconcile.Grace)
	}
	if cfg.Lock.MaxAttempts != 3 {
		t.Errorf("expected 3 lock attempts, got %d", cfg.Lock.MaxAttempts)
	}
	if cfg.Steps.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Steps.BatchSize)
	}
	if len(cfg.Classification.TransientIDs) == 0 {
		t.Error("expected default transient identifiers")
	}
	if cfg.Storage.Type != "redis" {
		t.Errorf("expected redis storage, got %q", cfg.Storage.Type)
	}
}

func TestLoadApps(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
user:
  id: kid
apps:
  - id: com.example.game
    name: Game
    blocked: true
  - id: com.example.video
    name: Video
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Apps) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(cfg.Apps))
	}
	if !cfg.Apps[0].Blocked || cfg.Apps[0].Name != "Game" {
		t.Errorf("unexpected first app: %+v", cfg.Apps[0])
	}
	if cfg.Apps[1].Blocked {
		t.Errorf("expected second app not blocked")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "usage:\n  flush_threshold: soon\n",
			wantErr: "usage.flush_threshold",
		},
		{
			name:    "negative duration",
			content: "reconcile:\n  grace: -1s\n",
			wantErr: "reconcile.grace",
		},
		{
			name:    "zero lock attempts",
			content: "lock:\n  max_attempts: 0\n",
			wantErr: "lock.max_attempts",
		},
		{
			name:    "zero batch size",
			content: "steps:\n  batch_size: 0\n",
			wantErr: "steps.batch_size",
		},
		{
			name:    "empty user",
			content: "user:\n  id: \"\"\n",
			wantErr: "user.id",
		},
		{
			name:    "duplicate app",
			content: "apps:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate managed app",
		},
		{
			name:    "app without id",
			content: "apps:\n  - name: Nameless\n",
			wantErr: "missing an id",
		},
		{
			name:    "metrics port",
			content: "server:\n  metrics_port: 70000\n",
			wantErr: "metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("UNLOCKD_USER_ID", "from-env")
	t.Setenv("UNLOCKD_RECONCILE_GRACE", "2s")

	cfg, err := Load(writeConfig(t, "user:\n  id: from-file\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.User.ID != "from-env" {
		t.Errorf("expected env override, got %q", cfg.User.ID)
	}
	if cfg.Reconcile.Grace != "2s" {
		t.Errorf("expected grace 2s, got %q", cfg.Reconcile.Grace)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("expected fallback, got %v", got)
	}
}
