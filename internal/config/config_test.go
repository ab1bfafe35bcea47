package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "auditor.db" {
		t.Errorf("unexpected database %q", cfg.DatabasePath)
	}
	if cfg.SSH.DialTimeout != 15*time.Second || cfg.SSH.DialAttempts != 3 || cfg.SSH.KeepAlive != 30*time.Second {
		t.Errorf("unexpected ssh defaults %+v", cfg.SSH)
	}
	if !cfg.EnableSwagger {
		t.Error("expected swagger enabled by default")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditor.yaml")
	content := `database: /var/lib/auditor/audit.db
log_level: debug
command_timeout: 90s
ssh:
  dial_attempts: 5
  known_hosts: /etc/ssh/ssh_known_hosts
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUDITOR_SSH_DIAL_TIMEOUT", "4s")
	t.Setenv("AUDITOR_API_SECRET", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/var/lib/auditor/audit.db" || cfg.LogLevel != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.CommandTimeout != 90*time.Second {
		t.Errorf("unexpected command timeout %s", cfg.CommandTimeout)
	}
	if cfg.SSH.DialAttempts != 5 || cfg.SSH.KnownHosts != "/etc/ssh/ssh_known_hosts" {
		t.Errorf("unexpected ssh config %+v", cfg.SSH)
	}
	if cfg.SSH.DialTimeout != 4*time.Second {
		t.Errorf("env override not applied: %s", cfg.SSH.DialTimeout)
	}
	if cfg.ApiSecret != "s3cret" {
		t.Errorf("env override not applied: %q", cfg.ApiSecret)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
