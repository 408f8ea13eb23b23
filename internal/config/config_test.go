package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestInitHiveDirCreatesStructure(t *testing.T) {
	dir := t.TempDir()
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, sub := range []string{"logs", SessionsDirName, SelectorsDirName} {
		path := filepath.Join(dir, HiveDir, sub)
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s, err=%v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, HiveDir, "config.yaml")); err != nil {
		t.Fatalf("expected config.yaml: %v", err)
	}
}

func TestInitHiveDirPreservesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("first init: %v", err)
	}
	path := filepath.Join(dir, HiveDir, "config.yaml")
	custom := []byte("version: 1\ndefault_worker: custom\n")
	if err := os.WriteFile(path, custom, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != string(custom) {
		t.Fatalf("config.yaml was overwritten")
	}
}

func TestNewConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	path := filepath.Join(dir, HiveDir, "config.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nqueue:\n  lease: 90s\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Project.Queue.Lease.Std(); got != 90*time.Second {
		t.Fatalf("lease = %s, want 90s", got)
	}
	if cfg.Project.Queue.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d, want default 3", cfg.Project.Queue.MaxAttempts)
	}
	if got := cfg.Project.Escalation.WarnAfter.Std(); got != 10*time.Minute {
		t.Fatalf("warn_after = %s, want default 10m", got)
	}
	if cfg.Project.Bridge.Host != "127.0.0.1" {
		t.Fatalf("bridge host = %q, want default", cfg.Project.Bridge.Host)
	}
}

func TestNewConfigMissingFile(t *testing.T) {
	if _, err := NewConfig(t.TempDir()); err == nil {
		t.Fatalf("expected error without config.yaml")
	}
}

func TestNewConfigRejectsBadEscalationLadder(t *testing.T) {
	dir := t.TempDir()
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	bad := []byte("version: 1\nescalation:\n  warn_after: 1h\n  escalate_after: 30m\n  abandon_after: 2h\n")
	path := filepath.Join(dir, HiveDir, "config.yaml")
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewConfig(dir); err == nil {
		t.Fatalf("expected ladder validation error")
	}
}

func TestRosterPathResolution(t *testing.T) {
	dir := t.TempDir()
	if err := InitHiveDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(dir, HiveDir, "roster.json")
	if got := cfg.RosterPath(); got != want {
		t.Fatalf("roster path = %s, want %s", got, want)
	}

	cfg.Project.Roster = "/etc/hive/roster.json"
	if got := cfg.RosterPath(); got != "/etc/hive/roster.json" {
		t.Fatalf("absolute roster path not honored: %s", got)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		input string
		want  time.Duration
	}{
		{`"5m"`, 5 * time.Minute},
		{`"1h30m"`, 90 * time.Minute},
		{`45`, 45 * time.Second},
	}
	for _, tc := range cases {
		var d Duration
		if err := yaml.Unmarshal([]byte(tc.input), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.input, err)
		}
		if d.Std() != tc.want {
			t.Fatalf("duration %s = %s, want %s", tc.input, d.Std(), tc.want)
		}
	}
	var d Duration
	if err := yaml.Unmarshal([]byte(`"not-a-duration"`), &d); err == nil {
		t.Fatalf("expected parse error")
	}
}
