// internal/config/config.go
//
// This package handles configuration and the .hive directory structure.
// Every project that uses hive gets a .hive/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// HiveDir is the name of the directory we create in each project.
	HiveDir = ".hive"

	// SessionsDirName holds one subdirectory per session.
	SessionsDirName = "sessions"

	// SelectorsDirName holds optional Go selector plugins for the router.
	SelectorsDirName = "selectors"

	configFileName = "config.yaml"
)

const defaultConfigYAML = `# hive project configuration
version: 1

# Path to the worker roster, relative to the project root.
roster: .hive/roster.json

# Worker that receives tasks no other worker scores on. Leave empty to
# keep unroutable tasks in the backlog.
default_worker: ""

queue:
  lease: 5m
  max_attempts: 3
  max_parallel: 4
  poll_interval: 2s

escalation:
  warn_after: 10m
  escalate_after: 30m
  abandon_after: 2h

bridge:
  enabled: false
  host: 127.0.0.1
  port: 7421
`

// QueueConfig tunes backlog delivery and supervisor dispatch.
type QueueConfig struct {
	Lease        Duration `yaml:"lease"`
	MaxAttempts  int      `yaml:"max_attempts"`
	MaxParallel  int      `yaml:"max_parallel"`
	PollInterval Duration `yaml:"poll_interval"`
}

// EscalationConfig sets the timeout ladder for claimed tasks.
type EscalationConfig struct {
	WarnAfter     Duration `yaml:"warn_after"`
	EscalateAfter Duration `yaml:"escalate_after"`
	AbandonAfter  Duration `yaml:"abandon_after"`
}

// BridgeConfig controls the HTTP event ingress.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// ProjectConfig models .hive/config.yaml.
type ProjectConfig struct {
	Version       int              `yaml:"version"`
	Roster        string           `yaml:"roster"`
	DefaultWorker string           `yaml:"default_worker"`
	Queue         QueueConfig      `yaml:"queue"`
	Escalation    EscalationConfig `yaml:"escalation"`
	Bridge        BridgeConfig     `yaml:"bridge"`
}

// Config holds the runtime configuration for hive.
type Config struct {
	// ProjectDir is the directory where the user ran `hive` from.
	ProjectDir string

	// HiveProjectDir is ProjectDir/.hive.
	HiveProjectDir string

	Project ProjectConfig
}

// InitHiveDir creates the .hive directory structure in the given project
// directory and writes a default config.yaml if none exists.
//
// Structure created:
// .hive/
// ├── config.yaml
// ├── logs/         <- process log
// ├── sessions/     <- one directory per session
// └── selectors/    <- optional Go selector plugins
func InitHiveDir(projectDir string) error {
	hiveDir := filepath.Join(projectDir, HiveDir)

	dirs := []string{
		filepath.Join(hiveDir, "logs"),
		filepath.Join(hiveDir, SessionsDirName),
		filepath.Join(hiveDir, SelectorsDirName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(hiveDir, configFileName))
}

// NewConfig loads the project configuration rooted at projectDir.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:     projectDir,
		HiveProjectDir: filepath.Join(projectDir, HiveDir),
		Project:        defaultProjectConfig(),
	}

	path := filepath.Join(cfg.HiveProjectDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %s not found; run `hive init` first", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var project ProjectConfig
	if err := yaml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyProjectDefaults(&project)
	if err := project.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Project = project
	return cfg, nil
}

// SessionsDir returns the directory that holds all session directories.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.HiveProjectDir, SessionsDirName)
}

// SelectorsDir returns the directory scanned for router selector plugins.
func (c *Config) SelectorsDir() string {
	return filepath.Join(c.HiveProjectDir, SelectorsDirName)
}

// RosterPath resolves the roster path against the project directory.
func (c *Config) RosterPath() string {
	roster := strings.TrimSpace(c.Project.Roster)
	if roster == "" {
		roster = filepath.Join(HiveDir, "roster.json")
	}
	if filepath.IsAbs(roster) {
		return roster
	}
	return filepath.Join(c.ProjectDir, roster)
}

// Validate enforces baseline requirements on the parsed configuration.
func (p ProjectConfig) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported config version %d", p.Version)
	}
	if p.Queue.Lease <= 0 {
		return errors.New("queue.lease must be positive")
	}
	if p.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if p.Queue.MaxParallel < 1 {
		return errors.New("queue.max_parallel must be at least 1")
	}
	if p.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	e := p.Escalation
	if e.WarnAfter <= 0 {
		return errors.New("escalation.warn_after must be positive")
	}
	if e.EscalateAfter <= e.WarnAfter {
		return errors.New("escalation.escalate_after must exceed warn_after")
	}
	if e.AbandonAfter <= e.EscalateAfter {
		return errors.New("escalation.abandon_after must exceed escalate_after")
	}
	if p.Bridge.Enabled {
		if p.Bridge.Port < 1 || p.Bridge.Port > 65535 {
			return fmt.Errorf("bridge.port %d out of range", p.Bridge.Port)
		}
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	var project ProjectConfig
	// The embedded default is the source of truth for defaults; a parse
	// failure here is a programming error.
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &project); err != nil {
		panic(fmt.Sprintf("config: default yaml invalid: %v", err))
	}
	return project
}

func applyProjectDefaults(project *ProjectConfig) {
	defaults := defaultProjectConfig()
	if project.Version == 0 {
		project.Version = defaults.Version
	}
	if strings.TrimSpace(project.Roster) == "" {
		project.Roster = defaults.Roster
	}
	if project.Queue.Lease == 0 {
		project.Queue.Lease = defaults.Queue.Lease
	}
	if project.Queue.MaxAttempts == 0 {
		project.Queue.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if project.Queue.MaxParallel == 0 {
		project.Queue.MaxParallel = defaults.Queue.MaxParallel
	}
	if project.Queue.PollInterval == 0 {
		project.Queue.PollInterval = defaults.Queue.PollInterval
	}
	if project.Escalation.WarnAfter == 0 {
		project.Escalation.WarnAfter = defaults.Escalation.WarnAfter
	}
	if project.Escalation.EscalateAfter == 0 {
		project.Escalation.EscalateAfter = defaults.Escalation.EscalateAfter
	}
	if project.Escalation.AbandonAfter == 0 {
		project.Escalation.AbandonAfter = defaults.Escalation.AbandonAfter
	}
	if strings.TrimSpace(project.Bridge.Host) == "" {
		project.Bridge.Host = defaults.Bridge.Host
	}
	if project.Bridge.Port == 0 {
		project.Bridge.Port = defaults.Bridge.Port
	}
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
