// Package config defines the configuration for the groupclaw daemon:
// the agent backend, the group queue, the container runner, mount
// security, the control protocol directories, and ambient concerns
// (logging, storage paths).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Agent configures the agent execution backend.
	Agent AgentConfig `yaml:"agent"`

	// Queue configures the per-group work queue.
	Queue QueueConfig `yaml:"queue"`

	// Container configures the container runner.
	Container ContainerConfig `yaml:"container"`

	// Mounts configures the mount security gate.
	Mounts MountsConfig `yaml:"mounts"`

	// Control configures the file-based control protocol.
	Control ControlConfig `yaml:"control"`

	// Scheduler configures the due-task poller.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Store configures the persistence layer.
	Store StoreConfig `yaml:"store"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig selects and configures the agent execution backend.
type AgentConfig struct {
	// Backend is the execution backend: "docker" is the only backend
	// currently compiled in. The set is closed; selection happens once
	// at startup.
	Backend string `yaml:"backend"`

	// Image is the container image that runs the agent process.
	Image string `yaml:"image"`

	// Command overrides the image entrypoint arguments, if set.
	Command []string `yaml:"command"`

	// TriggerWord activates the agent in groups registered with
	// requiresTrigger. Matched case-insensitively anywhere in the text.
	TriggerWord string `yaml:"trigger_word"`
}

// QueueConfig configures the group queue.
type QueueConfig struct {
	// MaxConcurrent caps the number of agent processes running at once
	// across all groups.
	MaxConcurrent int `yaml:"max_concurrent"`

	// ShutdownTimeout is how long Shutdown waits for active processes
	// to exit gracefully before force-terminating them.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ContainerConfig configures a single container invocation.
type ContainerConfig struct {
	// Timeout bounds one whole invocation. On expiry the container is
	// force-stopped and an error result is synthesized.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps total captured agent output. Exceeding it
	// truncates the stream and synthesizes an error result.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// IdleTimeout closes the process input stream after this long with
	// no newly piped message, letting a long-lived process exit early.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ProjectDir is the project root. The main group gets it mounted
	// read-write; per-group workspaces live under it in groups/.
	ProjectDir string `yaml:"project_dir"`

	// ForceGroupReadOnly mounts non-main group workspaces read-only.
	// The control subdirectory stays writable regardless.
	ForceGroupReadOnly bool `yaml:"force_group_read_only"`

	// MemoFile is the shared memo mounted read-only into non-main
	// group containers.
	MemoFile string `yaml:"memo_file"`

	// Network is the docker network mode for agent containers.
	Network string `yaml:"network"`
}

// MountsConfig configures the mount allowlist.
type MountsConfig struct {
	// AllowlistPath is the allowlist file location. It must live outside
	// the project tree so it is never itself mountable. When the file is
	// missing or invalid every requested mount is denied.
	AllowlistPath string `yaml:"allowlist_path"`
}

// ControlConfig configures the control protocol. The control
// directories themselves live inside each group workspace
// (groups/{folder}/control/{messages,tasks}) so the issuing group is
// identified by the directory, never by a spoofable envelope field.
type ControlConfig struct {
	// PollInterval is how often the watcher scans the control
	// directories of all registered groups.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchedulerConfig configures the due-task poller.
type SchedulerConfig struct {
	// PollInterval is how often the poller checks for due tasks.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file location.
	Path string `yaml:"path"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults, rooted at dir.
func DefaultConfig(dir string) Config {
	if dir == "" {
		dir = "."
	}
	allowlist := ""
	if home, err := os.UserHomeDir(); err == nil {
		allowlist = filepath.Join(home, ".config", "groupclaw", "mount-allowlist.json")
	}
	return Config{
		Agent: AgentConfig{
			Backend:     "docker",
			Image:       "groupclaw-agent:latest",
			TriggerWord: "@claw",
		},
		Queue: QueueConfig{
			MaxConcurrent:   2,
			ShutdownTimeout: 30 * time.Second,
		},
		Container: ContainerConfig{
			Timeout:        30 * time.Minute,
			MaxOutputBytes: 10 * 1024 * 1024, // 10MB
			IdleTimeout:    60 * time.Second,
			ProjectDir:     dir,
			MemoFile:       filepath.Join(dir, "groups", "shared", "memo.md"),
			Network:        "bridge",
		},
		Mounts: MountsConfig{
			AllowlistPath: allowlist,
		},
		Control: ControlConfig{
			PollInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(dir, "data", "groupclaw.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a yaml config file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GroupsDir returns the directory holding per-group workspaces.
func (c *Config) GroupsDir() string {
	return filepath.Join(c.Container.ProjectDir, "groups")
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if c.Agent.Backend != "docker" {
		return fmt.Errorf("unknown agent backend: %q", c.Agent.Backend)
	}
	if c.Agent.Image == "" {
		return fmt.Errorf("agent image is required")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue max_concurrent must be positive")
	}
	if c.Container.Timeout <= 0 {
		return fmt.Errorf("container timeout must be positive")
	}
	if c.Container.MaxOutputBytes <= 0 {
		return fmt.Errorf("container max_output_bytes must be positive")
	}
	if c.Control.PollInterval <= 0 {
		return fmt.Errorf("control poll_interval must be positive")
	}
	return nil
}
