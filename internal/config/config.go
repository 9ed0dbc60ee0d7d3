// Package config loads herd's TOML configuration.
//
// Precedence is defaults, then the config file, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/theirongolddev/herd/internal/util"
)

// Environment variables read by Load.
const (
	EnvConfig          = "HERD_CONFIG"
	EnvStateDir        = "HERD_STATE_DIR"
	EnvSession         = "HERD_SESSION"
	EnvRemote          = "HERD_REMOTE"
	EnvRegistryBackend = "HERD_REGISTRY_BACKEND"
	EnvDebug           = "HERD_DEBUG"
)

// Config represents the main configuration
type Config struct {
	StateDir string         `toml:"state_dir"`
	Tmux     TmuxConfig     `toml:"tmux"`
	Registry RegistryConfig `toml:"registry"`
	Agent    AgentConfig    `toml:"agent"`
	Commands CommandsConfig `toml:"commands"`
	Batch    BatchConfig    `toml:"batch"`
	Events   EventsConfig   `toml:"events"`
	Approve  ApproveConfig  `toml:"approve"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`

	// Path is the file the config was loaded from, empty for defaults.
	Path string `toml:"-"`
}

// TmuxConfig selects the multiplexer server.
type TmuxConfig struct {
	Session string `toml:"session"` // session new workers are spawned into
	Remote  string `toml:"remote"`  // "user@host" to drive tmux over ssh
	Socket  string `toml:"socket"`  // tmux -L socket name
}

// RegistryConfig selects the worker registry backend.
type RegistryConfig struct {
	Backend string `toml:"backend"` // "json" or "sqlite"
	Path    string `toml:"path"`    // directory (json) or file (sqlite); defaults under state_dir
}

// AgentConfig describes the command started in a freshly spawned pane.
type AgentConfig struct {
	// Command is a text/template over AgentTemplateVars.
	Command string `toml:"command"`
	WorkDir string `toml:"work_dir"`
}

// CommandsConfig holds defaults for pane commands.
type CommandsConfig struct {
	DefaultTimeout util.Duration `toml:"default_timeout"`
	CaptureLines   int           `toml:"capture_lines"`
}

// BatchConfig holds batch defaults.
type BatchConfig struct {
	DefaultConcurrency int    `toml:"default_concurrency"`
	TaskFile           string `toml:"task_file"` // YAML list of ready tasks
}

// EventsConfig configures the event aggregator.
type EventsConfig struct {
	Dir                string        `toml:"dir"` // defaults to <state_dir>/events
	PollInterval       util.Duration `toml:"poll_interval"`
	PromptScanInterval util.Duration `toml:"prompt_scan_interval"`
}

// ApproveConfig configures the auto-approve engine.
type ApproveConfig struct {
	// PolicyFiles maps a layer name to a YAML policy file.
	PolicyFiles   map[string]string `toml:"policy_files"`
	ApproveKeys   []string          `toml:"approve_keys"`
	DenyKeys      []string          `toml:"deny_keys"`
	AuditLog      string            `toml:"audit_log"` // JSON lines file
	RetentionDays int               `toml:"retention_days"`
}

// NotifyConfig selects which worker events reach a human and how.
type NotifyConfig struct {
	Enabled bool `toml:"enabled"`
	// Events lists notification kinds: needs-approval, blocked, dead, degraded.
	Events  []string      `toml:"events"`
	Desktop bool          `toml:"desktop"`
	LogPath string        `toml:"log_path"`
	Webhook WebhookConfig `toml:"webhook"`
	Shell   ShellConfig   `toml:"shell"`
}

// WebhookConfig posts notifications to a URL.
type WebhookConfig struct {
	URL      string            `toml:"url"`
	Template string            `toml:"template"` // text/template over the notification
	Method   string            `toml:"method"`
	Headers  map[string]string `toml:"headers"`
}

// ShellConfig runs a command per notification.
type ShellConfig struct {
	Command string `toml:"command"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// AgentTemplateVars are the fields available to agent.command.
type AgentTemplateVars struct {
	WorkerID string
	TaskRef  string
	WorkDir  string
	Session  string
}

// DefaultStateDir returns $XDG_STATE_HOME/herd or ~/.local/state/herd.
func DefaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "herd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "herd")
}

// DefaultPath returns the default config file path
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "herd", "config.toml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "herd", "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir(),
		Tmux:     TmuxConfig{Session: "herd"},
		Registry: RegistryConfig{Backend: "json"},
		Agent:    AgentConfig{Command: "claude"},
		Commands: CommandsConfig{
			DefaultTimeout: util.Duration(30 * time.Second),
			CaptureLines:   200,
		},
		Batch: BatchConfig{DefaultConcurrency: 3},
		Events: EventsConfig{
			PollInterval:       util.Duration(2 * time.Second),
			PromptScanInterval: util.Duration(3 * time.Second),
		},
		Approve: ApproveConfig{
			ApproveKeys:   []string{"Enter"},
			DenyKeys:      []string{"Escape"},
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Events:  []string{"needs-approval", "blocked", "dead"},
			Desktop: true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Resolve picks the config path: explicit flag, then HERD_CONFIG, then the default.
func Resolve(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return DefaultPath()
}

// Load reads the config at path over the defaults. A missing file at the
// default location is not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	path = Resolve(path)
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, os.ErrNotExist) && !explicit && os.Getenv(EnvConfig) == "":
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	applyEnv(cfg)
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(EnvSession); v != "" {
		cfg.Tmux.Session = v
	}
	if v := os.Getenv(EnvRemote); v != "" {
		cfg.Tmux.Remote = v
	}
	if v := os.Getenv(EnvRegistryBackend); v != "" {
		cfg.Registry.Backend = v
	}
	if v := os.Getenv(EnvDebug); v == "1" || v == "true" {
		cfg.Log.Level = "debug"
	}
}

// fillDefaults replaces zero values left by a partial config file.
func (c *Config) fillDefaults() {
	d := Default()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	c.StateDir = ExpandHome(c.StateDir)
	if c.Tmux.Session == "" {
		c.Tmux.Session = d.Tmux.Session
	}
	if c.Registry.Backend == "" {
		c.Registry.Backend = d.Registry.Backend
	}
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.StateDir, "registry")
	}
	c.Registry.Path = ExpandHome(c.Registry.Path)
	if c.Agent.Command == "" {
		c.Agent.Command = d.Agent.Command
	}
	c.Agent.WorkDir = ExpandHome(c.Agent.WorkDir)
	if c.Commands.DefaultTimeout <= 0 {
		c.Commands.DefaultTimeout = d.Commands.DefaultTimeout
	}
	if c.Commands.CaptureLines <= 0 {
		c.Commands.CaptureLines = d.Commands.CaptureLines
	}
	if c.Batch.DefaultConcurrency <= 0 {
		c.Batch.DefaultConcurrency = d.Batch.DefaultConcurrency
	}
	c.Batch.TaskFile = ExpandHome(c.Batch.TaskFile)
	if c.Events.Dir == "" {
		c.Events.Dir = filepath.Join(c.StateDir, "events")
	}
	c.Events.Dir = ExpandHome(c.Events.Dir)
	if c.Events.PollInterval <= 0 {
		c.Events.PollInterval = d.Events.PollInterval
	}
	if c.Events.PromptScanInterval <= 0 {
		c.Events.PromptScanInterval = d.Events.PromptScanInterval
	}
	if len(c.Approve.ApproveKeys) == 0 {
		c.Approve.ApproveKeys = d.Approve.ApproveKeys
	}
	if len(c.Approve.DenyKeys) == 0 {
		c.Approve.DenyKeys = d.Approve.DenyKeys
	}
	if c.Approve.AuditLog == "" {
		c.Approve.AuditLog = filepath.Join(c.StateDir, "approvals.jsonl")
	}
	c.Approve.AuditLog = ExpandHome(c.Approve.AuditLog)
	if c.Approve.RetentionDays <= 0 {
		c.Approve.RetentionDays = d.Approve.RetentionDays
	}
	for layer, p := range c.Approve.PolicyFiles {
		c.Approve.PolicyFiles[layer] = ExpandHome(p)
	}
	if len(c.Notify.Events) == 0 {
		c.Notify.Events = d.Notify.Events
	}
	c.Notify.LogPath = ExpandHome(c.Notify.LogPath)
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("registry.backend must be \"json\" or \"sqlite\", got %q", c.Registry.Backend)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	for _, kind := range c.Notify.Events {
		switch kind {
		case "needs-approval", "blocked", "dead", "degraded":
		default:
			return fmt.Errorf("notify.events: unknown event %q", kind)
		}
	}
	for layer := range c.Approve.PolicyFiles {
		switch layer {
		case "worker", "batch", "project", "user", "global":
		default:
			return fmt.Errorf("approve.policy_files: unknown layer %q", layer)
		}
	}
	return nil
}

// GenerateAgentCommand renders agent.command for one worker.
func (c *Config) GenerateAgentCommand(vars AgentTemplateVars) (string, error) {
	tmplStr := c.Agent.Command
	// If template has no placeholders, return as is
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	t, err := template.New("agent").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("parsing agent command template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("executing agent command template: %w", err)
	}

	return buf.String(), nil
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Print writes cfg in TOML format.
func Print(cfg *Config, w io.Writer) error {
	fmt.Fprintln(w, "# herd configuration")
	if cfg.Path != "" {
		fmt.Fprintf(w, "# loaded from %s\n", cfg.Path)
	}
	fmt.Fprintln(w)
	return toml.NewEncoder(w).Encode(cfg)
}

// CreateDefault writes the default config to path unless it already exists.
func CreateDefault(path string) (string, error) {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	// Check if file already exists
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config file already exists: %s", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := Print(Default(), f); err != nil {
		return "", err
	}
	return path, nil
}
