package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Backend       BackendConfig       `toml:"backend"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Triggers      []TriggerConfig     `toml:"triggers"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	PhasesPath   string `toml:"phases_path"`
	// HistoryRetentionDays controls pruning of completed runs; 0 keeps
	// everything.
	HistoryRetentionDays int `toml:"history_retention_days"`
}

// BackendConfig holds the backend process endpoints
type BackendConfig struct {
	CommandURL string `toml:"command_url"`
	EventURL   string `toml:"event_url"`
	// PollIntervalSecs drives the snapshot polling fallback when the
	// event socket is down.
	PollIntervalSecs int `toml:"poll_interval_secs"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds local control API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// TriggerConfig describes one scheduled run
type TriggerConfig struct {
	Name       string         `toml:"name"`
	Schedule   string         `toml:"schedule"`
	Category   string         `toml:"category"`
	SubjectKey string         `toml:"subject_key"`
	Params     map[string]any `toml:"params"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:         filepath.Join(home, ".persona-orchestrator", "runs.db"),
			HistoryRetentionDays: 30,
		},
		Backend: BackendConfig{
			CommandURL:       "http://127.0.0.1:8700",
			EventURL:         "ws://127.0.0.1:8700/events",
			PollIntervalSecs: 5,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8710,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PhasesPath = ExpandPath(cfg.General.PhasesPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects trigger entries that would fail at schedule time.
func (c *Config) Validate() error {
	for _, trig := range c.Triggers {
		if trig.Schedule == "" {
			return fmt.Errorf("trigger %q: schedule is required", trig.Name)
		}
		if !domain.ValidCategory(domain.RunCategory(trig.Category)) {
			return fmt.Errorf("trigger %q: unknown category %q", trig.Name, trig.Category)
		}
		if trig.SubjectKey == "" {
			return fmt.Errorf("trigger %q: subject_key is required", trig.Name)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "persona-orchestrator", "config.toml")
}
