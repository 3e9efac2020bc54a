package main

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/storywatch/classify"
	"github.com/hazyhaar/storywatch/scan"
	"github.com/hazyhaar/storywatch/traverse"
)

// Config is the top-level storywatch configuration.
type Config struct {
	// DataDir holds captures, the settings database, and the session file
	// when their paths are not set explicitly. Default: ~/.storywatch.
	DataDir     string `yaml:"data_dir"`
	SettingsDB  string `yaml:"settings_db"`
	SessionFile string `yaml:"session_file"`

	// Listen is the review API address. Default: "127.0.0.1:8470".
	Listen string `yaml:"listen"`

	Feed       FeedConfig       `yaml:"feed"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Schedule   ScheduleConfig   `yaml:"schedule"`

	// AuditRetentionDays prunes old audit rows on startup. 0 keeps all.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// FeedConfig controls the story surface and its browser.
type FeedConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ContentWidth float64       `yaml:"content_width"`
	NavTimeout   time.Duration `yaml:"nav_timeout"`
	Dwell        time.Duration `yaml:"dwell"`

	BrowserRemote  string `yaml:"browser_remote"`
	BrowserProfile string `yaml:"browser_profile"`
	Headless       *bool  `yaml:"headless"`
}

// ClassifierConfig controls the vision model call. The API key lives in
// the settings store, not here, so the review UI can change it at runtime.
type ClassifierConfig struct {
	Model             string        `yaml:"model"`
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxWidth          int           `yaml:"max_width"`
	JPEGQuality       int           `yaml:"jpeg_quality"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// ScheduleConfig controls periodic scanning.
type ScheduleConfig struct {
	Interval      time.Duration `yaml:"interval"`
	MinGap        time.Duration `yaml:"min_gap"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
}

// LoadConfigFile reads a YAML configuration file. An empty path yields the
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".storywatch")
	}
	if c.SettingsDB == "" {
		c.SettingsDB = filepath.Join(c.DataDir, "settings.db")
	}
	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataDir, "session.json")
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8470"
	}
}

func (c *Config) feedConfig() traverse.FeedConfig {
	return traverse.FeedConfig{
		BaseURL:      c.Feed.BaseURL,
		SessionFile:  c.SessionFile,
		ContentWidth: c.Feed.ContentWidth,
		NavTimeout:   c.Feed.NavTimeout,
		Browser: traverse.BrowserConfig{
			RemoteURL:   c.Feed.BrowserRemote,
			UserDataDir: c.Feed.BrowserProfile,
			Headless:    c.Feed.Headless,
		},
	}
}

func (c *Config) classifierConfig(apiKey string) classify.Config {
	return classify.Config{
		APIKey:            apiKey,
		Model:             c.Classifier.Model,
		Endpoint:          c.Classifier.Endpoint,
		Timeout:           c.Classifier.Timeout,
		MaxWidth:          c.Classifier.MaxWidth,
		JPEGQuality:       c.Classifier.JPEGQuality,
		RequestsPerMinute: c.Classifier.RequestsPerMinute,
	}
}

func (c *Config) schedulerConfig() scan.SchedulerConfig {
	return scan.SchedulerConfig{
		Interval:      c.Schedule.Interval,
		MinGap:        c.Schedule.MinGap,
		IdleThreshold: c.Schedule.IdleThreshold,
	}
}
