package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"couchwarm/internal/scheduler"
)

// UnboundedActiveTasks disables the active task ceiling.
const UnboundedActiveTasks = -1

type Config struct {
	CouchDB CouchDBConfig `yaml:"couchdb"`
	Indexer IndexerConfig `yaml:"indexer"`
	History HistoryConfig `yaml:"history"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

type CouchDBConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"` // 0 = no timeout
}

type IndexerConfig struct {
	MaxActiveTasks int           `yaml:"max_active_tasks"` // -1 = unbounded
	Filter         string        `yaml:"filter"`           // regexp on design doc names; "" matches all
	PollInterval   time.Duration `yaml:"poll_interval"`
	ConfirmActive  bool          `yaml:"confirm_active"`
	Schedule       string        `yaml:"schedule"` // cron expression; "" runs once
}

type HistoryConfig struct {
	Path string `yaml:"path"` // SQLite file; "" disables history
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // "" disables the status server
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

func Default() *Config {
	return &Config{
		Indexer: IndexerConfig{
			MaxActiveTasks: UnboundedActiveTasks,
			PollInterval:   500 * time.Millisecond,
			ConfirmActive:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads defaults, then the YAML file at path (if any), then COUCHWARM_*
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// Validate checks the settings a warm run depends on.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(c.CouchDB.URL) == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Indexer.MaxActiveTasks == 0 {
		return fmt.Errorf("max_active_tasks must be positive or unbounded; 0 would never query a view")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if _, err := c.FilterRegexp(); err != nil {
		return err
	}
	if c.Indexer.Schedule != "" {
		if err := scheduler.ValidateCronExpression(c.Indexer.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Indexer.Schedule, err)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// FilterRegexp compiles the design document filter. An empty filter matches
// every design document.
func (c *Config) FilterRegexp() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.Indexer.Filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", c.Indexer.Filter, err)
	}
	return re, nil
}

// ParseMaxActiveTasks resolves a ceiling given as text. Anything that is not
// a non-negative integer means unbounded.
func ParseMaxActiveTasks(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return UnboundedActiveTasks
	}
	return n
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COUCHWARM_URL"); v != "" {
		cfg.CouchDB.URL = v
	}
	if v := os.Getenv("COUCHWARM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.CouchDB.Timeout = d
		}
	}
	if v := os.Getenv("COUCHWARM_MAX_ACTIVE_TASKS"); v != "" {
		cfg.Indexer.MaxActiveTasks = ParseMaxActiveTasks(v)
	}
	if v, ok := os.LookupEnv("COUCHWARM_FILTER"); ok {
		cfg.Indexer.Filter = v
	}
	if v := os.Getenv("COUCHWARM_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Indexer.PollInterval = d
		}
	}
	if v := os.Getenv("COUCHWARM_CONFIRM_ACTIVE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Indexer.ConfirmActive = enabled
		}
	}
	if v, ok := os.LookupEnv("COUCHWARM_SCHEDULE"); ok {
		cfg.Indexer.Schedule = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("COUCHWARM_HISTORY"); ok {
		cfg.History.Path = v
	}
	if v, ok := os.LookupEnv("COUCHWARM_LISTEN"); ok {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("COUCHWARM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COUCHWARM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
