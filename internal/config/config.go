// Package config handles application configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	// Persistence.
	DatabasePath string `yaml:"database_path"`
	ArchiveDir   string `yaml:"archive_dir"`

	// Message source.
	SlackToken   string   `yaml:"slack_token"`
	SlackBaseURL string   `yaml:"slack_base_url"`
	Channels     []string `yaml:"channels"`

	// Summarizer.
	OpenAIKey        string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIModel      string `yaml:"openai_model"`
	SummaryMaxLength int    `yaml:"summary_max_length"`
	ContentMaxChars  int    `yaml:"content_max_chars"`

	// Window resolution.
	Timezone        string        `yaml:"timezone"`
	MentionLookback time.Duration `yaml:"mention_lookback"`
	MaxWindowSpan   time.Duration `yaml:"max_window_span"`

	// Extraction.
	TrackingParams []string `yaml:"tracking_params"`
	SkipDomains    []string `yaml:"skip_domains"`

	// Processing.
	MaxRetries     int           `yaml:"max_retries"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxLinksPerRun int           `yaml:"max_links_per_run"`
	RunBudget      time.Duration `yaml:"run_budget"`
	UserAgent      string        `yaml:"user_agent"`

	// Committer lease.
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	StaleLeaseAge time.Duration `yaml:"stale_lease_age"`

	// Daemon.
	DailyAt      string        `yaml:"daily_at"`
	PollInterval time.Duration `yaml:"poll_interval"`

	LogLevel string `yaml:"log_level"`
}

// Default tracking query parameters stripped during URL normalization.
var defaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "fbclid", "igshid", "mc_cid", "mc_eid", "ref", "ref_src",
}

// Default domains whose links carry no summarizable content.
var defaultSkipDomains = []string{
	"slack.com", "tenor.com", "giphy.com", "t.co",
}

func defaults() *Config {
	return &Config{
		DatabasePath:     "./data/ledger.db",
		ArchiveDir:       "./data/daily",
		SlackBaseURL:     "https://slack.com/api",
		OpenAIBaseURL:    "https://api.openai.com/v1",
		OpenAIModel:      "gpt-4o-mini",
		SummaryMaxLength: 500,
		ContentMaxChars:  12000,
		Timezone:         "UTC",
		MentionLookback:  48 * time.Hour,
		MaxWindowSpan:    31 * 24 * time.Hour,
		TrackingParams:   defaultTrackingParams,
		SkipDomains:      defaultSkipDomains,
		MaxRetries:       3,
		FetchTimeout:     20 * time.Second,
		MaxLinksPerRun:   50,
		RunBudget:        20 * time.Minute,
		UserAgent:        "LinkHarvester/1.0",
		LockTimeout:      30 * time.Second,
		StaleLeaseAge:    10 * time.Minute,
		DailyAt:          "09:00",
		PollInterval:     5 * time.Minute,
		LogLevel:         "info",
	}
}

// Load reads configuration from the YAML file at path (skipped if path is
// empty or the file does not exist), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.SlackToken, "SLACK_BOT_TOKEN")
	setString(&c.SlackBaseURL, "SLACK_BASE_URL")
	setString(&c.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAIModel, "OPENAI_MODEL")
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.ArchiveDir, "ARCHIVE_DIR")
	setString(&c.Timezone, "TIMEZONE")
	setString(&c.UserAgent, "USER_AGENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DailyAt, "DAILY_AT")

	if raw := os.Getenv("SLACK_CHANNELS"); raw != "" {
		c.Channels = splitList(raw)
	}
	if raw := os.Getenv("SKIP_DOMAINS"); raw != "" {
		c.SkipDomains = splitList(raw)
	}
	if raw := os.Getenv("TRACKING_PARAMS"); raw != "" {
		c.TrackingParams = splitList(raw)
	}

	for _, v := range []struct {
		dst *int
		key string
	}{
		{&c.MaxRetries, "MAX_RETRIES"},
		{&c.MaxLinksPerRun, "MAX_LINKS_PER_RUN"},
		{&c.SummaryMaxLength, "SUMMARY_MAX_LENGTH"},
		{&c.ContentMaxChars, "CONTENT_MAX_CHARS"},
	} {
		if err := setInt(v.dst, v.key); err != nil {
			return err
		}
	}

	for _, v := range []struct {
		dst *time.Duration
		key string
	}{
		{&c.FetchTimeout, "FETCH_TIMEOUT"},
		{&c.RunBudget, "RUN_BUDGET"},
		{&c.LockTimeout, "LOCK_TIMEOUT"},
		{&c.StaleLeaseAge, "STALE_LEASE_AGE"},
		{&c.MentionLookback, "MENTION_LOOKBACK"},
		{&c.MaxWindowSpan, "MAX_WINDOW_SPAN"},
		{&c.PollInterval, "POLL_INTERVAL"},
	} {
		if err := setDuration(v.dst, v.key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.StaleLeaseAge <= 0 {
		return fmt.Errorf("stale_lease_age must be positive, got %s", c.StaleLeaseAge)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the deployment's reference time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
