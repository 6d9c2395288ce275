// Package config loads coordinator settings from an optional YAML file,
// a .env file and AGENTCOORD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts"`
	Review      ReviewConfig      `mapstructure:"review"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Address        string  `mapstructure:"address"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type AuthConfig struct {
	HookToken       string        `mapstructure:"hook_token"`
	AgentSigningKey string        `mapstructure:"agent_signing_key"`
	AgentTokenTTL   time.Duration `mapstructure:"agent_token_ttl"`
}

type LeaseConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// TierConfig is one rung of the escalation ladder.
type TierConfig struct {
	Name     string   `mapstructure:"name"`
	Models   []string `mapstructure:"models"`
	Fallback string   `mapstructure:"fallback"`
}

type PipelineConfig struct {
	MaxRetries      int          `mapstructure:"max_retries"`
	EscalateOnRetry bool         `mapstructure:"escalate_on_retry"`
	Tiers           []TierConfig `mapstructure:"tiers"`
}

type RoutingConfig struct {
	DefaultOrder       []string      `mapstructure:"default_order"`
	PremiumModel       string        `mapstructure:"premium_model"`
	DefaultLimitWindow time.Duration `mapstructure:"default_limit_window"`
	ClearInterval      string        `mapstructure:"clear_interval"`
}

type TranscriptsConfig struct {
	Dir         string        `mapstructure:"dir"`
	ArchiveDir  string        `mapstructure:"archive_dir"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type ReviewConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type JobsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DiffTimeout  time.Duration `mapstructure:"diff_timeout"`
	RepoDir      string        `mapstructure:"repo_dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Source is a loaded configuration that can be re-read when its file changes.
type Source struct {
	v *viper.Viper
}

// Open reads .env (if present), the config file (if any) and the
// environment. An empty path searches ./config.yaml and /etc/agentcoord.
func Open(path string) (*Source, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentcoord")
	}

	setDefaults(v)

	v.SetEnvPrefix("AGENTCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return &Source{v: v}, nil
}

// Load is Open followed by Config.
func Load(path string) (*Config, error) {
	src, err := Open(path)
	if err != nil {
		return nil, err
	}
	return src.Config()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("database.url", "host=localhost user=agentcoord dbname=agentcoord sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("auth.hook_token", "")
	v.SetDefault("auth.agent_signing_key", "")
	v.SetDefault("auth.agent_token_ttl", 24*time.Hour)
	v.SetDefault("lease.duration", 15*time.Minute)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.escalate_on_retry", true)
	v.SetDefault("pipeline.tiers", []map[string]interface{}{
		{"name": "fast", "models": []string{"haiku", "gemini"}, "fallback": "standard"},
		{"name": "standard", "models": []string{"sonnet", "codex"}, "fallback": "premium"},
		{"name": "premium", "models": []string{"opus"}},
	})
	v.SetDefault("routing.default_order", []string{"sonnet", "codex", "gemini", "haiku", "opus"})
	v.SetDefault("routing.premium_model", "opus")
	v.SetDefault("routing.default_limit_window", time.Hour)
	v.SetDefault("routing.clear_interval", "@every 1m")
	v.SetDefault("transcripts.dir", "")
	v.SetDefault("transcripts.archive_dir", "./data/transcripts")
	v.SetDefault("transcripts.read_timeout", 2*time.Second)
	v.SetDefault("review.url", "")
	v.SetDefault("review.timeout", 5*time.Second)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.diff_timeout", 30*time.Second)
	v.SetDefault("jobs.repo_dir", ".")
	v.SetDefault("log.level", "info")
}

// Config decodes and validates the current settings.
func (s *Source) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file in use, or "" when running on defaults.
func (s *Source) File() string {
	return s.v.ConfigFileUsed()
}

// Watch calls onChange with the re-read config every time the file
// changes. Invalid edits are reported through onError and ignored.
func (s *Source) Watch(onChange func(*Config), onError func(error)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := s.Config()
		if err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		onChange(cfg)
	})
	s.v.WatchConfig()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Lease.Duration <= 0 {
		return fmt.Errorf("lease.duration must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative")
	}
	names := make(map[string]bool, len(c.Pipeline.Tiers))
	for _, t := range c.Pipeline.Tiers {
		if t.Name == "" {
			return fmt.Errorf("pipeline tier without name")
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate pipeline tier %q", t.Name)
		}
		names[t.Name] = true
	}
	for _, t := range c.Pipeline.Tiers {
		if t.Fallback != "" && !names[t.Fallback] {
			return fmt.Errorf("pipeline tier %q falls back to unknown tier %q", t.Name, t.Fallback)
		}
	}
	return nil
}
