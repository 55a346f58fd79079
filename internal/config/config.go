// Package config loads and validates the repolens TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	LLM      LLM      `toml:"llm"`
	GitHub   GitHub   `toml:"github"`
	API      API      `toml:"api"`
	Dispatch Dispatch `toml:"dispatch"`
	Pipeline Pipeline `toml:"pipeline"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
}

type LLM struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"` // falls back to REPOLENS_LLM_API_KEY, then OPENAI_API_KEY
	Model   string   `toml:"model"`
	Timeout Duration `toml:"timeout"`
}

type GitHub struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"` // falls back to GITHUB_TOKEN
	Timeout Duration `toml:"timeout"`
}

type API struct {
	Bind string `toml:"bind"`
}

type Dispatch struct {
	Interval    Duration `toml:"interval"`     // poll interval, default 5s
	Lease       Duration `toml:"lease"`        // claim lease, default 10m
	BatchSize   int      `toml:"batch_size"`   // jobs claimed per tick, default 2
	Concurrency int      `toml:"concurrency"`  // jobs running at once, default 2
	MaxAttempts int      `toml:"max_attempts"` // retry budget per job, default 3
}

type Pipeline struct {
	WorkerConcurrency int `toml:"worker_concurrency"` // parallel audit workers, default 3
	MaxIterations     int `toml:"max_iterations"`     // reasoning loop cap, default 50
}

// Load reads and validates a repolens TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration usable without a config file: everything
// defaulted, secrets from the environment.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "~/.repolens/repolens.db"
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("REPOLENS_LLM_API_KEY")
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Timeout.Duration == 0 {
		cfg.LLM.Timeout.Duration = 120 * time.Second
	}

	if cfg.GitHub.Token == "" {
		cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
	if cfg.GitHub.Timeout.Duration == 0 {
		cfg.GitHub.Timeout.Duration = 30 * time.Second
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8799"
	}

	if cfg.Dispatch.Interval.Duration == 0 {
		cfg.Dispatch.Interval.Duration = 5 * time.Second
	}
	if cfg.Dispatch.Lease.Duration == 0 {
		cfg.Dispatch.Lease.Duration = 10 * time.Minute
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = 2
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 2
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 3
	}

	if cfg.Pipeline.WorkerConcurrency == 0 {
		cfg.Pipeline.WorkerConcurrency = 3
	}
	if cfg.Pipeline.MaxIterations == 0 {
		cfg.Pipeline.MaxIterations = 50
	}
}

func validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	if cfg.Dispatch.Lease.Duration < time.Minute {
		return fmt.Errorf("dispatch lease %s is too short; leases under a minute thrash recovery", cfg.Dispatch.Lease)
	}
	if cfg.Dispatch.MaxAttempts < 1 || cfg.Dispatch.MaxAttempts > 10 {
		return fmt.Errorf("dispatch max_attempts %d out of range [1, 10]", cfg.Dispatch.MaxAttempts)
	}

	if cfg.General.StateDB != "" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err == nil && !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
