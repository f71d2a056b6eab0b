package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// StateDir is the per-workspace directory holding the database, config and
// run artifacts.
const StateDir = ".research"

type Config struct {
	Server       ServerConfig       `toml:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Retry        RetryConfig        `toml:"retry"`
	LLM          LLMConfig          `toml:"llm"`
	Search       SearchConfig       `toml:"search"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`
	Hooks        HooksConfig        `toml:"hooks"`
	Debug        bool               `toml:"debug"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Revision limit policies.
const (
	OnRevisionLimitFail     = "fail"
	OnRevisionLimitComplete = "complete"
)

type OrchestratorConfig struct {
	Workers         int     `toml:"workers"`
	MaxRevisions    int     `toml:"max_revisions"`
	MinQualityScore float64 `toml:"min_quality_score"`
	OnRevisionLimit string  `toml:"on_revision_limit"`
	TaskTimeoutS    int     `toml:"task_timeout_s"`
}

func (o OrchestratorConfig) TaskTimeout() time.Duration {
	return time.Duration(o.TaskTimeoutS) * time.Second
}

type RetryConfig struct {
	Attempts         int `toml:"attempts"`
	InitialBackoffMS int `toml:"initial_backoff_ms"`
	MaxBackoffMS     int `toml:"max_backoff_ms"`
	CallTimeoutS     int `toml:"call_timeout_s"`
}

type LLMConfig struct {
	BaseURL     string  `toml:"base_url"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	Temperature float32 `toml:"temperature"`
}

type SearchConfig struct {
	Endpoint    string `toml:"endpoint"`
	UserAgent   string `toml:"user_agent"`
	MaxResults  int    `toml:"max_results"`
	MaxQueries  int    `toml:"max_queries"`
	Concurrency int    `toml:"concurrency"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// HooksConfig configures the command run when a task reaches a terminal state.
type HooksConfig struct {
	Enabled    bool     `toml:"enabled"`
	OnTerminal []string `toml:"on_terminal"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8765},
		Orchestrator: OrchestratorConfig{
			Workers:         4,
			MaxRevisions:    3,
			MinQualityScore: 6.5,
			OnRevisionLimit: OnRevisionLimitFail,
			TaskTimeoutS:    900,
		},
		Retry: RetryConfig{Attempts: 3, InitialBackoffMS: 500, MaxBackoffMS: 8000, CallTimeoutS: 120},
		LLM: LLMConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.2,
		},
		Search: SearchConfig{
			Endpoint:    "https://en.wikipedia.org/w/api.php",
			UserAgent:   "deepresearch/0.1 (https://github.com/throw-if-null/deepresearch)",
			MaxResults:  3,
			MaxQueries:  5,
			Concurrency: 3,
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "http://127.0.0.1:4318"},
		Hooks:     HooksConfig{Enabled: false},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

// Validate reports settings the orchestrator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Orchestrator.Workers <= 0:
		return fmt.Errorf("%w: orchestrator.workers must be positive", ErrInvalid)
	case c.Orchestrator.MaxRevisions < 0:
		return fmt.Errorf("%w: orchestrator.max_revisions must not be negative", ErrInvalid)
	case c.Orchestrator.MinQualityScore < 0 || c.Orchestrator.MinQualityScore > 10:
		return fmt.Errorf("%w: orchestrator.min_quality_score must be between 0 and 10", ErrInvalid)
	case c.Orchestrator.OnRevisionLimit != OnRevisionLimitFail && c.Orchestrator.OnRevisionLimit != OnRevisionLimitComplete:
		return fmt.Errorf("%w: orchestrator.on_revision_limit must be %q or %q", ErrInvalid, OnRevisionLimitFail, OnRevisionLimitComplete)
	case c.Retry.Attempts <= 0:
		return fmt.Errorf("%w: retry.attempts must be positive", ErrInvalid)
	case c.Hooks.Enabled && len(c.Hooks.OnTerminal) == 0:
		return fmt.Errorf("%w: hooks.on_terminal is required when hooks are enabled", ErrInvalid)
	}
	return nil
}

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Path returns the config file location under root.
func Path(root string) string {
	return filepath.Join(root, StateDir, "config.toml")
}

func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := Path(root)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	return res
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Orchestrator
	if cfg.Orchestrator.Workers != 0 {
		def.Orchestrator.Workers = cfg.Orchestrator.Workers
	}
	if cfg.Orchestrator.MaxRevisions != 0 {
		def.Orchestrator.MaxRevisions = cfg.Orchestrator.MaxRevisions
	}
	if cfg.Orchestrator.MinQualityScore != 0 {
		def.Orchestrator.MinQualityScore = cfg.Orchestrator.MinQualityScore
	}
	if cfg.Orchestrator.OnRevisionLimit != "" {
		def.Orchestrator.OnRevisionLimit = cfg.Orchestrator.OnRevisionLimit
	}
	if cfg.Orchestrator.TaskTimeoutS != 0 {
		def.Orchestrator.TaskTimeoutS = cfg.Orchestrator.TaskTimeoutS
	}
	// Retry
	if cfg.Retry.Attempts != 0 {
		def.Retry.Attempts = cfg.Retry.Attempts
	}
	if cfg.Retry.InitialBackoffMS != 0 {
		def.Retry.InitialBackoffMS = cfg.Retry.InitialBackoffMS
	}
	if cfg.Retry.MaxBackoffMS != 0 {
		def.Retry.MaxBackoffMS = cfg.Retry.MaxBackoffMS
	}
	if cfg.Retry.CallTimeoutS != 0 {
		def.Retry.CallTimeoutS = cfg.Retry.CallTimeoutS
	}
	// LLM
	if cfg.LLM.BaseURL != "" {
		def.LLM.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.Model != "" {
		def.LLM.Model = cfg.LLM.Model
	}
	if cfg.LLM.APIKey != "" {
		def.LLM.APIKey = cfg.LLM.APIKey
	}
	if cfg.LLM.Temperature != 0 {
		def.LLM.Temperature = cfg.LLM.Temperature
	}
	// Search
	if cfg.Search.Endpoint != "" {
		def.Search.Endpoint = cfg.Search.Endpoint
	}
	if cfg.Search.UserAgent != "" {
		def.Search.UserAgent = cfg.Search.UserAgent
	}
	if cfg.Search.MaxResults != 0 {
		def.Search.MaxResults = cfg.Search.MaxResults
	}
	if cfg.Search.MaxQueries != 0 {
		def.Search.MaxQueries = cfg.Search.MaxQueries
	}
	if cfg.Search.Concurrency != 0 {
		def.Search.Concurrency = cfg.Search.Concurrency
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	// Hooks
	def.Hooks.Enabled = cfg.Hooks.Enabled
	if len(cfg.Hooks.OnTerminal) != 0 {
		def.Hooks.OnTerminal = cfg.Hooks.OnTerminal
	}
	def.Debug = cfg.Debug
	return def
}
