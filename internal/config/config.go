// Package config loads the server configuration file. Decoding is
// strict: unknown fields and trailing documents are errors, so typos
// fail at startup instead of silently running with defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

type DataConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

type LLMConfig struct {
	Provider          string  `json:"provider" yaml:"provider"`
	Model             string  `json:"model" yaml:"model"`
	PlanTimeoutMS     int     `json:"plan_timeout_ms,omitempty" yaml:"plan_timeout_ms,omitempty"`
	GenerateTimeoutMS int     `json:"generate_timeout_ms,omitempty" yaml:"generate_timeout_ms,omitempty"`
	AnalyzeTimeoutMS  int     `json:"analyze_timeout_ms,omitempty" yaml:"analyze_timeout_ms,omitempty"`
	ChartTimeoutMS    int     `json:"chart_timeout_ms,omitempty" yaml:"chart_timeout_ms,omitempty"`
	SummaryTimeoutMS  int     `json:"summary_timeout_ms,omitempty" yaml:"summary_timeout_ms,omitempty"`
	RateLimitRPS      float64 `json:"rate_limit_rps,omitempty" yaml:"rate_limit_rps,omitempty"`
}

type SandboxConfig struct {
	Python             string `json:"python,omitempty" yaml:"python,omitempty"`
	Worker             string `json:"worker,omitempty" yaml:"worker,omitempty"`
	ExecTimeoutMS      int    `json:"exec_timeout_ms,omitempty" yaml:"exec_timeout_ms,omitempty"`
	ProvisionTimeoutMS int    `json:"provision_timeout_ms,omitempty" yaml:"provision_timeout_ms,omitempty"`
}

type SessionConfig struct {
	MaxIdleMS               int `json:"max_idle_ms,omitempty" yaml:"max_idle_ms,omitempty"`
	SweepIntervalMS         int `json:"sweep_interval_ms,omitempty" yaml:"sweep_interval_ms,omitempty"`
	MaxConcurrentProvisions int `json:"max_concurrent_provisions,omitempty" yaml:"max_concurrent_provisions,omitempty"`
}

type EngineConfig struct {
	RetryCeiling int `json:"retry_ceiling,omitempty" yaml:"retry_ceiling,omitempty"`
}

type StreamConfig struct {
	SendTimeoutMS int `json:"send_timeout_ms,omitempty" yaml:"send_timeout_ms,omitempty"`
	History       int `json:"history,omitempty" yaml:"history,omitempty"`
}

type Config struct {
	Version int           `json:"version" yaml:"version"`
	Server  ServerConfig  `json:"server,omitempty" yaml:"server,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	Data    DataConfig    `json:"data,omitempty" yaml:"data,omitempty"`
	LLM     LLMConfig     `json:"llm,omitempty" yaml:"llm,omitempty"`
	Sandbox SandboxConfig `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Session SessionConfig `json:"session,omitempty" yaml:"session,omitempty"`
	Engine  EngineConfig  `json:"engine,omitempty" yaml:"engine,omitempty"`
	Stream  StreamConfig  `json:"stream,omitempty" yaml:"stream,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, decodes, defaults, and validates a config file. The
// format follows the extension: .json is JSON, everything else YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Encoding) == "" {
		cfg.Logging.Encoding = "console"
	}
	if strings.TrimSpace(cfg.Data.Dir) == "" {
		cfg.Data.Dir = "./data"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.PlanTimeoutMS == 0 {
		cfg.LLM.PlanTimeoutMS = 45000
	}
	if cfg.LLM.GenerateTimeoutMS == 0 {
		cfg.LLM.GenerateTimeoutMS = 50000
	}
	if cfg.LLM.AnalyzeTimeoutMS == 0 {
		cfg.LLM.AnalyzeTimeoutMS = 30000
	}
	if cfg.LLM.ChartTimeoutMS == 0 {
		cfg.LLM.ChartTimeoutMS = 35000
	}
	if cfg.LLM.SummaryTimeoutMS == 0 {
		cfg.LLM.SummaryTimeoutMS = 30000
	}
	if cfg.Sandbox.ExecTimeoutMS == 0 {
		cfg.Sandbox.ExecTimeoutMS = 30000
	}
	if cfg.Sandbox.ProvisionTimeoutMS == 0 {
		cfg.Sandbox.ProvisionTimeoutMS = 60000
	}
	if cfg.Session.MaxIdleMS == 0 {
		cfg.Session.MaxIdleMS = 1800000 // 30 minutes
	}
	if cfg.Session.SweepIntervalMS == 0 {
		cfg.Session.SweepIntervalMS = 300000 // 5 minutes
	}
	if cfg.Session.MaxConcurrentProvisions == 0 {
		cfg.Session.MaxConcurrentProvisions = 4
	}
	if cfg.Engine.RetryCeiling == 0 {
		cfg.Engine.RetryCeiling = 3
	}
	if cfg.Stream.SendTimeoutMS == 0 {
		cfg.Stream.SendTimeoutMS = 5000
	}
	if cfg.Stream.History == 0 {
		cfg.Stream.History = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	switch cfg.LLM.Provider {
	case "openai", "google", "gemini", "google-ai":
	default:
		return fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.RateLimitRPS < 0 {
		return fmt.Errorf("llm.rate_limit_rps must not be negative")
	}
	if cfg.Engine.RetryCeiling < 0 {
		return fmt.Errorf("engine.retry_ceiling must not be negative")
	}
	for _, d := range []struct {
		name string
		ms   int
	}{
		{"llm.plan_timeout_ms", cfg.LLM.PlanTimeoutMS},
		{"llm.generate_timeout_ms", cfg.LLM.GenerateTimeoutMS},
		{"llm.analyze_timeout_ms", cfg.LLM.AnalyzeTimeoutMS},
		{"llm.chart_timeout_ms", cfg.LLM.ChartTimeoutMS},
		{"llm.summary_timeout_ms", cfg.LLM.SummaryTimeoutMS},
		{"sandbox.exec_timeout_ms", cfg.Sandbox.ExecTimeoutMS},
		{"sandbox.provision_timeout_ms", cfg.Sandbox.ProvisionTimeoutMS},
		{"session.max_idle_ms", cfg.Session.MaxIdleMS},
		{"session.sweep_interval_ms", cfg.Session.SweepIntervalMS},
		{"stream.send_timeout_ms", cfg.Stream.SendTimeoutMS},
	} {
		if d.ms < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if cfg.Session.MaxConcurrentProvisions < 1 {
		return fmt.Errorf("session.max_concurrent_provisions must be at least 1")
	}
	if cfg.Stream.History < 1 {
		return fmt.Errorf("stream.history must be at least 1")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c LLMConfig) PlanTimeout() time.Duration     { return ms(c.PlanTimeoutMS) }
func (c LLMConfig) GenerateTimeout() time.Duration { return ms(c.GenerateTimeoutMS) }
func (c LLMConfig) AnalyzeTimeout() time.Duration  { return ms(c.AnalyzeTimeoutMS) }
func (c LLMConfig) ChartTimeout() time.Duration    { return ms(c.ChartTimeoutMS) }
func (c LLMConfig) SummaryTimeout() time.Duration  { return ms(c.SummaryTimeoutMS) }

func (c SandboxConfig) ExecTimeout() time.Duration      { return ms(c.ExecTimeoutMS) }
func (c SandboxConfig) ProvisionTimeout() time.Duration { return ms(c.ProvisionTimeoutMS) }

func (c SessionConfig) MaxIdle() time.Duration       { return ms(c.MaxIdleMS) }
func (c SessionConfig) SweepInterval() time.Duration { return ms(c.SweepIntervalMS) }

func (c StreamConfig) SendTimeout() time.Duration { return ms(c.SendTimeoutMS) }
