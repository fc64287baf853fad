// Package config loads and validates the capture-to-plan pipeline's
// configuration from a YAML file plus environment overrides.
package config

import (
	"fmt"
	"time"
)

// LLMProvider selects the remote endpoint LLMClient talks to.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderNone      LLMProvider = "none"
)

// LLMConfig configures the LLM client.
type LLMConfig struct {
	Provider       LLMProvider
	APIKey         string
	BaseURL        string
	Model          string
	Deadline       time.Duration
	MaxConcurrency int
}

// SplitConfig configures the split proxy.
type SplitConfig struct {
	TargetMinutes   int
	ForceSplitScope string // MULTI or PROJECT
}

// RuntimeConfig configures the step runtime.
type RuntimeConfig struct {
	HandlerQueue    int
	DefaultDeadline time.Duration
}

// DatabaseConfig configures the pgx connection pool.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// HTTPConfig configures the gin server's listen address.
type HTTPConfig struct {
	Addr string
}

// Config is the fully resolved, validated configuration for the running
// process.
type Config struct {
	LLM      LLMConfig
	Split    SplitConfig
	Runtime  RuntimeConfig
	Database DatabaseConfig
	HTTP     HTTPConfig
}

// defaultConfig is the built-in value for every option the YAML may
// leave unset.
func defaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:       ProviderNone,
			Deadline:       2000 * time.Millisecond,
			MaxConcurrency: 16,
		},
		Split: SplitConfig{
			TargetMinutes:   4,
			ForceSplitScope: "MULTI",
		},
		Runtime: RuntimeConfig{
			HandlerQueue:    64,
			DefaultDeadline: 5000 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "microtask",
			Database:        "microtask",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Validate enforces the cross-field rules. An LLM provider other than
// "none" requires an api_key, and a missing api_key degrades the provider
// to "none" rather than failing, so Validate only rejects truly
// inconsistent states.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderNone:
	default:
		return NewValidationError("llm.provider", fmt.Errorf("must be one of openai, anthropic, none, got %q", c.LLM.Provider))
	}
	if c.LLM.Provider != ProviderNone && c.LLM.APIKey == "" {
		c.LLM.Provider = ProviderNone
	}
	if c.LLM.Deadline <= 0 {
		return NewValidationError("llm.deadline_ms", fmt.Errorf("must be > 0"))
	}
	if c.LLM.MaxConcurrency < 1 {
		return NewValidationError("llm.max_concurrency", fmt.Errorf("must be >= 1"))
	}
	if c.Split.TargetMinutes < 2 || c.Split.TargetMinutes > 5 {
		return NewValidationError("split.target_minutes", fmt.Errorf("must be in [2,5]"))
	}
	switch c.Split.ForceSplitScope {
	case "MULTI", "PROJECT":
	default:
		return NewValidationError("split.force_split_scope", fmt.Errorf("must be MULTI or PROJECT, got %q", c.Split.ForceSplitScope))
	}
	if c.Runtime.HandlerQueue < 1 {
		return NewValidationError("runtime.handler_queue", fmt.Errorf("must be >= 1"))
	}
	if c.Runtime.DefaultDeadline <= 0 {
		return NewValidationError("runtime.default_deadline_ms", fmt.Errorf("must be > 0"))
	}
	if c.Database.Host == "" {
		return NewValidationError("database.host", fmt.Errorf("must not be empty"))
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return NewValidationError("database.max_idle_conns", fmt.Errorf("cannot exceed max_open_conns (%d)", c.Database.MaxOpenConns))
	}
	if c.Database.MaxOpenConns < 1 {
		return NewValidationError("database.max_open_conns", fmt.Errorf("must be >= 1"))
	}
	return nil
}
