package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration from
// configDir/config.yaml: load, expand env references, parse, merge over
// built-in defaults, validate. A missing file is not an error: an all-defaults Config is returned so the process
// can run heuristic-only with zero configuration, per llm.api_key's
// "absent → degrade to none" rule.
func Initialize(configDir string) (*Config, error) {
	cfg := defaultConfig()

	fc, err := loadFile(configDir, "config.yaml")
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, NewLoadError("config.yaml", err)
	}

	applyFile(cfg, fc)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(configDir, filename string) (*fileConfig, error) {
	path := filepath.Join(configDir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = ExpandEnv(data)

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &fc, nil
}

// applyFile overlays non-zero YAML values onto the built-in defaults.
// The config surface is small enough that per-field zero-value checks
// stay clearer than a reflection-based merge.
func applyFile(cfg *Config, fc *fileConfig) {
	if fc.LLM != nil {
		l := fc.LLM
		if l.Provider != "" {
			cfg.LLM.Provider = LLMProvider(l.Provider)
		}
		if l.APIKey != "" {
			cfg.LLM.APIKey = l.APIKey
		}
		if l.BaseURL != "" {
			cfg.LLM.BaseURL = l.BaseURL
		}
		if l.Model != "" {
			cfg.LLM.Model = l.Model
		}
		if l.DeadlineMs > 0 {
			cfg.LLM.Deadline = time.Duration(l.DeadlineMs) * time.Millisecond
		}
		if l.MaxConcurrency > 0 {
			cfg.LLM.MaxConcurrency = l.MaxConcurrency
		}
	}
	if fc.Split != nil {
		s := fc.Split
		if s.TargetMinutes > 0 {
			cfg.Split.TargetMinutes = s.TargetMinutes
		}
		if s.ForceSplitScope != "" {
			cfg.Split.ForceSplitScope = s.ForceSplitScope
		}
	}
	if fc.Runtime != nil {
		r := fc.Runtime
		if r.HandlerQueue > 0 {
			cfg.Runtime.HandlerQueue = r.HandlerQueue
		}
		if r.DefaultDeadlineMs > 0 {
			cfg.Runtime.DefaultDeadline = time.Duration(r.DefaultDeadlineMs) * time.Millisecond
		}
	}
	if fc.Database != nil {
		d := fc.Database
		if d.Host != "" {
			cfg.Database.Host = d.Host
		}
		if d.Port > 0 {
			cfg.Database.Port = d.Port
		}
		if d.User != "" {
			cfg.Database.User = d.User
		}
		if d.Password != "" {
			cfg.Database.Password = d.Password
		}
		if d.Database != "" {
			cfg.Database.Database = d.Database
		}
		if d.SSLMode != "" {
			cfg.Database.SSLMode = d.SSLMode
		}
		if d.MaxOpenConns > 0 {
			cfg.Database.MaxOpenConns = d.MaxOpenConns
		}
		if d.MaxIdleConns > 0 {
			cfg.Database.MaxIdleConns = d.MaxIdleConns
		}
		if d.ConnMaxLifetime != "" {
			if dur, err := time.ParseDuration(d.ConnMaxLifetime); err == nil {
				cfg.Database.ConnMaxLifetime = dur
			}
		}
	}
	if fc.HTTP != nil && fc.HTTP.Addr != "" {
		cfg.HTTP.Addr = fc.HTTP.Addr
	}
}

// applyEnvOverrides lets deployment secrets (LLM_API_KEY, DB_PASSWORD)
// win over YAML even after ${VAR} expansion has run.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
}
