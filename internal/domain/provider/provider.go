// Package provider describes inference backends and the fallback chains that order them.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind selects the adapter that talks to a backend.
type Kind string

const (
	KindLiteLLM Kind = "litellm" // OpenAI-compatible chat completions (cloud account or LiteLLM proxy)
	KindOllama  Kind = "ollama"  // local Ollama service
	KindNATS    Kind = "nats"    // expert worker reached via NATS request/reply
)

// Default per-provider values.
const (
	DefaultCooldown     = 30 * time.Second
	DefaultBaseTimeout  = 20 * time.Second
	DefaultPriorityTier = 2
)

// Config is the static description of one backend. Immutable after load.
type Config struct {
	ID           string        `yaml:"id" json:"id"`
	Kind         Kind          `yaml:"kind" json:"kind"`
	URL          string        `yaml:"url" json:"url,omitempty"`
	Model        string        `yaml:"model" json:"model,omitempty"`
	APIKey       string        `yaml:"api_key" json:"-"`
	Subject      string        `yaml:"subject" json:"subject,omitempty"`
	MaxRPM       int           `yaml:"max_rpm" json:"max_rpm"`
	BaseTimeout  time.Duration `yaml:"base_timeout" json:"base_timeout"`
	PriorityTier int           `yaml:"priority_tier" json:"priority_tier"` // 1 is the most preferred; 0 means DefaultPriorityTier
	Cooldown     time.Duration `yaml:"cooldown" json:"cooldown"`
	// CooldownSeconds is the integer form of Cooldown. Cooldown wins when both are set.
	CooldownSeconds int `yaml:"cooldown_seconds" json:"-"`
	LowLatency   bool          `yaml:"low_latency" json:"low_latency"`
	SystemPrompt string        `yaml:"system_prompt" json:"-"` // empty = built-in decision prompt
}

// WithDefaults returns a copy of c with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = DefaultBaseTimeout
	}
	if c.Cooldown <= 0 && c.CooldownSeconds > 0 {
		c.Cooldown = time.Duration(c.CooldownSeconds) * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.PriorityTier == 0 {
		c.PriorityTier = DefaultPriorityTier
	}
	if c.Kind == "" {
		c.Kind = KindLiteLLM
	}
	return c
}

// Validate checks the invariants of a single provider config.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("provider id is required")
	}
	if c.MaxRPM < 1 {
		return fmt.Errorf("provider %s: max_rpm must be >= 1", c.ID)
	}
	if c.PriorityTier < 1 {
		return fmt.Errorf("provider %s: priority_tier must be >= 1", c.ID)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("provider %s: cooldown_seconds must be >= 0", c.ID)
	}
	switch c.Kind {
	case KindLiteLLM, KindOllama:
		if c.URL == "" {
			return fmt.Errorf("provider %s: url is required for kind %s", c.ID, c.Kind)
		}
	case KindNATS:
		if c.Subject == "" {
			return fmt.Errorf("provider %s: subject is required for kind nats", c.ID)
		}
	default:
		return fmt.Errorf("provider %s: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}

// Tiers maps provider IDs to their priority tier.
func Tiers(cfgs []Config) map[string]int {
	out := make(map[string]int, len(cfgs))
	for i := range cfgs {
		out[cfgs[i].ID] = cfgs[i].PriorityTier
	}
	return out
}
