package entities

import (
	"fmt"
	"time"
)

// ProviderKind identifies an AI backend family.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderDeepSeek  ProviderKind = "deepseek"
	ProviderGoogle    ProviderKind = "google"
	ProviderOllama    ProviderKind = "ollama"
	ProviderLMStudio  ProviderKind = "lmstudio"
	ProviderGroq      ProviderKind = "groq"
	ProviderGeneric   ProviderKind = "generic"
)

// KnownProviderKinds lists every supported backend family.
var KnownProviderKinds = []ProviderKind{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderDeepSeek,
	ProviderGoogle,
	ProviderOllama,
	ProviderLMStudio,
	ProviderGroq,
	ProviderGeneric,
}

// IsKnown reports whether the kind belongs to the supported set.
func (k ProviderKind) IsKnown() bool {
	for _, known := range KnownProviderKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsLocal reports whether the kind runs against a locally hosted endpoint
// and therefore requires an endpoint instead of a credential.
func (k ProviderKind) IsLocal() bool {
	return k == ProviderOllama || k == ProviderLMStudio
}

// ProviderMetrics accumulates per-provider usage counters.
type ProviderMetrics struct {
	Calls     int64      `json:"calls" db:"total_calls"`
	Tokens    int64      `json:"tokens" db:"total_tokens"`
	LastOK    *time.Time `json:"last_ok,omitempty" db:"last_ok"`
	LastError string     `json:"last_error,omitempty" db:"last_error"`
}

// Provider is a configured AI inference backend. Credentials may be blank in
// storage; resolution falls back to the environment overlay at call time.
type Provider struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	Kind         ProviderKind      `json:"kind" db:"kind"`
	Endpoint     string            `json:"endpoint,omitempty" db:"endpoint"`
	APIKey       string            `json:"api_key,omitempty" db:"api_key"`
	Model        string            `json:"model" db:"model"`
	Temperature  float64           `json:"temperature" db:"temperature"`
	MaxTokens    int               `json:"max_tokens" db:"max_tokens"`
	TimeoutSec   int               `json:"timeout_sec" db:"timeout_sec"`
	ExtraParams  map[string]any    `json:"extra_params,omitempty" db:"-"`
	SystemPrompt string            `json:"system_prompt,omitempty" db:"system_prompt"`
	Active       bool              `json:"active" db:"active"`
	Metrics      ProviderMetrics   `json:"metrics"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Timeout returns the per-call timeout, defaulting to 60s.
func (p *Provider) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// Validate checks structural invariants that hold regardless of the
// environment overlay. Credential presence is checked at resolution time.
func (p *Provider) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !p.Kind.IsKnown() {
		return fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %q: model is required", p.Name)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("provider %q: temperature %v out of range", p.Name, p.Temperature)
	}
	return nil
}

// MetricsDelta is an atomic update applied to provider counters after a call.
type MetricsDelta struct {
	Calls     int64
	Tokens    int64
	Succeeded bool
	Error     string
}
