package entities

import (
	"fmt"
	"time"
)

// SegmentMode determines how a segment produces its payload.
type SegmentMode string

const (
	// SegmentStatic renders a literal payload with variable substitution.
	SegmentStatic SegmentMode = "static"
	// SegmentDynamic delegates the whole payload to an AI provider.
	SegmentDynamic SegmentMode = "dynamic"
	// SegmentHybrid renders a literal scaffold and fills named slots with
	// provider results.
	SegmentHybrid SegmentMode = "hybrid"
)

// OutputContract constrains the shape of a segment's payload.
type OutputContract string

const (
	ContractJSON     OutputContract = "json"
	ContractMarkdown OutputContract = "markdown"
	ContractHTML     OutputContract = "html"
	ContractText     OutputContract = "text"
)

// SegmentLimits bounds resolver behavior for one segment.
type SegmentLimits struct {
	MaxLength  int `json:"max_length,omitempty"`
	TimeoutSec int `json:"timeout_sec,omitempty"`
	Retries    int `json:"retries"`
}

// Timeout returns the per-segment hard cap, defaulting to 60s.
func (l SegmentLimits) Timeout() time.Duration {
	if l.TimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(l.TimeoutSec) * time.Second
}

// SegmentMetrics accumulates per-segment usage counters. AvgMillis is an
// exponential moving average over successful resolutions.
type SegmentMetrics struct {
	Uses      int64   `json:"uses" db:"total_uses"`
	Errors    int64   `json:"errors" db:"total_errors"`
	AvgMillis float64 `json:"avg_ms" db:"avg_ms"`
}

// ReusePolicy marks how a segment participates in templates.
type ReusePolicy struct {
	Reusable  bool `json:"reusable"`
	Mandatory bool `json:"mandatory"`
}

// Segment is a reusable building block of acta templates.
type Segment struct {
	ID              string            `json:"id" db:"id"`
	Code            string            `json:"code" db:"code"`
	Name            string            `json:"name" db:"name"`
	Category        string            `json:"category" db:"category"`
	Mode            SegmentMode       `json:"mode" db:"mode"`
	LiteralPayload  string            `json:"literal_payload,omitempty" db:"literal_payload"`
	Prompt          string            `json:"prompt,omitempty" db:"prompt"`
	SystemPrompt    string            `json:"system_prompt,omitempty" db:"system_prompt"`
	OutputContract  OutputContract    `json:"output_contract" db:"output_contract"`
	DefaultProvider string            `json:"default_provider_ref,omitempty" db:"default_provider_id"`
	InputVariables  []string          `json:"input_variables,omitempty"`
	CustomVariables map[string]string `json:"custom_variables,omitempty"`
	Reuse           ReusePolicy       `json:"reuse_policy"`
	Limits          SegmentLimits     `json:"limits"`
	Metrics         SegmentMetrics    `json:"metrics"`
	Active          bool              `json:"active" db:"active"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// IsDynamic reports whether resolving the segment may call a provider.
func (s *Segment) IsDynamic() bool {
	return s.Mode == SegmentDynamic || s.Mode == SegmentHybrid
}

// Validate checks the mode-dependent invariants.
func (s *Segment) Validate() error {
	if s.Code == "" {
		return fmt.Errorf("segment code is required")
	}
	switch s.Mode {
	case SegmentStatic:
		if s.LiteralPayload == "" {
			return fmt.Errorf("segment %q: static mode requires a literal payload", s.Code)
		}
		if s.Prompt != "" {
			return fmt.Errorf("segment %q: static mode must not carry a prompt", s.Code)
		}
	case SegmentDynamic:
		if s.Prompt == "" {
			return fmt.Errorf("segment %q: dynamic mode requires a prompt", s.Code)
		}
	case SegmentHybrid:
		if s.LiteralPayload == "" {
			return fmt.Errorf("segment %q: hybrid mode requires a literal scaffold", s.Code)
		}
		if s.Prompt == "" {
			return fmt.Errorf("segment %q: hybrid mode requires a prompt", s.Code)
		}
	default:
		return fmt.Errorf("segment %q: unknown mode %q", s.Code, s.Mode)
	}
	switch s.OutputContract {
	case ContractJSON, ContractMarkdown, ContractHTML, ContractText, "":
	default:
		return fmt.Errorf("segment %q: unknown output contract %q", s.Code, s.OutputContract)
	}
	return nil
}
