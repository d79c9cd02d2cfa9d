package providers

import (
	"context"
	"time"
)

// CallOptions override provider defaults for a single call.
type CallOptions struct {
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration

	// SystemPrompts are concatenated ahead of the provider's own system
	// prompt composition: provider-global, template-global, segment-specific,
	// in that order.
	SystemPrompts []string

	// JSONContext serializes the context payload as a JSON block instead of
	// a labeled section. Set when the segment's output contract is json.
	JSONContext bool
}

// Response is the uniform result of an AI provider call.
type Response struct {
	Text   string
	Tokens int64
	Model  string
	Raw    []byte
}

// ProbeResult reports the outcome of a provider connectivity check.
type ProbeResult struct {
	OK            bool
	LatencyMillis int64
	Sample        string
	Error         string
}

// AIProvider is the uniform call surface over any configured AI backend.
// Implementations translate backend-specific failures into the common error
// taxonomy in pkg/errors.
type AIProvider interface {
	Execute(ctx context.Context, prompt string, payload map[string]any, opts CallOptions) (*Response, error)
	Probe(ctx context.Context) (*ProbeResult, error)
}

// AIRegistry resolves a provider reference to a configured adapter,
// validating credentials against the environment overlay at call time.
type AIRegistry interface {
	Get(ctx context.Context, ref string) (AIProvider, error)
}
