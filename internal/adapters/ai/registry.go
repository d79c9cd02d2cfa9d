package ai

import (
	"context"
	"fmt"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	"github.com/municipio-digital/actas-engine/pkg/config"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

// defaultBaseURLs are used when neither the stored provider nor the
// environment overlay supplies an endpoint.
var defaultBaseURLs = map[entities.ProviderKind]string{
	entities.ProviderOpenAI:    "https://api.openai.com/v1",
	entities.ProviderAnthropic: "https://api.anthropic.com",
	entities.ProviderDeepSeek:  "https://api.deepseek.com/v1",
	entities.ProviderGroq:      "https://api.groq.com/openai/v1",
	entities.ProviderOllama:    "http://localhost:11434",
	entities.ProviderLMStudio:  "http://localhost:1234/v1",
}

// Registry resolves stored provider configurations into ready-to-call
// adapters. Credential gaps are filled from the environment overlay at call
// time; overlay values are never written back to storage.
type Registry struct {
	repo    repositories.ProviderRepository
	overlay *config.CredentialOverlay
}

// NewRegistry creates a provider registry.
func NewRegistry(repo repositories.ProviderRepository, overlay *config.CredentialOverlay) *Registry {
	return &Registry{repo: repo, overlay: overlay}
}

// Get resolves a provider reference to a configured, instrumented adapter.
// Every configuration gap yields a CONFIG error naming the exact problem so
// the change log stays actionable.
func (r *Registry) Get(ctx context.Context, ref string) (providers.AIProvider, error) {
	provider, err := r.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !provider.Active {
		return nil, errors.NewConfigError(fmt.Sprintf("provider %q is inactive", provider.Name))
	}

	resolved := *provider
	kind := string(resolved.Kind)
	if resolved.Model == "" {
		resolved.Model = r.overlay.DefaultModel(kind)
	}
	if resolved.Temperature == 0 {
		resolved.Temperature = r.overlay.DefaultTemperature(kind, 0.3)
	}
	if resolved.MaxTokens == 0 {
		resolved.MaxTokens = r.overlay.DefaultMaxTokens(kind, 0)
	}
	if err := resolved.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, fmt.Sprintf("provider %q is misconfigured", provider.Name), err)
	}

	apiKey := resolved.APIKey
	if apiKey == "" {
		apiKey = r.overlay.APIKey(kind)
	}
	endpoint := resolved.Endpoint
	if endpoint == "" {
		endpoint = r.overlay.APIURL(kind)
	}
	if endpoint == "" {
		endpoint = defaultBaseURLs[resolved.Kind]
	}

	if !resolved.Kind.IsLocal() && resolved.Kind != entities.ProviderGeneric && apiKey == "" {
		return nil, errors.NewConfigError(fmt.Sprintf("missing credential for provider kind %q: set %s_API_KEY or store an api key", kind, upperKind(kind)))
	}
	if endpoint == "" && resolved.Kind != entities.ProviderGoogle {
		return nil, errors.NewConfigError(fmt.Sprintf("missing endpoint for provider kind %q: set %s_API_URL or store an endpoint", kind, upperKind(kind)))
	}

	var adapter providers.AIProvider
	switch resolved.Kind {
	case entities.ProviderOpenAI, entities.ProviderDeepSeek, entities.ProviderGroq,
		entities.ProviderLMStudio, entities.ProviderGeneric:
		adapter = newChatClient(&resolved, endpoint, apiKey)
	case entities.ProviderAnthropic:
		adapter = newAnthropicClient(&resolved, endpoint, apiKey)
	case entities.ProviderGoogle:
		adapter = newGoogleClient(&resolved, apiKey)
	case entities.ProviderOllama:
		adapter = newOllamaClient(&resolved, endpoint)
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unsupported provider kind %q", kind))
	}

	return &instrumentedProvider{
		inner:    adapter,
		repo:     r.repo,
		ref:      ref,
		provider: &resolved,
	}, nil
}

func upperKind(kind string) string {
	out := make([]byte, len(kind))
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// instrumentedProvider folds call outcomes back into the stored provider
// metrics. Metric write failures are logged, never surfaced to the caller.
type instrumentedProvider struct {
	inner    providers.AIProvider
	repo     repositories.ProviderRepository
	ref      string
	provider *entities.Provider
}

func (p *instrumentedProvider) Execute(ctx context.Context, prompt string, payload map[string]any, opts providers.CallOptions) (*providers.Response, error) {
	resp, err := p.inner.Execute(ctx, prompt, payload, opts)

	delta := entities.MetricsDelta{Calls: 1, Succeeded: err == nil}
	if resp != nil {
		delta.Tokens = resp.Tokens
	}
	if err != nil {
		delta.Error = err.Error()
	}
	if mErr := p.repo.UpdateMetrics(ctx, p.ref, delta); mErr != nil {
		observability.LoggerFromContext(ctx).Warn().
			Err(mErr).
			Str("provider", p.provider.Name).
			Msg("failed to update provider metrics")
	}
	return resp, err
}

func (p *instrumentedProvider) Probe(ctx context.Context) (*providers.ProbeResult, error) {
	return p.inner.Probe(ctx)
}
