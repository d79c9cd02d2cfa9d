package ai

import (
	"context"
	"testing"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/pkg/config"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

type fakeProviderRepo struct {
	provider *entities.Provider
	deltas   []entities.MetricsDelta
}

func (r *fakeProviderRepo) GetByRef(ctx context.Context, ref string) (*entities.Provider, error) {
	if r.provider == nil {
		return nil, errors.NewNotFoundError("provider not found: " + ref)
	}
	return r.provider, nil
}

func (r *fakeProviderRepo) UpdateMetrics(ctx context.Context, ref string, delta entities.MetricsDelta) error {
	r.deltas = append(r.deltas, delta)
	return nil
}

func TestRegistryGet(t *testing.T) {
	tests := []struct {
		name     string
		provider *entities.Provider
		env      map[string]string
		wantType errors.ErrorType
	}{
		{
			name: "Stored credential resolves",
			provider: &entities.Provider{
				Name: "openai-main", Kind: entities.ProviderOpenAI,
				Model: "gpt-4o-mini", APIKey: "sk-stored", Active: true,
			},
		},
		{
			name: "Overlay credential fills gap",
			provider: &entities.Provider{
				Name: "openai-main", Kind: entities.ProviderOpenAI,
				Model: "gpt-4o-mini", Active: true,
			},
			env: map[string]string{"OPENAI_API_KEY": "sk-env"},
		},
		{
			name: "Missing credential",
			provider: &entities.Provider{
				Name: "openai-main", Kind: entities.ProviderOpenAI,
				Model: "gpt-4o-mini", Active: true,
			},
			wantType: errors.ErrorTypeConfig,
		},
		{
			name: "Local kind needs no credential",
			provider: &entities.Provider{
				Name: "ollama-local", Kind: entities.ProviderOllama,
				Model: "llama3", Active: true,
			},
		},
		{
			name: "Inactive provider",
			provider: &entities.Provider{
				Name: "openai-main", Kind: entities.ProviderOpenAI,
				Model: "gpt-4o-mini", APIKey: "sk-stored", Active: false,
			},
			wantType: errors.ErrorTypeConfig,
		},
		{
			name: "Unknown kind",
			provider: &entities.Provider{
				Name: "mystery", Kind: "mystery",
				Model: "m", APIKey: "k", Active: true,
			},
			wantType: errors.ErrorTypeConfig,
		},
		{
			name: "Model filled from overlay",
			provider: &entities.Provider{
				Name: "anthropic-main", Kind: entities.ProviderAnthropic,
				APIKey: "sk-ant", Active: true,
			},
			env: map[string]string{"ANTHROPIC_DEFAULT_MODEL": "claude-3-5-haiku-latest"},
		},
		{
			name: "Missing model",
			provider: &entities.Provider{
				Name: "anthropic-main", Kind: entities.ProviderAnthropic,
				APIKey: "sk-ant", Active: true,
			},
			wantType: errors.ErrorTypeConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			overlay := config.LoadCredentialOverlay()
			registry := NewRegistry(&fakeProviderRepo{provider: tt.provider}, overlay)

			adapter, err := registry.Get(context.Background(), "ref-1")
			if tt.wantType != "" {
				if err == nil {
					t.Fatal("Get() expected error")
				}
				if got := errors.TypeOf(err); got != tt.wantType {
					t.Errorf("error type = %s, want %s", got, tt.wantType)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if adapter == nil {
				t.Fatal("Get() returned nil adapter")
			}
		})
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	registry := NewRegistry(&fakeProviderRepo{}, config.LoadCredentialOverlay())
	_, err := registry.Get(context.Background(), "missing")
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestRegistryOverlayNeverPersisted(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	stored := &entities.Provider{
		Name: "openai-main", Kind: entities.ProviderOpenAI,
		Model: "gpt-4o-mini", Active: true,
	}
	repo := &fakeProviderRepo{provider: stored}
	registry := NewRegistry(repo, config.LoadCredentialOverlay())

	if _, err := registry.Get(context.Background(), "ref-1"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.APIKey != "" {
		t.Errorf("overlay credential leaked into stored provider: %q", stored.APIKey)
	}
}
