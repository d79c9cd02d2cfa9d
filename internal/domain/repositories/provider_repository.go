package repositories

import (
	"context"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

// ProviderRepository persists AI provider configurations and usage metrics.
type ProviderRepository interface {
	GetByRef(ctx context.Context, ref string) (*entities.Provider, error)
	UpdateMetrics(ctx context.Context, ref string, delta entities.MetricsDelta) error
}
