package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/clients/postgres"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// ProviderAdapter implements AI provider persistence in Postgres.
type ProviderAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewProviderAdapter creates a new provider adapter.
func NewProviderAdapter(client *postgres.Client) repositories.ProviderRepository {
	return &ProviderAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

type providerRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Kind         string         `db:"kind"`
	Endpoint     sql.NullString `db:"endpoint"`
	APIKey       sql.NullString `db:"api_key"`
	Model        string         `db:"model"`
	Temperature  float64        `db:"temperature"`
	MaxTokens    int            `db:"max_tokens"`
	TimeoutSec   int            `db:"timeout_sec"`
	ExtraParams  []byte         `db:"extra_params"`
	SystemPrompt string         `db:"system_prompt"`
	Active       bool           `db:"active"`
	TotalCalls   int64          `db:"total_calls"`
	TotalTokens  int64          `db:"total_tokens"`
	LastOK       sql.NullTime   `db:"last_ok"`
	LastError    sql.NullString `db:"last_error"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// GetByRef loads a provider by id or name.
func (a *ProviderAdapter) GetByRef(ctx context.Context, ref string) (*entities.Provider, error) {
	var row providerRow
	query := `SELECT id, name, kind, endpoint, api_key, model, temperature, max_tokens,
		timeout_sec, extra_params, system_prompt, active, total_calls, total_tokens,
		last_ok, last_error, created_at, updated_at
		FROM ai_providers WHERE id = $1 OR name = $1`
	if err := a.client.DBx().GetContext(ctx, &row, query, ref); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("provider %q not found", ref))
		}
		return nil, apperrors.NewInternalError("failed to load provider", err)
	}

	provider := &entities.Provider{
		ID:           row.ID,
		Name:         row.Name,
		Kind:         entities.ProviderKind(row.Kind),
		Endpoint:     row.Endpoint.String,
		APIKey:       row.APIKey.String,
		Model:        row.Model,
		Temperature:  row.Temperature,
		MaxTokens:    row.MaxTokens,
		TimeoutSec:   row.TimeoutSec,
		SystemPrompt: row.SystemPrompt,
		Active:       row.Active,
		Metrics: entities.ProviderMetrics{
			Calls:     row.TotalCalls,
			Tokens:    row.TotalTokens,
			LastError: row.LastError.String,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastOK.Valid {
		t := row.LastOK.Time
		provider.Metrics.LastOK = &t
	}
	if len(row.ExtraParams) > 0 {
		if err := json.Unmarshal(row.ExtraParams, &provider.ExtraParams); err != nil {
			return nil, apperrors.NewInternalError("failed to decode provider extra params", err)
		}
	}
	return provider, nil
}

// UpdateMetrics atomically folds a call outcome into the provider counters.
// A successful call refreshes last_ok and clears last_error; a failed call
// records the error message.
func (a *ProviderAdapter) UpdateMetrics(ctx context.Context, ref string, delta entities.MetricsDelta) error {
	var query string
	var args []any
	if delta.Succeeded {
		query = `UPDATE ai_providers SET
			total_calls = total_calls + $2,
			total_tokens = total_tokens + $3,
			last_ok = $4,
			last_error = NULL,
			updated_at = $4
			WHERE id = $1 OR name = $1`
		args = []any{ref, delta.Calls, delta.Tokens, time.Now().UTC()}
	} else {
		query = `UPDATE ai_providers SET
			total_calls = total_calls + $2,
			total_tokens = total_tokens + $3,
			last_error = $4,
			updated_at = $5
			WHERE id = $1 OR name = $1`
		args = []any{ref, delta.Calls, delta.Tokens, delta.Error, time.Now().UTC()}
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update provider metrics", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("provider %q not found", ref))
	}
	return nil
}
