package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/clients/postgres"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// TemplateAdapter loads templates with their segment bindings from Postgres.
type TemplateAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewTemplateAdapter creates a new template adapter.
func NewTemplateAdapter(client *postgres.Client) repositories.TemplateRepository {
	return &TemplateAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

type templateRow struct {
	ID              string         `db:"id"`
	Code            string         `db:"code"`
	Name            string         `db:"name"`
	Kind            string         `db:"kind"`
	GlobalPrompt    string         `db:"global_prompt"`
	DefaultProvider sql.NullString `db:"default_provider_id"`
	Active          bool           `db:"active"`
	Version         string         `db:"version"`
}

type bindingRow struct {
	ID             string         `db:"id"`
	TemplateID     string         `db:"template_id"`
	SegmentID      string         `db:"segment_id"`
	Position       int            `db:"position"`
	Mandatory      bool           `db:"mandatory"`
	PromptOverride sql.NullString `db:"prompt_override"`
	ParamOverrides []byte         `db:"param_overrides"`
}

// GetTemplate loads a template by id or code, bindings included, ordered by
// position.
func (a *TemplateAdapter) GetTemplate(ctx context.Context, ref string) (*entities.Template, error) {
	var row templateRow
	query := `SELECT id, code, name, kind, global_prompt, default_provider_id, active, version
		FROM acta_templates WHERE id = $1 OR code = $1`
	if err := a.client.DBx().GetContext(ctx, &row, query, ref); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("template %q not found", ref))
		}
		return nil, apperrors.NewInternalError("failed to load template", err)
	}

	var bindingRows []bindingRow
	bindingQuery := `SELECT id, template_id, segment_id, position, mandatory, prompt_override, param_overrides
		FROM template_segments WHERE template_id = $1 ORDER BY position`
	if err := a.client.DBx().SelectContext(ctx, &bindingRows, bindingQuery, row.ID); err != nil {
		return nil, apperrors.NewInternalError("failed to load template bindings", err)
	}

	template := &entities.Template{
		ID:              row.ID,
		Code:            row.Code,
		Name:            row.Name,
		Kind:            entities.TemplateKind(row.Kind),
		GlobalPrompt:    row.GlobalPrompt,
		DefaultProvider: row.DefaultProvider.String,
		Active:          row.Active,
		Version:         row.Version,
	}
	for _, b := range bindingRows {
		binding := entities.SegmentBinding{
			ID:             b.ID,
			TemplateID:     b.TemplateID,
			SegmentRef:     b.SegmentID,
			Order:          b.Position,
			Mandatory:      b.Mandatory,
			PromptOverride: b.PromptOverride.String,
		}
		if len(b.ParamOverrides) > 0 {
			if err := json.Unmarshal(b.ParamOverrides, &binding.ParamOverrides); err != nil {
				return nil, apperrors.NewInternalError("failed to decode binding overrides", err)
			}
		}
		template.Composition = append(template.Composition, binding)
	}
	return template, nil
}

// ListSegmentsByRefs loads the segments referenced by a template composition,
// keyed by the reference used to find them.
func (a *TemplateAdapter) ListSegmentsByRefs(ctx context.Context, refs []string) (map[string]*entities.Segment, error) {
	out := make(map[string]*entities.Segment, len(refs))
	segments := &SegmentAdapter{client: a.client, db: a.db}
	for _, ref := range refs {
		if _, ok := out[ref]; ok {
			continue
		}
		segment, err := segments.GetByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = segment
	}
	return out, nil
}

// SegmentAdapter implements segment persistence in Postgres.
type SegmentAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewSegmentAdapter creates a new segment adapter.
func NewSegmentAdapter(client *postgres.Client) repositories.SegmentRepository {
	return &SegmentAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

type segmentRow struct {
	ID              string         `db:"id"`
	Code            string         `db:"code"`
	Name            string         `db:"name"`
	Category        string         `db:"category"`
	Mode            string         `db:"mode"`
	LiteralPayload  string         `db:"literal_payload"`
	Prompt          string         `db:"prompt"`
	SystemPrompt    string         `db:"system_prompt"`
	OutputContract  string         `db:"output_contract"`
	DefaultProvider sql.NullString `db:"default_provider_id"`
	InputVariables  []byte         `db:"input_variables"`
	CustomVariables []byte         `db:"custom_variables"`
	Reusable        bool           `db:"reusable"`
	Mandatory       bool           `db:"mandatory"`
	MaxLength       int            `db:"max_length"`
	TimeoutSec      int            `db:"timeout_sec"`
	Retries         int            `db:"retries"`
	TotalUses       int64          `db:"total_uses"`
	TotalErrors     int64          `db:"total_errors"`
	AvgMillis       float64        `db:"avg_ms"`
	Active          bool           `db:"active"`
}

// GetByRef loads a segment by id or code.
func (a *SegmentAdapter) GetByRef(ctx context.Context, ref string) (*entities.Segment, error) {
	var row segmentRow
	query := `SELECT id, code, name, category, mode, literal_payload, prompt, system_prompt,
		output_contract, default_provider_id, input_variables, custom_variables, reusable,
		mandatory, max_length, timeout_sec, retries, total_uses, total_errors, avg_ms, active
		FROM acta_segments WHERE id = $1 OR code = $1`
	if err := a.client.DBx().GetContext(ctx, &row, query, ref); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
		}
		return nil, apperrors.NewInternalError("failed to load segment", err)
	}

	segment := &entities.Segment{
		ID:              row.ID,
		Code:            row.Code,
		Name:            row.Name,
		Category:        row.Category,
		Mode:            entities.SegmentMode(row.Mode),
		LiteralPayload:  row.LiteralPayload,
		Prompt:          row.Prompt,
		SystemPrompt:    row.SystemPrompt,
		OutputContract:  entities.OutputContract(row.OutputContract),
		DefaultProvider: row.DefaultProvider.String,
		Reuse: entities.ReusePolicy{
			Reusable:  row.Reusable,
			Mandatory: row.Mandatory,
		},
		Limits: entities.SegmentLimits{
			MaxLength:  row.MaxLength,
			TimeoutSec: row.TimeoutSec,
			Retries:    row.Retries,
		},
		Metrics: entities.SegmentMetrics{
			Uses:      row.TotalUses,
			Errors:    row.TotalErrors,
			AvgMillis: row.AvgMillis,
		},
		Active: row.Active,
	}
	if len(row.InputVariables) > 0 {
		if err := json.Unmarshal(row.InputVariables, &segment.InputVariables); err != nil {
			return nil, apperrors.NewInternalError("failed to decode input variables", err)
		}
	}
	if len(row.CustomVariables) > 0 {
		if err := json.Unmarshal(row.CustomVariables, &segment.CustomVariables); err != nil {
			return nil, apperrors.NewInternalError("failed to decode custom variables", err)
		}
	}
	return segment, nil
}

// segmentEMAAlpha weights new observations into the rolling average latency.
const segmentEMAAlpha = 0.2

// RecordUse atomically folds one resolution into the segment usage counters.
func (a *SegmentAdapter) RecordUse(ctx context.Context, ref string, elapsedMillis int64, succeeded bool) error {
	query := `UPDATE acta_segments SET
		total_uses = total_uses + 1,
		total_errors = total_errors + $2,
		avg_ms = CASE WHEN total_uses = 0 THEN $3 ELSE avg_ms + $4 * ($3 - avg_ms) END
		WHERE id = $1 OR code = $1`

	errInc := 0
	if !succeeded {
		errInc = 1
	}
	result, err := a.client.DB().ExecContext(ctx, query, ref, errInc, float64(elapsedMillis), segmentEMAAlpha)
	if err != nil {
		return apperrors.NewInternalError("failed to record segment use", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
	}
	return nil
}

// Delete removes a segment unless a template still binds it.
func (a *SegmentAdapter) Delete(ctx context.Context, ref string) error {
	var referenced int
	countQuery := `SELECT COUNT(*) FROM template_segments ts
		JOIN acta_segments s ON s.id = ts.segment_id
		WHERE s.id = $1 OR s.code = $1`
	if err := a.client.DBx().GetContext(ctx, &referenced, countQuery, ref); err != nil {
		return apperrors.NewInternalError("failed to check segment references", err)
	}
	if referenced > 0 {
		return apperrors.NewConflictError(fmt.Sprintf(
			"segment %q is bound by %d template composition(s)", ref, referenced))
	}

	result, err := a.client.DB().ExecContext(ctx,
		`DELETE FROM acta_segments WHERE id = $1 OR code = $1`, ref)
	if err != nil {
		return apperrors.NewInternalError("failed to delete segment", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
	}
	return nil
}
