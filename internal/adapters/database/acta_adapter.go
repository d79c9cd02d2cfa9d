package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/lib/pq"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/clients/postgres"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// ActaAdapter implements acta persistence in Postgres. Segment results,
// change log, metrics, and timestamps live in jsonb columns.
type ActaAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewActaAdapter creates a new acta adapter.
func NewActaAdapter(client *postgres.Client) repositories.ActaRepository {
	return &ActaAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

func actaRecord(acta *entities.Acta) (goqu.Record, error) {
	results, err := json.Marshal(acta.SegmentResults)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode segment results", err)
	}
	changeLog, err := json.Marshal(acta.ChangeLog)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode change log", err)
	}
	metrics, err := json.Marshal(acta.Metrics)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode metrics", err)
	}
	timestamps, err := json.Marshal(acta.Timestamps)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode timestamps", err)
	}

	return goqu.Record{
		"id":               acta.ID,
		"number":           acta.Number,
		"title":            acta.Title,
		"template_id":      acta.TemplateRef,
		"transcription_id": acta.TranscriptionRef,
		"provider_id":      sql.NullString{String: acta.ProviderRef, Valid: acta.ProviderRef != ""},
		"state":            string(acta.State),
		"progress":         acta.Progress,
		"segment_results":  string(results),
		"draft_text":       acta.DraftText,
		"final_text":       acta.FinalText,
		"final_html":       acta.FinalHTML,
		"metrics":          string(metrics),
		"change_log":       string(changeLog),
		"error_message":    sql.NullString{String: acta.ErrorMessage, Valid: acta.ErrorMessage != ""},
		"task_handle":      sql.NullString{String: acta.TaskHandle, Valid: acta.TaskHandle != ""},
		"session_date":     acta.SessionDate,
		"created_by":       sql.NullString{String: acta.CreatedBy, Valid: acta.CreatedBy != ""},
		"timestamps":       string(timestamps),
		"updated_at":       time.Now().UTC(),
	}, nil
}

// Create inserts an acta record.
func (a *ActaAdapter) Create(ctx context.Context, acta *entities.Acta) error {
	if acta == nil {
		return apperrors.NewInternalError("acta is nil", fmt.Errorf("acta is nil"))
	}

	record, err := actaRecord(acta)
	if err != nil {
		return err
	}

	query, args, err := a.db.Insert("actas").Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build acta insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(fmt.Sprintf("acta number %q already exists", acta.Number))
		}
		return apperrors.NewInternalError("failed to create acta", err)
	}
	return nil
}

// Update rewrites the full acta row.
func (a *ActaAdapter) Update(ctx context.Context, acta *entities.Acta) error {
	record, err := actaRecord(acta)
	if err != nil {
		return err
	}
	delete(record, "id")

	query, args, err := a.db.Update("actas").
		Set(record).
		Where(goqu.C("id").Eq(acta.ID)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build acta update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update acta", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", acta.ID))
	}
	return nil
}

type actaRow struct {
	ID              string         `db:"id"`
	Number          string         `db:"number"`
	Title           string         `db:"title"`
	TemplateID      string         `db:"template_id"`
	TranscriptionID string         `db:"transcription_id"`
	ProviderID      sql.NullString `db:"provider_id"`
	State           string         `db:"state"`
	Progress        int            `db:"progress"`
	SegmentResults  []byte         `db:"segment_results"`
	DraftText       string         `db:"draft_text"`
	FinalText       string         `db:"final_text"`
	FinalHTML       string         `db:"final_html"`
	Metrics         []byte         `db:"metrics"`
	ChangeLog       []byte         `db:"change_log"`
	ErrorMessage    sql.NullString `db:"error_message"`
	TaskHandle      sql.NullString `db:"task_handle"`
	SessionDate     time.Time      `db:"session_date"`
	CreatedBy       sql.NullString `db:"created_by"`
	Timestamps      []byte         `db:"timestamps"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// GetByID loads an acta with its embedded results and change log.
func (a *ActaAdapter) GetByID(ctx context.Context, id string) (*entities.Acta, error) {
	var row actaRow
	query := `SELECT id, number, title, template_id, transcription_id, provider_id, state,
		progress, segment_results, draft_text, final_text, final_html, metrics, change_log,
		error_message, task_handle, session_date, created_by, timestamps, updated_at
		FROM actas WHERE id = $1`
	if err := a.client.DBx().GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", id))
		}
		return nil, apperrors.NewInternalError("failed to load acta", err)
	}

	acta := &entities.Acta{
		ID:               row.ID,
		Number:           row.Number,
		Title:            row.Title,
		TemplateRef:      row.TemplateID,
		TranscriptionRef: row.TranscriptionID,
		ProviderRef:      row.ProviderID.String,
		State:            entities.ActaState(row.State),
		Progress:         row.Progress,
		DraftText:        row.DraftText,
		FinalText:        row.FinalText,
		FinalHTML:        row.FinalHTML,
		ErrorMessage:     row.ErrorMessage.String,
		TaskHandle:       row.TaskHandle.String,
		SessionDate:      row.SessionDate,
		CreatedBy:        row.CreatedBy.String,
		UpdatedAt:        row.UpdatedAt,
	}
	if len(row.SegmentResults) > 0 {
		if err := json.Unmarshal(row.SegmentResults, &acta.SegmentResults); err != nil {
			return nil, apperrors.NewInternalError("failed to decode segment results", err)
		}
	}
	if len(row.ChangeLog) > 0 {
		if err := json.Unmarshal(row.ChangeLog, &acta.ChangeLog); err != nil {
			return nil, apperrors.NewInternalError("failed to decode change log", err)
		}
	}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &acta.Metrics); err != nil {
			return nil, apperrors.NewInternalError("failed to decode metrics", err)
		}
	}
	if len(row.Timestamps) > 0 {
		if err := json.Unmarshal(row.Timestamps, &acta.Timestamps); err != nil {
			return nil, apperrors.NewInternalError("failed to decode timestamps", err)
		}
	}
	return acta, nil
}

// AppendChangeLog appends one entry to the acta's change log without
// rewriting the rest of the row.
func (a *ActaAdapter) AppendChangeLog(ctx context.Context, id string, entry entities.ChangeLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.NewInternalError("failed to encode change log entry", err)
	}

	query := `UPDATE actas
		SET change_log = COALESCE(change_log, '[]'::jsonb) || $1::jsonb, updated_at = $2
		WHERE id = $3`
	result, err := a.client.DB().ExecContext(ctx, query, string(data), time.Now().UTC(), id)
	if err != nil {
		return apperrors.NewInternalError("failed to append change log entry", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", id))
	}
	return nil
}

// NextSequence atomically advances the per-(kind, year, month) counter used
// for acta numbering.
func (a *ActaAdapter) NextSequence(ctx context.Context, kindCode string, year int, month time.Month) (int, error) {
	query := `INSERT INTO acta_sequences (kind_code, year, month, seq)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (kind_code, year, month)
		DO UPDATE SET seq = acta_sequences.seq + 1
		RETURNING seq`

	var seq int
	if err := a.client.DB().QueryRowContext(ctx, query, kindCode, year, int(month)).Scan(&seq); err != nil {
		return 0, apperrors.NewInternalError("failed to advance acta sequence", err)
	}
	return seq, nil
}

// isUniqueViolation detects the Postgres unique_violation code.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
