package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// TranscriptionAdapter is the read-only bridge to the transcription module's
// tables. The composition engine never writes them.
type TranscriptionAdapter struct {
	db *sqlx.DB
}

// NewTranscriptionAdapter creates a new transcription adapter.
func NewTranscriptionAdapter(db *sqlx.DB) repositories.TranscriptionRepository {
	return &TranscriptionAdapter{db: db}
}

type transcriptionRow struct {
	ID                string  `db:"id"`
	FullText          string  `db:"full_text"`
	DurationSeconds   float64 `db:"duration_s"`
	SpeakerCount      int     `db:"speaker_count"`
	AverageConfidence float64 `db:"avg_confidence"`
	Segments          []byte  `db:"conversation_segments"`
	AudioMetadata     []byte  `db:"audio_metadata"`
}

// GetTranscription loads a completed transcription with its diarized
// conversation.
func (a *TranscriptionAdapter) GetTranscription(ctx context.Context, id string) (*entities.Transcription, error) {
	var row transcriptionRow
	query := `SELECT id, full_text, duration_s, speaker_count, avg_confidence,
		conversation_segments, audio_metadata
		FROM transcriptions WHERE id = $1`
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("transcription %q not found", id))
		}
		return nil, apperrors.NewInternalError("failed to load transcription", err)
	}

	transcription := &entities.Transcription{
		ID:                row.ID,
		FullText:          row.FullText,
		DurationSeconds:   row.DurationSeconds,
		SpeakerCount:      row.SpeakerCount,
		AverageConfidence: row.AverageConfidence,
	}
	if len(row.Segments) > 0 {
		if err := json.Unmarshal(row.Segments, &transcription.ConversationSegments); err != nil {
			return nil, apperrors.NewInternalError("failed to decode conversation segments", err)
		}
	}
	if len(row.AudioMetadata) > 0 {
		if err := json.Unmarshal(row.AudioMetadata, &transcription.Audio); err != nil {
			return nil, apperrors.NewInternalError("failed to decode audio metadata", err)
		}
	}
	return transcription, nil
}
