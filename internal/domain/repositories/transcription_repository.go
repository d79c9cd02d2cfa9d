package repositories

import (
	"context"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

// TranscriptionRepository is the read-only view into the transcription
// module. The composition engine has no write access.
type TranscriptionRepository interface {
	GetTranscription(ctx context.Context, id string) (*entities.Transcription, error)
}
