package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// numberingMaxAttempts bounds the sequence-collision retry on concurrent
// creates within the same (kind, year, month) bucket.
const numberingMaxAttempts = 5

// ActaService creates acta records from finished transcriptions and exposes
// read-side operations like the plain-text export.
type ActaService struct {
	actas          repositories.ActaRepository
	templates      repositories.TemplateRepository
	transcriptions repositories.TranscriptionRepository
}

// NewActaService creates an acta service.
func NewActaService(
	actas repositories.ActaRepository,
	templates repositories.TemplateRepository,
	transcriptions repositories.TranscriptionRepository,
) *ActaService {
	return &ActaService{
		actas:          actas,
		templates:      templates,
		transcriptions: transcriptions,
	}
}

// CreateActaRequest carries the inputs for a new acta draft.
type CreateActaRequest struct {
	TemplateRef      string
	TranscriptionRef string
	ProviderRef      string
	SessionDate      time.Time
	Title            string
	CreatedBy        string
}

// CreateFromTranscription creates a draft acta bound to a completed
// transcription, assigning the next number in the template kind's monthly
// sequence.
func (s *ActaService) CreateFromTranscription(ctx context.Context, req CreateActaRequest) (*entities.Acta, error) {
	if req.TemplateRef == "" {
		return nil, apperrors.NewInputInvalidError("template reference is required")
	}
	if req.TranscriptionRef == "" {
		return nil, apperrors.NewInputInvalidError("transcription reference is required")
	}

	template, err := s.templates.GetTemplate(ctx, req.TemplateRef)
	if err != nil {
		return nil, err
	}
	if !template.Active {
		return nil, apperrors.NewConfigError(fmt.Sprintf("template %q is inactive", template.Code))
	}

	transcription, err := s.transcriptions.GetTranscription(ctx, req.TranscriptionRef)
	if err != nil {
		return nil, err
	}

	sessionDate := req.SessionDate
	if sessionDate.IsZero() {
		sessionDate = time.Now().UTC()
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = generateTitle(template, transcription, sessionDate)
	}

	logger := observability.GetLogger()
	kindCode := template.Kind.KindCode()

	// Numbering retries on unique-collision only. A bucket that keeps
	// colliding is an operational problem, never papered over with a
	// fabricated number.
	var lastErr error
	for attempt := 0; attempt < numberingMaxAttempts; attempt++ {
		seq, err := s.actas.NextSequence(ctx, kindCode, sessionDate.Year(), sessionDate.Month())
		if err != nil {
			return nil, err
		}
		number := formatActaNumber(kindCode, sessionDate, seq)

		now := time.Now().UTC()
		acta := &entities.Acta{
			ID:               uuid.NewString(),
			Number:           number,
			Title:            title,
			TemplateRef:      template.ID,
			TranscriptionRef: transcription.ID,
			ProviderRef:      req.ProviderRef,
			State:            entities.StateDraft,
			SessionDate:      sessionDate,
			CreatedBy:        req.CreatedBy,
			Timestamps:       entities.ActaTimestamps{Created: now},
			UpdatedAt:        now,
		}

		err = s.actas.Create(ctx, acta)
		if err == nil {
			logger.Info().
				Str("acta_id", acta.ID).
				Str("number", acta.Number).
				Str("template", template.Code).
				Msg("acta created")
			return acta, nil
		}
		if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			return nil, err
		}
		lastErr = err
		logger.Warn().Str("number", number).Int("attempt", attempt+1).Msg("acta number collision, retrying sequence")
	}
	return nil, apperrors.Wrap(apperrors.ErrorTypeConflict,
		fmt.Sprintf("could not allocate an acta number for %s after %d attempts", kindCode, numberingMaxAttempts), lastErr)
}

// formatActaNumber renders the canonical number: {KIND}-{YYYY}-{MM}-{NNN}.
func formatActaNumber(kindCode string, sessionDate time.Time, seq int) string {
	return fmt.Sprintf("%s-%04d-%02d-%03d", kindCode, sessionDate.Year(), int(sessionDate.Month()), seq)
}

// generateTitle derives a default title from the template and the session
// metadata when the operator did not provide one.
func generateTitle(template *entities.Template, t *entities.Transcription, sessionDate time.Time) string {
	title := fmt.Sprintf("%s — Sesión del %s", template.Name, sessionDate.Format("02/01/2006"))
	if t.SpeakerCount > 0 {
		title += fmt.Sprintf(" (%d participantes)", t.SpeakerCount)
	}
	return title
}

// ExportText renders the acta as a plain-text document: a metadata header, a
// separator rule, then the composed body. Drafts that have not finished a run
// export their concatenated draft text.
func (s *ActaService) ExportText(ctx context.Context, actaID string) (string, error) {
	acta, err := s.actas.GetByID(ctx, actaID)
	if err != nil {
		return "", err
	}

	templateName := acta.TemplateRef
	if template, err := s.templates.GetTemplate(ctx, acta.TemplateRef); err == nil {
		templateName = template.Name
	}

	body := acta.FinalText
	if body == "" {
		body = acta.DraftText
	}
	if body == "" {
		return "", apperrors.NewConflictError(fmt.Sprintf("acta %q has no composed text to export", acta.Number))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Acta: %s\n", acta.Number)
	fmt.Fprintf(&b, "Título: %s\n", acta.Title)
	fmt.Fprintf(&b, "Fecha de sesión: %s\n", acta.SessionDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Plantilla: %s\n", templateName)
	fmt.Fprintf(&b, "Estado: %s\n", acta.State)
	fmt.Fprintf(&b, "Generado: %s\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString(strings.Repeat("=", 80))
	b.WriteString("\n\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String(), nil
}
