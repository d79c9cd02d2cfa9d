package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/municipio-digital/actas-engine/internal/adapters/events"
	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
)

// ProgressSink is the single write-through path for run progress: it updates
// the acta row, appends a change-log entry, and publishes an event on the
// bus. Executors never write progress anywhere else.
type ProgressSink struct {
	actas repositories.ActaRepository
	bus   providers.EventBus
}

// NewProgressSink creates a progress sink.
func NewProgressSink(actas repositories.ActaRepository, bus providers.EventBus) *ProgressSink {
	return &ProgressSink{actas: actas, bus: bus}
}

// Report persists the acta's current state and progress, appends the audit
// entry, and notifies subscribers. Bus failures are logged, never fatal to
// the run.
func (s *ProgressSink) Report(ctx context.Context, acta *entities.Acta, event, detail string) error {
	logger := observability.LoggerFromContext(ctx)

	if err := s.actas.Update(ctx, acta); err != nil {
		return err
	}

	entry := entities.ChangeLogEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Progress:  acta.Progress,
		Detail:    detail,
	}
	if err := s.actas.AppendChangeLog(ctx, acta.ID, entry); err != nil {
		return err
	}

	if s.bus != nil {
		busEvent := &providers.ActaEvent{
			ID:        uuid.NewString(),
			ActaID:    acta.ID,
			Event:     event,
			State:     string(acta.State),
			Progress:  acta.Progress,
			Detail:    detail,
			Timestamp: entry.Timestamp,
		}
		if err := s.bus.Publish(ctx, events.ActaChannel(acta.ID), busEvent); err != nil {
			logger.Warn().Err(err).Str("event", event).Msg("failed to publish progress event")
		}
	}

	logger.Debug().
		Str("event", event).
		Str("state", string(acta.State)).
		Int("progress", acta.Progress).
		Msg("progress reported")
	return nil
}
