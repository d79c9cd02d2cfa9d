package repositories

import (
	"context"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

// ActaRepository persists acta run records, their segment results, and the
// append-only change log.
type ActaRepository interface {
	Create(ctx context.Context, acta *entities.Acta) error
	Update(ctx context.Context, acta *entities.Acta) error
	GetByID(ctx context.Context, id string) (*entities.Acta, error)
	AppendChangeLog(ctx context.Context, id string, entry entities.ChangeLogEntry) error

	// NextSequence returns the next monotone sequence number for acta
	// numbering within a (kind, year, month) bucket.
	NextSequence(ctx context.Context, kindCode string, year int, month time.Month) (int, error)
}
