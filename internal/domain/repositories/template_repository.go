package repositories

import (
	"context"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
)

// TemplateRepository serves templates with their bindings eagerly resolved.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, ref string) (*entities.Template, error)
	ListSegmentsByRefs(ctx context.Context, refs []string) (map[string]*entities.Segment, error)
}

// SegmentRepository persists reusable segments and their usage metrics.
type SegmentRepository interface {
	GetByRef(ctx context.Context, ref string) (*entities.Segment, error)

	// RecordUse updates uses/errors and folds the elapsed time into the
	// moving average.
	RecordUse(ctx context.Context, ref string, elapsedMillis int64, succeeded bool) error

	// Delete removes a segment. Segments still bound by a template are
	// refused with a CONFLICT error.
	Delete(ctx context.Context, ref string) error
}
