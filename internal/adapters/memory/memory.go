// Package memory provides in-memory repository implementations used by unit
// tests and local development, mirroring the Postgres adapters' semantics.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// ActaStore keeps actas in a map guarded by a mutex.
type ActaStore struct {
	mu        sync.RWMutex
	actas     map[string]*entities.Acta
	sequences map[string]int
}

// NewActaStore creates an empty acta store.
func NewActaStore() *ActaStore {
	return &ActaStore{
		actas:     make(map[string]*entities.Acta),
		sequences: make(map[string]int),
	}
}

var _ repositories.ActaRepository = (*ActaStore)(nil)

func cloneActa(a *entities.Acta) *entities.Acta {
	clone := *a
	if a.SegmentResults != nil {
		clone.SegmentResults = make(map[string]entities.ResolverResult, len(a.SegmentResults))
		for k, v := range a.SegmentResults {
			clone.SegmentResults[k] = v
		}
	}
	clone.ChangeLog = append([]entities.ChangeLogEntry(nil), a.ChangeLog...)
	if a.Metrics != nil {
		clone.Metrics = make(map[string]any, len(a.Metrics))
		for k, v := range a.Metrics {
			clone.Metrics[k] = v
		}
	}
	return &clone
}

// Create stores a new acta, refusing duplicate ids and numbers.
func (s *ActaStore) Create(ctx context.Context, acta *entities.Acta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actas[acta.ID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("acta %q already exists", acta.ID))
	}
	for _, existing := range s.actas {
		if existing.Number == acta.Number {
			return apperrors.NewConflictError(fmt.Sprintf("acta number %q already exists", acta.Number))
		}
	}
	s.actas[acta.ID] = cloneActa(acta)
	return nil
}

// Update rewrites a stored acta.
func (s *ActaStore) Update(ctx context.Context, acta *entities.Acta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, exists := s.actas[acta.ID]
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", acta.ID))
	}
	clone := cloneActa(acta)
	clone.ChangeLog = stored.ChangeLog
	clone.UpdatedAt = time.Now().UTC()
	s.actas[acta.ID] = clone
	return nil
}

// GetByID returns a copy of the stored acta.
func (s *ActaStore) GetByID(ctx context.Context, id string) (*entities.Acta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acta, exists := s.actas[id]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", id))
	}
	return cloneActa(acta), nil
}

// AppendChangeLog appends one audit entry.
func (s *ActaStore) AppendChangeLog(ctx context.Context, id string, entry entities.ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acta, exists := s.actas[id]
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("acta %q not found", id))
	}
	acta.ChangeLog = append(acta.ChangeLog, entry)
	return nil
}

// NextSequence advances the per-(kind, year, month) counter.
func (s *ActaStore) NextSequence(ctx context.Context, kindCode string, year int, month time.Month) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s-%04d-%02d", kindCode, year, month)
	s.sequences[key]++
	return s.sequences[key], nil
}

// ChangeLog returns the stored change log for assertions.
func (s *ActaStore) ChangeLog(id string) []entities.ChangeLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acta, ok := s.actas[id]; ok {
		return append([]entities.ChangeLogEntry(nil), acta.ChangeLog...)
	}
	return nil
}

// TemplateStore serves templates and segments from maps.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*entities.Template
	segments  map[string]*entities.Segment
}

// NewTemplateStore creates an empty template/segment store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{
		templates: make(map[string]*entities.Template),
		segments:  make(map[string]*entities.Segment),
	}
}

var _ repositories.TemplateRepository = (*TemplateStore)(nil)
var _ repositories.SegmentRepository = (*TemplateStore)(nil)

// PutTemplate stores a template, reachable by id and code.
func (s *TemplateStore) PutTemplate(t *entities.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	if t.Code != "" {
		s.templates[t.Code] = t
	}
}

// PutSegment stores a segment, reachable by id and code.
func (s *TemplateStore) PutSegment(seg *entities.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID] = seg
	if seg.Code != "" {
		s.segments[seg.Code] = seg
	}
}

// GetTemplate loads a template by id or code.
func (s *TemplateStore) GetTemplate(ctx context.Context, ref string) (*entities.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.templates[ref]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("template %q not found", ref))
	}
	clone := *t
	clone.Composition = append([]entities.SegmentBinding(nil), t.Composition...)
	return &clone, nil
}

// ListSegmentsByRefs resolves each reference to its segment.
func (s *TemplateStore) ListSegmentsByRefs(ctx context.Context, refs []string) (map[string]*entities.Segment, error) {
	out := make(map[string]*entities.Segment, len(refs))
	for _, ref := range refs {
		seg, err := s.GetByRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = seg
	}
	return out, nil
}

// GetByRef loads a segment by id or code.
func (s *TemplateStore) GetByRef(ctx context.Context, ref string) (*entities.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, exists := s.segments[ref]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
	}
	clone := *seg
	return &clone, nil
}

// RecordUse folds one resolution into the segment counters with the same EMA
// the Postgres adapter applies.
func (s *TemplateStore) RecordUse(ctx context.Context, ref string, elapsedMillis int64, succeeded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, exists := s.segments[ref]
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
	}
	if seg.Metrics.Uses == 0 {
		seg.Metrics.AvgMillis = float64(elapsedMillis)
	} else {
		seg.Metrics.AvgMillis += 0.2 * (float64(elapsedMillis) - seg.Metrics.AvgMillis)
	}
	seg.Metrics.Uses++
	if !succeeded {
		seg.Metrics.Errors++
	}
	return nil
}

// Delete removes a segment unless a template still binds it.
func (s *TemplateStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, exists := s.segments[ref]
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("segment %q not found", ref))
	}
	seen := make(map[string]struct{})
	for _, t := range s.templates {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		for _, b := range t.Composition {
			if b.SegmentRef == seg.ID || b.SegmentRef == seg.Code {
				return apperrors.NewConflictError(fmt.Sprintf(
					"segment %q is bound by template %q", ref, t.Code))
			}
		}
	}
	delete(s.segments, seg.ID)
	delete(s.segments, seg.Code)
	return nil
}

// ProviderStore serves providers from a map.
type ProviderStore struct {
	mu        sync.RWMutex
	providers map[string]*entities.Provider
}

// NewProviderStore creates an empty provider store.
func NewProviderStore() *ProviderStore {
	return &ProviderStore{providers: make(map[string]*entities.Provider)}
}

var _ repositories.ProviderRepository = (*ProviderStore)(nil)

// Put stores a provider, reachable by id and name.
func (s *ProviderStore) Put(p *entities.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
	if p.Name != "" {
		s.providers[p.Name] = p
	}
}

// GetByRef loads a provider by id or name.
func (s *ProviderStore) GetByRef(ctx context.Context, ref string) (*entities.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.providers[ref]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("provider %q not found", ref))
	}
	clone := *p
	return &clone, nil
}

// UpdateMetrics folds a call outcome into the provider counters.
func (s *ProviderStore) UpdateMetrics(ctx context.Context, ref string, delta entities.MetricsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.providers[ref]
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("provider %q not found", ref))
	}
	p.Metrics.Calls += delta.Calls
	p.Metrics.Tokens += delta.Tokens
	if delta.Succeeded {
		now := time.Now().UTC()
		p.Metrics.LastOK = &now
		p.Metrics.LastError = ""
	} else {
		p.Metrics.LastError = delta.Error
	}
	return nil
}

// TranscriptionStore serves transcriptions from a map.
type TranscriptionStore struct {
	mu             sync.RWMutex
	transcriptions map[string]*entities.Transcription
}

// NewTranscriptionStore creates an empty transcription store.
func NewTranscriptionStore() *TranscriptionStore {
	return &TranscriptionStore{transcriptions: make(map[string]*entities.Transcription)}
}

var _ repositories.TranscriptionRepository = (*TranscriptionStore)(nil)

// Put stores a transcription.
func (s *TranscriptionStore) Put(t *entities.Transcription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptions[t.ID] = t
}

// GetTranscription loads a transcription by id.
func (s *TranscriptionStore) GetTranscription(ctx context.Context, id string) (*entities.Transcription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.transcriptions[id]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("transcription %q not found", id))
	}
	clone := *t
	return &clone, nil
}
