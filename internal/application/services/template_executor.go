package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// minConversationSegments is the smallest diarized conversation an acta can
// be composed from.
const minConversationSegments = 3

// lowConfidenceThreshold triggers a quality warning in the change log.
const lowConfidenceThreshold = 0.5

// Progress is split 10/80/10: validation head, segment window, unification
// tail.
const (
	progressValidated   = 10
	progressSegmentSpan = 80
	progressUnifying    = 90
	progressDone        = 100
)

// TemplateExecutor drives one composition run through the acta state
// machine: validate, resolve each segment binding in order, unify, render.
type TemplateExecutor struct {
	actas          repositories.ActaRepository
	templates      repositories.TemplateRepository
	transcriptions repositories.TranscriptionRepository
	resolver       *SegmentResolver
	registry       providers.AIRegistry
	progress       *ProgressSink
}

// NewTemplateExecutor creates a template executor.
func NewTemplateExecutor(
	actas repositories.ActaRepository,
	templates repositories.TemplateRepository,
	transcriptions repositories.TranscriptionRepository,
	resolver *SegmentResolver,
	registry providers.AIRegistry,
	progress *ProgressSink,
) *TemplateExecutor {
	return &TemplateExecutor{
		actas:          actas,
		templates:      templates,
		transcriptions: transcriptions,
		resolver:       resolver,
		registry:       registry,
		progress:       progress,
	}
}

// Execute runs one acta from queued to review. The acta ends in exactly one
// terminal state, with one final change-log entry.
func (e *TemplateExecutor) Execute(ctx context.Context, actaID string) error {
	ctx = observability.WithActa(ctx, actaID)
	start := time.Now()

	acta, err := e.actas.GetByID(ctx, actaID)
	if err != nil {
		return err
	}
	if acta.State != entities.StateQueued {
		return apperrors.NewConflictError(fmt.Sprintf("acta %q is in state %q, expected queued", actaID, acta.State))
	}

	if err := e.run(ctx, acta, start); err != nil {
		e.failRun(ctx, acta, err)
		return err
	}
	return nil
}

func (e *TemplateExecutor) run(ctx context.Context, acta *entities.Acta, start time.Time) error {
	logger := observability.LoggerFromContext(ctx)

	e.transition(acta, entities.StateProcessing)
	now := time.Now().UTC()
	acta.Timestamps.Started = &now
	acta.Progress = 0
	if err := e.progress.Report(ctx, acta, "started", ""); err != nil {
		return err
	}

	// Plan loading
	template, err := e.templates.GetTemplate(ctx, acta.TemplateRef)
	if err != nil {
		return err
	}
	if !template.Active {
		return apperrors.NewConfigError(fmt.Sprintf("template %q is inactive", template.Code))
	}
	if err := template.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeConfig, "template composition is invalid", err)
	}

	bindings := template.SortedComposition()
	refs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		refs = append(refs, b.SegmentRef)
	}
	segments, err := e.templates.ListSegmentsByRefs(ctx, refs)
	if err != nil {
		return err
	}

	// Input validation
	transcription, err := e.transcriptions.GetTranscription(ctx, acta.TranscriptionRef)
	if err != nil {
		return err
	}
	if err := validateTranscription(transcription); err != nil {
		return err
	}

	acta.Progress = progressValidated
	detail := ""
	if transcription.AverageConfidence > 0 && transcription.AverageConfidence < lowConfidenceThreshold {
		detail = fmt.Sprintf("low transcription confidence: %.2f", transcription.AverageConfidence)
		logger.Warn().Float64("confidence", transcription.AverageConfidence).Msg("transcription confidence below threshold")
	}
	if err := e.progress.Report(ctx, acta, "validated", detail); err != nil {
		return err
	}

	// Segment window
	e.transition(acta, entities.StateProcessingSegments)
	if acta.SegmentResults == nil {
		acta.SegmentResults = make(map[string]entities.ResolverResult, len(bindings))
	}
	runContext := buildRunContext(acta, transcription)

	for i, binding := range bindings {
		if err := checkCancelled(ctx); err != nil {
			return err
		}

		segment := segments[binding.SegmentRef]
		result := e.resolver.Resolve(ctx, ResolveRequest{
			Binding:             binding,
			Segment:             segment,
			TemplateProviderRef: template.DefaultProvider,
			RunProviderRef:      acta.ProviderRef,
			Context:             runContext,
		})

		acta.SegmentResults[binding.ID] = result
		acta.Progress = progressValidated + progressSegmentSpan*(i+1)/len(bindings)

		if result.Status == entities.ResultOK {
			runContext[segment.Code] = result.ParsedPayload
			if err := e.progress.Report(ctx, acta, "segment_completed", segment.Code); err != nil {
				return err
			}
			continue
		}

		mandatory := binding.Mandatory || segment.Reuse.Mandatory
		if mandatory {
			if result.ErrorClass == string(apperrors.ErrorTypeCancelled) {
				return apperrors.NewCancelledError(entities.CancelledByOperator)
			}
			return apperrors.New(apperrors.ErrorType(result.ErrorClass),
				fmt.Sprintf("mandatory segment %q failed: %s", segment.Code, result.ErrorMessage))
		}
		if err := e.progress.Report(ctx, acta, "segment_skipped",
			fmt.Sprintf("%s: %s", segment.Code, result.ErrorMessage)); err != nil {
			return err
		}
	}

	// Unification
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	e.transition(acta, entities.StateUnifying)
	acta.Progress = progressUnifying
	if err := e.progress.Report(ctx, acta, "unifying", ""); err != nil {
		return err
	}

	ordered := acta.OrderedResults()
	acta.DraftText = concatenateResults(ordered)
	finalText, unifyStats := e.unify(ctx, acta, template, ordered)
	acta.FinalText = finalText
	acta.FinalHTML = renderFinalHTML(acta, ordered)

	// Final persistence
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	e.transition(acta, entities.StateReview)
	acta.Progress = progressDone
	acta.ErrorMessage = ""
	reviewed := time.Now().UTC()
	acta.Timestamps.Reviewed = &reviewed
	acta.Metrics = runMetrics(acta, ordered, unifyStats, time.Since(start))

	return e.progress.Report(ctx, acta, "completed", "")
}

// transition applies a state change, panicking on programmer error: the
// executor must never attempt an illegal transition.
func (e *TemplateExecutor) transition(acta *entities.Acta, to entities.ActaState) {
	if !entities.CanTransition(acta.State, to) {
		panic(fmt.Sprintf("illegal acta transition %s -> %s", acta.State, to))
	}
	acta.State = to
}

// failRun drives the acta to its error terminal state with exactly one final
// change-log entry.
func (e *TemplateExecutor) failRun(ctx context.Context, acta *entities.Acta, cause error) {
	logger := observability.LoggerFromContext(ctx)

	event := "failed"
	message := cause.Error()
	if apperrors.IsType(cause, apperrors.ErrorTypeCancelled) {
		event = "cancelled"
		message = entities.CancelledByOperator
	}

	acta.State = entities.StateError
	acta.ErrorMessage = message

	// Reporting must survive a cancelled context.
	reportCtx := context.WithoutCancel(ctx)
	if err := e.progress.Report(reportCtx, acta, event, message); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal error state")
	}
}

// unify produces the final text through the template's global prompt. When
// the provider call fails the run is not lost: the concatenated draft is
// used and the run is marked degraded.
func (e *TemplateExecutor) unify(ctx context.Context, acta *entities.Acta, template *entities.Template, ordered []entities.ResolverResult) (string, map[string]any) {
	logger := observability.LoggerFromContext(ctx)
	stats := map[string]any{"degraded": false}

	if template.GlobalPrompt == "" {
		return acta.DraftText, stats
	}

	ref := template.DefaultProvider
	if ref == "" {
		ref = acta.ProviderRef
	}
	if ref == "" {
		stats["degraded"] = true
		stats["degraded_reason"] = "no provider available for unification"
		return acta.DraftText, stats
	}

	adapter, err := e.registry.Get(ctx, ref)
	if err == nil {
		var resp *providers.Response
		resp, err = adapter.Execute(ctx, template.GlobalPrompt, map[string]any{
			"borrador": acta.DraftText,
			"numero":   acta.Number,
			"titulo":   acta.Title,
		}, providers.CallOptions{})
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			stats["unification_tokens"] = resp.Tokens
			stats["unification_provider"] = ref
			return strings.TrimSpace(resp.Text), stats
		}
	}

	if err != nil {
		logger.Warn().Err(err).Msg("unification failed, falling back to concatenation")
		stats["degraded_reason"] = err.Error()
	} else {
		stats["degraded_reason"] = "empty unification response"
	}
	stats["degraded"] = true
	return acta.DraftText, stats
}

func checkCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return apperrors.NewCancelledError(entities.CancelledByOperator)
	}
	return nil
}

func validateTranscription(t *entities.Transcription) error {
	if len(t.ConversationSegments) == 0 {
		return apperrors.NewInputInvalidError("transcription has no diarized conversation")
	}
	if len(t.ConversationSegments) < minConversationSegments {
		return apperrors.NewInputInvalidError(fmt.Sprintf(
			"transcription has %d conversation segments, at least %d required",
			len(t.ConversationSegments), minConversationSegments))
	}
	return nil
}

// buildRunContext assembles the variables segments can declare as inputs.
func buildRunContext(acta *entities.Acta, t *entities.Transcription) map[string]any {
	speakers := t.Speakers()
	return map[string]any{
		"transcripcion":  t.DialogueText(),
		"texto_completo": t.FullText,
		"hablantes":      strings.Join(speakers, ", "),
		"num_hablantes":  len(speakers),
		"duracion":       t.DurationSeconds,
		"fecha_sesion":   acta.SessionDate.Format("2006-01-02"),
		"titulo":         acta.Title,
		"numero_acta":    acta.Number,
	}
}

func runMetrics(acta *entities.Acta, ordered []entities.ResolverResult, unifyStats map[string]any, elapsed time.Duration) map[string]any {
	var tokens int64
	ok, failed := 0, 0
	for _, r := range ordered {
		tokens += r.Tokens
		if r.Status == entities.ResultOK {
			ok++
		} else {
			failed++
		}
	}
	metrics := map[string]any{
		"total_tokens":    tokens,
		"segments_ok":     ok,
		"segments_failed": failed,
		"duration_ms":     elapsed.Milliseconds(),
	}
	for k, v := range unifyStats {
		metrics[k] = v
	}
	return metrics
}
