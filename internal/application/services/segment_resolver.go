package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// generatedSlot is the scaffold placeholder a hybrid segment fills with the
// provider output. Scaffolds without it get the output appended.
const generatedSlot = "{{contenido_generado}}"

// SegmentResolver turns one segment binding into its rendered contribution to
// the acta, calling an AI provider for dynamic and hybrid segments.
type SegmentResolver struct {
	registry providers.AIRegistry
	segments repositories.SegmentRepository
}

// NewSegmentResolver creates a segment resolver.
func NewSegmentResolver(registry providers.AIRegistry, segments repositories.SegmentRepository) *SegmentResolver {
	return &SegmentResolver{registry: registry, segments: segments}
}

// ResolveRequest carries everything one binding resolution needs.
type ResolveRequest struct {
	Binding entities.SegmentBinding
	Segment *entities.Segment

	// Provider precedence: segment default, then template default, then the
	// provider chosen for the run.
	TemplateProviderRef string
	RunProviderRef      string

	// Context accumulates the transcription view plus prior segment payloads
	// keyed by segment code.
	Context map[string]any

	// SystemPrompts are extra system layers composed after the provider's
	// own (segment-specific last).
	SystemPrompts []string
}

func (req *ResolveRequest) providerRef() string {
	if req.Segment.DefaultProvider != "" {
		return req.Segment.DefaultProvider
	}
	if req.TemplateProviderRef != "" {
		return req.TemplateProviderRef
	}
	return req.RunProviderRef
}

// Resolve executes one binding. Failures are encoded in the result status
// and error class; the executor decides whether they are fatal.
func (r *SegmentResolver) Resolve(ctx context.Context, req ResolveRequest) entities.ResolverResult {
	start := time.Now()
	result := entities.ResolverResult{
		BindingID:   req.Binding.ID,
		SegmentCode: req.Segment.Code,
		SegmentName: req.Segment.Name,
		Order:       req.Binding.Order,
		Status:      entities.ResultOK,
	}
	logger := observability.LoggerFromContext(ctx)

	err := r.resolve(ctx, req, &result)
	result.LatencyMillis = time.Since(start).Milliseconds()

	if err != nil {
		result.Status = entities.ResultFailed
		result.ErrorClass = string(apperrors.TypeOf(err))
		result.ErrorMessage = err.Error()
		logger.Warn().
			Str("segment", req.Segment.Code).
			Str("error_class", result.ErrorClass).
			Int("attempts", result.Attempts).
			Msg("segment resolution failed")
	}

	if req.Segment.IsDynamic() {
		if mErr := r.segments.RecordUse(ctx, req.Segment.Code, result.LatencyMillis, err == nil); mErr != nil {
			logger.Warn().Err(mErr).Str("segment", req.Segment.Code).Msg("failed to record segment use")
		}
	}
	return result
}

func (r *SegmentResolver) resolve(ctx context.Context, req ResolveRequest, result *entities.ResolverResult) error {
	if err := req.Segment.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrorTypeConfig, "segment is misconfigured", err)
	}
	if !req.Segment.Active {
		return apperrors.NewConfigError(fmt.Sprintf("segment %q is inactive", req.Segment.Code))
	}

	vars := r.substitutionVars(req)

	switch req.Segment.Mode {
	case entities.SegmentStatic:
		rendered, warnings := substituteVariables(req.Segment.LiteralPayload, vars)
		result.Warnings = append(result.Warnings, warnings...)
		result.Rendered = r.applyMaxLength(req.Segment, rendered, result)
		result.ParsedPayload = result.Rendered
		return nil

	case entities.SegmentDynamic:
		rendered, err := r.callProvider(ctx, req, result, vars)
		if err != nil {
			return err
		}
		result.Rendered = r.applyMaxLength(req.Segment, rendered, result)
		return nil

	case entities.SegmentHybrid:
		scaffold, warnings := substituteVariables(req.Segment.LiteralPayload, vars)
		result.Warnings = append(result.Warnings, warnings...)

		generated, err := r.callProvider(ctx, req, result, vars)
		if err != nil {
			return err
		}

		var rendered string
		if strings.Contains(req.Segment.LiteralPayload, generatedSlot) {
			rendered = strings.ReplaceAll(scaffold, generatedSlot, generated)
		} else {
			rendered = scaffold + "\n\n" + generated
		}
		result.Rendered = r.applyMaxLength(req.Segment, rendered, result)
		// Downstream segments read the filled scaffold, not the bare
		// provider fragment.
		result.ParsedPayload = result.Rendered
		return nil

	default:
		return apperrors.NewConfigError(fmt.Sprintf("segment %q: unknown mode %q", req.Segment.Code, req.Segment.Mode))
	}
}

// substitutionVars builds the flat string map for {{variable}} substitution.
// Binding overrides win over segment custom variables, which win over run
// context values.
func (r *SegmentResolver) substitutionVars(req ResolveRequest) map[string]string {
	vars := make(map[string]string)
	for k, v := range req.Context {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	for k, v := range req.Segment.CustomVariables {
		vars[k] = v
	}
	for k, v := range req.Binding.ParamOverrides {
		vars[k] = v
	}
	return vars
}

// substituteVariables replaces {{name}} occurrences, leaving unknown
// variables literal and reporting them as warnings.
func substituteVariables(text string, vars map[string]string) (string, []string) {
	var warnings []string
	seen := make(map[string]struct{})
	out := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			warnings = append(warnings, fmt.Sprintf("unknown variable %q left as-is", name))
		}
		return match
	})
	return out, warnings
}

// buildPayload selects the declared input variables from the run context.
// Missing variables are warnings, not failures.
func buildPayload(req ResolveRequest, result *entities.ResolverResult) map[string]any {
	if len(req.Segment.InputVariables) == 0 {
		return nil
	}
	payload := make(map[string]any, len(req.Segment.InputVariables))
	for _, name := range req.Segment.InputVariables {
		if value, ok := req.Context[name]; ok {
			payload[name] = value
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("input variable %q not available", name))
		}
	}
	return payload
}

// callProvider executes the provider call with retries and enforces the
// output contract inside the retry loop, so a malformed answer gets another
// attempt like any other retryable failure.
func (r *SegmentResolver) callProvider(ctx context.Context, req ResolveRequest, result *entities.ResolverResult, vars map[string]string) (string, error) {
	ref := req.providerRef()
	if ref == "" {
		return "", apperrors.NewConfigError(fmt.Sprintf("segment %q has no provider to resolve against", req.Segment.Code))
	}

	adapter, err := r.registry.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	result.ProviderUsed = ref

	prompt := req.Segment.Prompt
	if req.Binding.PromptOverride != "" {
		prompt = req.Binding.PromptOverride
	}
	prompt, warnings := substituteVariables(prompt, vars)
	result.Warnings = append(result.Warnings, warnings...)

	payload := buildPayload(req, result)

	opts := providers.CallOptions{
		SystemPrompts: append(append([]string(nil), req.SystemPrompts...), req.Segment.SystemPrompt),
		JSONContext:   req.Segment.OutputContract == entities.ContractJSON,
	}

	maxAttempts := req.Segment.Limits.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// The segment timeout caps the whole attempt loop, retries and backoff
	// waits included. Each call still runs under the provider's own timeout.
	ctx, cancel := context.WithTimeout(ctx, req.Segment.Limits.Timeout())
	defer cancel()

	policy := backoff.WithContext(backoff.WithMaxRetries(newAttemptBackoff(), uint64(maxAttempts-1)), ctx)

	var rendered string
	err = backoff.Retry(func() error {
		result.Attempts++
		resp, callErr := adapter.Execute(ctx, prompt, payload, opts)
		if callErr != nil {
			if !apperrors.Retryable(callErr) {
				return backoff.Permanent(callErr)
			}
			return callErr
		}
		result.Tokens += resp.Tokens
		result.RawResponse = resp.Text

		rendered, callErr = r.renderResponse(req.Segment, resp, result)
		if callErr != nil {
			return callErr
		}
		return nil
	}, policy)
	if err != nil {
		return "", err
	}
	return rendered, nil
}

func newAttemptBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// renderResponse enforces the segment's output contract on the provider
// text. JSON contracts parse the payload (after stripping a markdown code
// fence) and keep the structured form for downstream segments.
func (r *SegmentResolver) renderResponse(segment *entities.Segment, resp *providers.Response, result *entities.ResolverResult) (string, error) {
	text := strings.TrimSpace(resp.Text)

	if segment.OutputContract == entities.ContractJSON {
		cleaned := stripFence(text)
		var parsed any
		if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
			return "", apperrors.Wrap(apperrors.ErrorTypeMalformed,
				fmt.Sprintf("segment %q: response does not satisfy the json contract", segment.Code), err)
		}
		result.ParsedPayload = parsed
		return cleaned, nil
	}

	result.ParsedPayload = text
	return text, nil
}

func (r *SegmentResolver) applyMaxLength(segment *entities.Segment, rendered string, result *entities.ResolverResult) string {
	max := segment.Limits.MaxLength
	if max > 0 && len(rendered) > max {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("rendered payload truncated from %d to %d characters", len(rendered), max))
		return rendered[:max]
	}
	return rendered
}

// stripFence removes a surrounding markdown code block, the way AI backends
// habitually wrap JSON answers.
func stripFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}
