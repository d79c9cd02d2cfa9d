package ai

import (
	"context"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

// googleClient wraps the Gemini SDK behind the uniform provider surface.
type googleClient struct {
	provider *entities.Provider
	apiKey   string
}

func newGoogleClient(p *entities.Provider, apiKey string) *googleClient {
	return &googleClient{provider: p, apiKey: apiKey}
}

// Execute sends a generate-content request.
func (c *googleClient) Execute(ctx context.Context, prompt string, payload map[string]any, opts providers.CallOptions) (*providers.Response, error) {
	timeout := c.provider.Timeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeConfig, "failed to create gemini client", err)
	}

	temperature := float32(c.provider.Temperature)
	if opts.Temperature != nil {
		temperature = float32(*opts.Temperature)
	}
	maxTokens := c.provider.MaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	system := composeSystemPrompt(append([]string{c.provider.SystemPrompt}, opts.SystemPrompts...)...)
	if system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	start := time.Now()
	result, err := client.Models.GenerateContent(ctx, c.provider.Model,
		genai.Text(buildUserMessage(prompt, payload, opts.JSONContext)), cfg)
	if err != nil {
		appErr := classifyGeminiError(err)
		recordAIMetric(ctx, "google", c.provider.Model, 0, time.Since(start), 0, appErr)
		return nil, appErr
	}

	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		appErr := errors.New(errors.ErrorTypeMalformed, "gemini response has no candidates")
		recordAIMetric(ctx, "google", c.provider.Model, 0, time.Since(start), 0, appErr)
		return nil, appErr
	}

	var text string
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			text += part.Text
		}
	}
	if text == "" {
		appErr := errors.New(errors.ErrorTypeMalformed, "gemini response has no text parts")
		recordAIMetric(ctx, "google", c.provider.Model, 0, time.Since(start), 0, appErr)
		return nil, appErr
	}

	var tokens int64
	if result.UsageMetadata != nil {
		tokens = int64(result.UsageMetadata.TotalTokenCount)
	}
	recordAIMetric(ctx, "google", c.provider.Model, 0, time.Since(start), tokens, nil)

	return &providers.Response{
		Text:   strings.TrimSpace(text),
		Tokens: tokens,
		Model:  c.provider.Model,
	}, nil
}

// Probe issues a minimal completion to verify credentials.
func (c *googleClient) Probe(ctx context.Context) (*providers.ProbeResult, error) {
	start := time.Now()
	five := 5
	resp, err := c.Execute(ctx, "Responde con la palabra OK.", nil, providers.CallOptions{
		MaxTokens: &five,
		Timeout:   15 * time.Second,
	})
	result := &providers.ProbeResult{LatencyMillis: time.Since(start).Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	result.OK = true
	result.Sample = resp.Text
	return result, nil
}

// classifyGeminiError maps SDK failures to the taxonomy. The SDK folds
// status codes into the error string.
func classifyGeminiError(err error) *errors.AppError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") || strings.Contains(msg, "quota"):
		return errors.Wrap(errors.ErrorTypeRateLimited, "gemini request throttled", err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "PERMISSION_DENIED") || strings.Contains(msg, "API key"):
		return errors.Wrap(errors.ErrorTypeAuth, "gemini rejected the credentials", err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "INVALID_ARGUMENT"):
		return errors.Wrap(errors.ErrorTypeBadRequest, "gemini rejected the request", err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE") || strings.Contains(msg, "INTERNAL"):
		return errors.Wrap(errors.ErrorTypeServer, "gemini backend error", err)
	default:
		return classifyTransport("google", err)
	}
}
