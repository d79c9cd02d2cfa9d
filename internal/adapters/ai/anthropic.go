package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

const anthropicVersion = "2023-06-01"

// anthropicClient speaks the Anthropic messages API.
type anthropicClient struct {
	provider   *entities.Provider
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAnthropicClient(p *entities.Provider, baseURL, apiKey string) *anthropicClient {
	return &anthropicClient{
		provider: p,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: p.Timeout(),
		},
	}
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Model   string             `json:"model"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Execute sends a messages request.
func (c *anthropicClient) Execute(ctx context.Context, prompt string, payload map[string]any, opts providers.CallOptions) (*providers.Response, error) {
	temperature := c.provider.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.provider.MaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	if maxTokens <= 0 {
		// max_tokens is mandatory on this API
		maxTokens = 4096
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	reqBody := map[string]any{
		"model":       c.provider.Model,
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"messages": []map[string]string{
			{"role": "user", "content": buildUserMessage(prompt, payload, opts.JSONContext)},
		},
	}
	system := composeSystemPrompt(append([]string{c.provider.SystemPrompt}, opts.SystemPrompts...)...)
	if system != "" {
		reqBody["system"] = system
	}
	for k, v := range c.provider.ExtraParams {
		reqBody[k] = v
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to encode anthropic request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to build anthropic request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordAIMetric(ctx, "anthropic", c.provider.Model, 0, time.Since(start), 0, err)
		return nil, classifyTransport("anthropic", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		recordAIMetric(ctx, "anthropic", c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, classifyTransport("anthropic", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := classifyStatus("anthropic", resp.StatusCode, tail(raw, 300))
		recordAIMetric(ctx, "anthropic", c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	var envelope anthropicResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		recordAIMetric(ctx, "anthropic", c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, errors.Wrap(errors.ErrorTypeMalformed, "anthropic response is not valid JSON", err)
	}

	var text string
	for _, content := range envelope.Content {
		if content.Type == "text" && content.Text != "" {
			text = content.Text
			break
		}
	}
	if text == "" {
		appErr := errors.New(errors.ErrorTypeMalformed, "anthropic response has no text content")
		recordAIMetric(ctx, "anthropic", c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	tokens := envelope.Usage.InputTokens + envelope.Usage.OutputTokens
	recordAIMetric(ctx, "anthropic", c.provider.Model, resp.StatusCode, time.Since(start), tokens, nil)

	model := envelope.Model
	if model == "" {
		model = c.provider.Model
	}
	return &providers.Response{
		Text:   strings.TrimSpace(text),
		Tokens: tokens,
		Model:  model,
		Raw:    raw,
	}, nil
}

// Probe issues a minimal completion to verify credentials and reachability.
func (c *anthropicClient) Probe(ctx context.Context) (*providers.ProbeResult, error) {
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
