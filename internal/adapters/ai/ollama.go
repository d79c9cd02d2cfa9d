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

// ollamaClient speaks the Ollama generate API. No credential is required;
// the endpoint must be reachable.
type ollamaClient struct {
	provider   *entities.Provider
	baseURL    string
	httpClient *http.Client
}

func newOllamaClient(p *entities.Provider, baseURL string) *ollamaClient {
	return &ollamaClient{
		provider: p,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: p.Timeout(),
		},
	}
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// Execute sends a non-streaming generate request.
func (c *ollamaClient) Execute(ctx context.Context, prompt string, payload map[string]any, opts providers.CallOptions) (*providers.Response, error) {
	temperature := c.provider.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := c.provider.MaxTokens
	if opts.MaxTokens != nil {
		maxTokens = *opts.MaxTokens
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	options := map[string]any{
		"temperature": temperature,
	}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	for k, v := range c.provider.ExtraParams {
		options[k] = v
	}

	reqBody := map[string]any{
		"model":   c.provider.Model,
		"prompt":  buildUserMessage(prompt, payload, opts.JSONContext),
		"stream":  false,
		"options": options,
	}
	system := composeSystemPrompt(append([]string{c.provider.SystemPrompt}, opts.SystemPrompts...)...)
	if system != "" {
		reqBody["system"] = system
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to encode ollama request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to build ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordAIMetric(ctx, "ollama", c.provider.Model, 0, time.Since(start), 0, err)
		return nil, classifyTransport("ollama", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		recordAIMetric(ctx, "ollama", c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, classifyTransport("ollama", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := classifyStatus("ollama", resp.StatusCode, tail(raw, 300))
		recordAIMetric(ctx, "ollama", c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	var envelope ollamaResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		recordAIMetric(ctx, "ollama", c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, errors.Wrap(errors.ErrorTypeMalformed, "ollama response is not valid JSON", err)
	}
	if envelope.Response == "" {
		appErr := errors.New(errors.ErrorTypeMalformed, "ollama response is empty")
		recordAIMetric(ctx, "ollama", c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	tokens := envelope.PromptEvalCount + envelope.EvalCount
	recordAIMetric(ctx, "ollama", c.provider.Model, resp.StatusCode, time.Since(start), tokens, nil)

	model := envelope.Model
	if model == "" {
		model = c.provider.Model
	}
	return &providers.Response{
		Text:   strings.TrimSpace(envelope.Response),
		Tokens: tokens,
		Model:  model,
		Raw:    raw,
	}, nil
}

// Probe checks the local endpoint by listing installed models.
func (c *ollamaClient) Probe(ctx context.Context) (*providers.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to build ollama probe request", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	result := &providers.ProbeResult{}
	if err != nil {
		result.LatencyMillis = time.Since(start).Milliseconds()
		result.Error = classifyTransport("ollama", err).Error()
		return result, nil
	}
	defer resp.Body.Close()
	result.LatencyMillis = time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		result.Error = classifyStatus("ollama", resp.StatusCode, tail(raw, 300)).Error()
		return result, nil
	}

	result.OK = true
	return result, nil
}
