package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

// chatClient speaks the OpenAI chat-completions wire format. It backs the
// openai, deepseek, groq, lmstudio, and generic provider kinds, which all
// expose the same endpoint shape.
type chatClient struct {
	provider   *entities.Provider
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newChatClient(p *entities.Provider, baseURL, apiKey string) *chatClient {
	return &chatClient{
		provider: p,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: p.Timeout(),
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
}

// Execute sends a chat completion request.
func (c *chatClient) Execute(ctx context.Context, prompt string, payload map[string]any, opts providers.CallOptions) (*providers.Response, error) {
	kind := string(c.provider.Kind)

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

	messages := make([]chatMessage, 0, 2)
	system := composeSystemPrompt(append([]string{c.provider.SystemPrompt}, opts.SystemPrompts...)...)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: buildUserMessage(prompt, payload, opts.JSONContext),
	})

	reqBody := map[string]any{
		"model":       c.provider.Model,
		"messages":    messages,
		"temperature": temperature,
	}
	if maxTokens > 0 {
		reqBody["max_tokens"] = maxTokens
	}
	for k, v := range c.provider.ExtraParams {
		reqBody[k] = v
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrorTypeInternal, "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordAIMetric(ctx, kind, c.provider.Model, 0, time.Since(start), 0, err)
		return nil, classifyTransport(kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		recordAIMetric(ctx, kind, c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, classifyTransport(kind, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := classifyStatus(kind, resp.StatusCode, tail(raw, 300))
		recordAIMetric(ctx, kind, c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		recordAIMetric(ctx, kind, c.provider.Model, resp.StatusCode, time.Since(start), 0, err)
		return nil, errors.Wrap(errors.ErrorTypeMalformed, fmt.Sprintf("%s response is not valid JSON", kind), err)
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message.Content == "" {
		appErr := errors.New(errors.ErrorTypeMalformed, fmt.Sprintf("%s response has no choices", kind))
		recordAIMetric(ctx, kind, c.provider.Model, resp.StatusCode, time.Since(start), 0, appErr)
		return nil, appErr
	}

	tokens := envelope.Usage.TotalTokens
	recordAIMetric(ctx, kind, c.provider.Model, resp.StatusCode, time.Since(start), tokens, nil)

	model := envelope.Model
	if model == "" {
		model = c.provider.Model
	}
	return &providers.Response{
		Text:   strings.TrimSpace(envelope.Choices[0].Message.Content),
		Tokens: tokens,
		Model:  model,
		Raw:    raw,
	}, nil
}

// Probe issues a minimal completion to verify credentials and reachability.
func (c *chatClient) Probe(ctx context.Context) (*providers.ProbeResult, error) {
	start := time.Now()
	one := 5
	resp, err := c.Execute(ctx, "Responde con la palabra OK.", nil, providers.CallOptions{
		MaxTokens: &one,
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
