package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/pkg/errors"
)

func chatProvider(kind entities.ProviderKind) *entities.Provider {
	return &entities.Provider{
		ID:           "p1",
		Name:         "test",
		Kind:         kind,
		Model:        "test-model",
		Temperature:  0.3,
		MaxTokens:    500,
		SystemPrompt: "Eres el redactor municipal.",
		Active:       true,
	}
}

func TestChatClientExecute(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ACTA ORDINARIA N° 12"}},
			},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
		})
	}))
	defer server.Close()

	client := newChatClient(chatProvider(entities.ProviderOpenAI), server.URL, "sk-test")
	resp, err := client.Execute(context.Background(), "Redacta el encabezado.", map[string]any{
		"fecha": "2026-03-01",
	}, providers.CallOptions{SystemPrompts: []string{"Usa lenguaje formal."}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Text != "ACTA ORDINARIA N° 12" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Tokens != 120 {
		t.Errorf("tokens = %d, want 120", resp.Tokens)
	}

	messages, ok := captured["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected system + user messages, got %v", captured["messages"])
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" {
		t.Errorf("first message role = %v", system["role"])
	}
	content := system["content"].(string)
	if content != "Eres el redactor municipal.\n\nUsa lenguaje formal." {
		t.Errorf("system prompt composition wrong: %q", content)
	}
}

func TestChatClientExecuteErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errors.ErrorType
	}{
		{name: "Auth rejected", status: http.StatusUnauthorized, want: errors.ErrorTypeAuth},
		{name: "Throttled", status: http.StatusTooManyRequests, want: errors.ErrorTypeRateLimited},
		{name: "Backend down", status: http.StatusServiceUnavailable, want: errors.ErrorTypeServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := newChatClient(chatProvider(entities.ProviderDeepSeek), server.URL, "sk-test")
			_, err := client.Execute(context.Background(), "hola", nil, providers.CallOptions{})
			if err == nil {
				t.Fatal("Execute() expected error")
			}
			if got := errors.TypeOf(err); got != tt.want {
				t.Errorf("error type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestChatClientExecuteMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client := newChatClient(chatProvider(entities.ProviderGroq), server.URL, "sk-test")
	_, err := client.Execute(context.Background(), "hola", nil, providers.CallOptions{})
	if !errors.IsType(err, errors.ErrorTypeMalformed) {
		t.Errorf("expected MALFORMED, got %v", err)
	}
}

func TestChatClientProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "OK"}},
			},
			"usage": map[string]int{"total_tokens": 3},
		})
	}))
	defer server.Close()

	client := newChatClient(chatProvider(entities.ProviderOpenAI), server.URL, "sk-test")
	result, err := client.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !result.OK {
		t.Errorf("Probe() not OK: %s", result.Error)
	}
	if result.Sample != "OK" {
		t.Errorf("sample = %q", result.Sample)
	}
}

func TestChatClientProbeFailureIsNotError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newChatClient(chatProvider(entities.ProviderOpenAI), server.URL, "sk-bad")
	result, err := client.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.OK {
		t.Error("Probe() reported OK for rejected credentials")
	}
	if result.Error == "" {
		t.Error("Probe() missing error detail")
	}
}
