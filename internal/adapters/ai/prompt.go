package ai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// composeSystemPrompt joins the non-empty prompt layers with blank lines.
// Callers pass them in precedence order: provider-global, template-global,
// segment-specific.
func composeSystemPrompt(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// buildUserMessage renders the prompt followed by its context payload. When
// jsonContext is set the payload is serialized as a JSON block so structured
// output contracts see structured input; otherwise each entry becomes a
// labeled section in key order.
func buildUserMessage(prompt string, payload map[string]any, jsonContext bool) string {
	prompt = strings.TrimSpace(prompt)
	if len(payload) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n")

	if jsonContext {
		b.WriteString("Contexto:\n")
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			data = []byte(fmt.Sprintf("%v", payload))
		}
		b.Write(data)
		return b.String()
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("## %s\n%s", k, stringifyValue(payload[k])))
	}
	return b.String()
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// stripCodeFence removes a surrounding Markdown code block if present. AI
// backends routinely wrap JSON answers in ```json fences.
func stripCodeFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimSuffix(cleaned, "```")
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		// Drop a language tag on the fence line
		if idx := strings.Index(cleaned, "\n"); idx >= 0 && !strings.ContainsAny(cleaned[:idx], " \t{[") {
			cleaned = cleaned[idx+1:]
		}
		cleaned = strings.TrimSuffix(cleaned, "```")
	}
	return strings.TrimSpace(cleaned)
}
