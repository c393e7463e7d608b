package providers

import (
	"encoding/json"
	"testing"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
	if p.model != "claude-sonnet-4-20250514" {
		t.Errorf("default model = %q, want claude-sonnet-4-20250514", p.model)
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "dropped, handled via params"},
		{Role: models.RoleUser, Content: "What's 2+2?"},
		{
			Role: models.RoleAssistant,
			Parts: []models.Part{
				{Type: models.PartText, Text: "Let me calculate."},
				{Type: models.PartToolCall, ToolCallID: "toolu_1", Name: "calc", Input: json.RawMessage(`{"expr":"2+2"}`)},
			},
		},
		{
			Role: models.RoleTool,
			Parts: []models.Part{
				{Type: models.PartToolResult, ToolCallID: "toolu_1", Name: "calc", Output: json.RawMessage(`{"result":4}`)},
			},
		},
	}

	got, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}

	// System message dropped: user, assistant, tool-result-as-user.
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Role != "user" {
		t.Errorf("message 0 role = %q, want user", got[0].Role)
	}
	if got[1].Role != "assistant" {
		t.Errorf("message 1 role = %q, want assistant", got[1].Role)
	}
	if len(got[1].Content) != 2 {
		t.Errorf("assistant has %d content blocks, want text + tool_use", len(got[1].Content))
	}
	// Tool results ride in a user message.
	if got[2].Role != "user" {
		t.Errorf("message 2 role = %q, want user", got[2].Role)
	}
}

func TestConvertAnthropicMessages_RejectsBadToolInput(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			Parts: []models.Part{
				{Type: models.PartToolCall, ToolCallID: "toolu_1", Name: "calc", Input: json.RawMessage(`{broken`)},
			},
		},
	}
	if _, err := convertAnthropicMessages(messages); err == nil {
		t.Error("expected error for unparseable tool input")
	}
}

func TestConvertAnthropicMessages_SkipsEmpty(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant},
	}
	got, err := convertAnthropicMessages(messages)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d messages, want empty assistant dropped", len(got))
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	tools := []agent.ToolSpec{
		{
			Name:        "calc",
			Description: "Evaluates arithmetic",
			Schema:      []byte(`{"type":"object","properties":{"expr":{"type":"string"}}}`),
		},
	}

	got, err := convertAnthropicTools(tools)
	if err != nil {
		t.Fatalf("convertAnthropicTools() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d tools, want 1", len(got))
	}
	if got[0].OfTool == nil {
		t.Fatal("tool union missing OfTool")
	}
	if got[0].OfTool.Name != "calc" {
		t.Errorf("tool name = %q, want calc", got[0].OfTool.Name)
	}

	if _, err := convertAnthropicTools([]agent.ToolSpec{{Name: "bad", Schema: []byte(`{`)}}); err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestMapAnthropicStop(t *testing.T) {
	tests := []struct {
		stop         string
		hasToolCalls bool
		want         agent.FinishReason
	}{
		{"end_turn", false, agent.FinishStop},
		{"stop_sequence", false, agent.FinishStop},
		{"tool_use", true, agent.FinishToolCalls},
		{"max_tokens", false, agent.FinishLength},
		{"refusal", false, agent.FinishContentFilter},
		{"", true, agent.FinishToolCalls},
		{"", false, agent.FinishStop},
	}
	for _, tt := range tests {
		if got := mapAnthropicStop(tt.stop, tt.hasToolCalls); got != tt.want {
			t.Errorf("mapAnthropicStop(%q, %v) = %q, want %q", tt.stop, tt.hasToolCalls, got, tt.want)
		}
	}
}
