package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates structured message parts.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one element of a structured message body. Text carries the
// payload for text and reasoning parts; tool parts use the call fields.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is one conversation entry. Content holds plain-string bodies;
// structured bodies use Parts instead. Both may be set, in which case
// Parts is authoritative.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// NewTextMessage builds a plain-string message for the given role.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: text, CreatedAt: time.Now()}
}

// NewToolResultMessage builds a tool message answering the given call.
func NewToolResultMessage(callID, name string, output json.RawMessage, isError bool) Message {
	return Message{
		Role: RoleTool,
		Parts: []Part{{
			Type:       PartToolResult,
			ToolCallID: callID,
			Name:       name,
			Output:     output,
			IsError:    isError,
		}},
		CreatedAt: time.Now(),
	}
}

// Text returns the message's visible text: Content when set, otherwise
// the concatenation of its text parts.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool-call parts in order.
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// ToolResults returns the message's tool-result parts in order.
func (m Message) ToolResults() []Part {
	var results []Part
	for _, p := range m.Parts {
		if p.Type == PartToolResult {
			results = append(results, p)
		}
	}
	return results
}

// ValidateToolPairing checks that every tool-result part in the sequence
// references a tool-call part that appeared earlier, and that tool-call
// ids are unique across the sequence.
func ValidateToolPairing(messages []Message) error {
	seen := make(map[string]bool)
	for i, m := range messages {
		for _, p := range m.Parts {
			switch p.Type {
			case PartToolCall:
				if p.ToolCallID == "" {
					return fmt.Errorf("message %d: tool call %q has no id", i, p.Name)
				}
				if seen[p.ToolCallID] {
					return fmt.Errorf("message %d: duplicate tool call id %q", i, p.ToolCallID)
				}
				seen[p.ToolCallID] = true
			case PartToolResult:
				if !seen[p.ToolCallID] {
					return fmt.Errorf("message %d: tool result references unknown call id %q", i, p.ToolCallID)
				}
			}
		}
	}
	return nil
}
