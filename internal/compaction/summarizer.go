package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// summarySystemPrompt asks for the structured bullet list a compacted
// context is rebuilt from. The section headers are load-bearing: readers
// and follow-up compactions key off them.
const summarySystemPrompt = `You condense conversation history for an AI assistant that will continue the conversation.

Summarize the transcript below as a bullet list under these headers:
- Goal: what the user is trying to accomplish
- Done: what has been completed so far, including important tool outcomes
- State: files, identifiers, decisions and other facts that must survive
- Next: what remains open or was about to happen

Keep every concrete identifier (paths, names, numbers) exactly as written.
Do not add commentary, preamble, or a closing line.`

// transcriptEntryLimit caps serialized tool payloads per message in the
// transcript handed to the summarizer.
const transcriptEntryLimit = 200

// ProviderSummarizer asks an LLM provider to summarize history.
type ProviderSummarizer struct {
	provider agent.Provider
	model    string
}

// NewProviderSummarizer creates a summarizer backed by the given provider.
// An empty model uses the provider's default.
func NewProviderSummarizer(provider agent.Provider, model string) *ProviderSummarizer {
	return &ProviderSummarizer{provider: provider, model: model}
}

// Summarize renders the messages into a transcript and requests a bounded
// summary. The returned text carries no tag; the engine adds it.
func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []models.Message, maxTokens int) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("summarizer has no provider")
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	req := &agent.CompletionRequest{
		Model:  s.model,
		System: summarySystemPrompt,
		Messages: []models.Message{
			models.NewTextMessage(models.RoleUser, FormatTranscript(messages)),
		},
		MaxTokens: maxTokens,
	}

	chunks, err := s.provider.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("summary stream: %w", chunk.Err)
		}
		text.WriteString(chunk.Text)
	}
	return text.String(), nil
}

// FormatTranscript renders messages into a plain-text transcript for the
// summarizer. Tool traffic is included in truncated form so outcomes
// survive without their full payloads.
func FormatTranscript(messages []models.Message) string {
	var sb strings.Builder

	for _, msg := range messages {
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(msg.Text())

		for _, p := range msg.Parts {
			switch p.Type {
			case models.PartToolCall:
				sb.WriteString(fmt.Sprintf("\n  [tool call %s: %s]", p.Name, truncate(string(p.Input), transcriptEntryLimit)))
			case models.PartToolResult:
				label := "tool result"
				if p.IsError {
					label = "tool error"
				}
				sb.WriteString(fmt.Sprintf("\n  [%s %s: %s]", label, p.Name, truncate(string(p.Output), transcriptEntryLimit)))
			}
		}

		sb.WriteString("\n\n")
	}

	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
