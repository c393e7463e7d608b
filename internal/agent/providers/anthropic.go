package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// defaultAnthropicMaxTokens caps generation when the request carries no
// budget. The messages API requires an explicit value.
const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements agent.Provider against the Anthropic
// messages API.
//
// Anthropic differs from OpenAI in a few ways the conversion layer
// absorbs: the system prompt is a separate request field rather than a
// leading message, tool results travel inside user messages as content
// blocks, and tool-call input arrives as JSON fragments attached to a
// content block rather than indexed deltas.
//
// AnthropicProvider is safe for concurrent use.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses the official one.
	BaseURL string

	// Model is the default model when the request carries no override.
	Model string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(options...),
		model:  cfg.Model,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream sends a completion request and returns a channel of chunks. The
// channel is closed after the final Done or Err chunk.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.resolveModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return p.model
}

// processStream walks the SSE event sequence and converts it to runtime
// chunks. Tool-use blocks open on content_block_start, collect their input
// from input_json_delta fragments, and complete on content_block_stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)

	var (
		currentTool  *models.Part
		toolInput    strings.Builder
		text         strings.Builder
		calls        []models.Part
		stopReason   string
		inputTokens  int
		outputTokens int
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.Part{
					Type:       models.PartToolCall,
					ToolCallID: toolUse.ID,
					Name:       toolUse.Name,
				}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				calls = append(calls, *currentTool)
				chunks <- &agent.CompletionChunk{ToolCall: currentTool}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}

		case "message_stop":
			reason := mapAnthropicStop(stopReason, len(calls) > 0)
			chunks <- &agent.CompletionChunk{
				StepFinish: &agent.Step{Text: text.String(), ToolCalls: calls, FinishReason: reason},
			}
			chunks <- &agent.CompletionChunk{
				Done:         true,
				FinishReason: reason,
				Usage:        &agent.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
			}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Err: wrapAnthropicError(errors.New("anthropic: stream error"))}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: wrapAnthropicError(err)}
		return
	}
	// The stream ended without message_stop. Close out with what arrived.
	reason := mapAnthropicStop(stopReason, len(calls) > 0)
	chunks <- &agent.CompletionChunk{
		StepFinish: &agent.Step{Text: text.String(), ToolCalls: calls, FinishReason: reason},
	}
	chunks <- &agent.CompletionChunk{Done: true, FinishReason: reason}
}

func mapAnthropicStop(stopReason string, hasToolCalls bool) agent.FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return agent.FinishStop
	case "tool_use":
		return agent.FinishToolCalls
	case "max_tokens":
		return agent.FinishLength
	case "refusal":
		return agent.FinishContentFilter
	default:
		if hasToolCalls {
			return agent.FinishToolCalls
		}
		return agent.FinishStop
	}
}

// convertAnthropicMessages maps runtime messages to Anthropic message
// params. System messages are excluded; the caller passes the system
// prompt as a request field. Tool messages become user messages carrying
// tool_result blocks.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if text := msg.Text(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}

		for _, tr := range msg.ToolResults() {
			content = append(content, anthropic.NewToolResultBlock(
				tr.ToolCallID,
				string(tr.Output),
				tr.IsError,
			))
		}

		for _, call := range msg.ToolCalls() {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s input: %w", call.ToolCallID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ToolCallID, input, call.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}

	return result, nil
}

// wrapAnthropicError lifts SDK errors into classified provider errors.
func wrapAnthropicError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := err.Error()
		var payload struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if raw := apiErr.RawJSON(); raw != "" {
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				message = payload.Error.Message
			}
		}
		return &agent.ProviderError{
			Status:  apiErr.StatusCode,
			Message: message,
			Cause:   err,
		}
	}

	return fmt.Errorf("anthropic: %w", err)
}
