package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// OpenAIProvider implements agent.Provider against the OpenAI
// chat-completions API and any compatible gateway.
//
// The provider converts between the runtime's message format and OpenAI's,
// streams text deltas as they arrive, and accumulates incremental tool-call
// fragments until the stream finishes. Retry policy lives in the agent
// loop; the provider surfaces failures as classified errors and never
// retries on its own.
//
// OpenAI streaming specifics:
//   - System prompts are injected as the first message in the array.
//   - Tool calls arrive incrementally; ID, name and argument fragments
//     must be accumulated per index before the call is usable.
//   - Tool results are separate messages, one per tool call.
//
// OpenAIProvider is safe for concurrent use. Each Stream call creates an
// independent SDK stream and goroutine.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible
	// gateways. Empty uses the official endpoint.
	BaseURL string

	// Model is the default model when the request carries no override.
	Model string
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream sends a completion request and returns a channel of chunks. Text
// deltas are emitted as they arrive; accumulated tool calls are emitted
// once complete, in request order. The channel is closed after the final
// Done or Err chunk.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         p.resolveModel(req.Model),
		Messages:      convertOpenAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) resolveModel(override string) string {
	if override != "" {
		return override
	}
	return p.model
}

// processStream drains the SDK stream and converts it to runtime chunks.
// Tool-call fragments are keyed by choice index and flushed on EOF, so a
// partial fragment never escapes as a malformed call.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	var (
		pending = make(map[int]*models.Part)
		order   []int
		text    strings.Builder
		finish  openai.FinishReason
		usage   *agent.Usage
	)

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finishStream(chunks, pending, order, text.String(), finish, usage)
				return
			}
			chunks <- &agent.CompletionChunk{Err: wrapOpenAIError(err)}
			return
		}

		if response.Usage != nil {
			usage = &agent.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			part, ok := pending[index]
			if !ok {
				part = &models.Part{Type: models.PartToolCall}
				pending[index] = part
				order = append(order, index)
			}
			if tc.ID != "" {
				part.ToolCallID = tc.ID
			}
			if tc.Function.Name != "" {
				part.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				part.Input = append(part.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			finish = choice.FinishReason
		}
	}
}

// finishStream flushes completed tool calls in arrival order and emits the
// closing StepFinish and Done chunks.
func (p *OpenAIProvider) finishStream(chunks chan<- *agent.CompletionChunk, pending map[int]*models.Part, order []int, text string, finish openai.FinishReason, usage *agent.Usage) {
	var calls []models.Part
	for _, index := range order {
		part := pending[index]
		if part.ToolCallID == "" || part.Name == "" {
			continue
		}
		if len(part.Input) == 0 {
			part.Input = json.RawMessage(`{}`)
		}
		calls = append(calls, *part)
		chunks <- &agent.CompletionChunk{ToolCall: part}
	}

	reason := mapOpenAIFinish(finish, len(calls) > 0)
	chunks <- &agent.CompletionChunk{
		StepFinish: &agent.Step{Text: text, ToolCalls: calls, FinishReason: reason},
	}
	chunks <- &agent.CompletionChunk{Done: true, FinishReason: reason, Usage: usage}
}

func mapOpenAIFinish(finish openai.FinishReason, hasToolCalls bool) agent.FinishReason {
	switch finish {
	case openai.FinishReasonStop:
		return agent.FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return agent.FinishToolCalls
	case openai.FinishReasonLength:
		return agent.FinishLength
	case openai.FinishReasonContentFilter:
		return agent.FinishContentFilter
	default:
		if hasToolCalls {
			return agent.FinishToolCalls
		}
		return agent.FinishStop
	}
}

// convertOpenAIMessages maps runtime messages to the OpenAI wire format.
// The system prompt becomes the leading message; tool results expand to
// one message per result, linked by tool call ID.
func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			for _, tr := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    string(tr.Output),
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			if calls := msg.ToolCalls(); len(calls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(calls))
				for i, call := range calls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   call.ToolCallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(call.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Text(),
			})
		}
	}

	return result
}

// convertOpenAITools maps tool specs to OpenAI function definitions. A tool
// with an unparseable schema degrades to an empty object schema rather
// than breaking the whole request.
func convertOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// wrapOpenAIError lifts SDK errors into classified provider errors so the
// loop can tell retryable failures from fatal ones.
func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &agent.ProviderError{
			Status:  apiErr.HTTPStatusCode,
			Message: apiErr.Message,
			Cause:   err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &agent.ProviderError{
			Status:  reqErr.HTTPStatusCode,
			Message: reqErr.Error(),
			Cause:   err,
		}
	}

	return fmt.Errorf("openai: %w", err)
}
