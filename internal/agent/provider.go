package agent

import (
	"context"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// Provider defines the interface for streaming LLM backends.
//
// Implementations handle the specifics of one vendor API while presenting
// a unified chunk stream to the loop. Implementations must be safe for
// concurrent use; multiple goroutines may call Stream simultaneously for
// different runs.
type Provider interface {
	// Stream sends a completion request and returns a channel of chunks.
	// The channel is closed after a Done or Err chunk. Chunk delivery is
	// in generation order: text deltas and tool calls for a step precede
	// that step's StepFinish, which precedes anything from a later step.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name, e.g. "openai".
	Name() string
}

// FinishReason explains why a stream stopped.
type FinishReason string

const (
	// FinishStop means the model returned a final text answer.
	FinishStop FinishReason = "stop"
	// FinishToolCalls means the model requested tools and halted mid-turn.
	FinishToolCalls FinishReason = "tool-calls"
	// FinishLength means the context window or output budget was exhausted.
	FinishLength FinishReason = "length"
	// FinishContentFilter means the response was blocked by a safety filter.
	FinishContentFilter FinishReason = "content-filter"
	// FinishError means the stream failed.
	FinishError FinishReason = "error"
)

// CompletionRequest contains all parameters for one streaming generation.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string `json:"model,omitempty"`

	// System is the system prompt, already composed by the caller.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools the model may call. Empty disables tool calling.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens bounds the generated response. Zero uses the provider
	// default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// ToolSpec is the provider-facing description of one callable tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      []byte `json:"schema"`
}

// CompletionChunk is one element of a provider stream. Exactly one of the
// payload fields is meaningful per chunk. Err terminates the stream; the
// channel is closed immediately after. The channel itself never panics.
type CompletionChunk struct {
	// Text is a partial response text delta.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool invocation request.
	ToolCall *models.Part `json:"tool_call,omitempty"`

	// ToolResult is a provider-executed tool outcome. Providers that
	// leave tool execution to the loop never emit it.
	ToolResult *models.Part `json:"tool_result,omitempty"`

	// StepFinish closes one model step.
	StepFinish *Step `json:"step_finish,omitempty"`

	// Done is true on the final successful chunk.
	Done bool `json:"done,omitempty"`

	// FinishReason is set when Done is true.
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// Usage is set when Done is true, if the provider reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Err terminates the stream. Cancellation surfaces as ctx.Err().
	Err error `json:"-"`
}

// Step records one completed model step within a stream.
type Step struct {
	Text         string        `json:"text,omitempty"`
	ToolCalls    []models.Part `json:"tool_calls,omitempty"`
	FinishReason FinishReason  `json:"finish_reason"`
}

// Usage reports token consumption for one stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SystemPromptOption produces the system prompt for a run. Exactly one of
// the fields is used: Text verbatim, Func evaluated at call time, or
// Append joined to the base prompt with a blank line.
type SystemPromptOption struct {
	Text   string
	Func   func() string
	Append string
}

// Compose resolves the option against a base prompt.
func (o *SystemPromptOption) Compose(base string) string {
	if o == nil {
		return base
	}
	if o.Func != nil {
		return o.Func()
	}
	if o.Text != "" {
		return o.Text
	}
	if o.Append != "" {
		if base == "" {
			return o.Append
		}
		return base + "\n\n" + o.Append
	}
	return base
}
