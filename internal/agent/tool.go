package agent

import (
	"context"
	"encoding/json"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// Tool defines the interface for executable agent tools.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (c *Clock) Name() string        { return "clock" }
//	func (c *Clock) Description() string { return "Returns the current time" }
//
//	func (c *Clock) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{}}`)
//	}
//
//	func (c *Clock) Execute(ctx context.Context, input json.RawMessage, ec *agent.ExecContext) (json.RawMessage, error) {
//	    return json.Marshal(map[string]string{"now": time.Now().Format(time.RFC3339)})
//	}
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's input. Inputs are
	// validated against it before Execute is invoked.
	Schema() json.RawMessage

	// Execute runs the tool with validated input. Errors are reported
	// back to the model as tool errors; they never fail the run.
	Execute(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error)
}

// ClarifyFunc asks the user a question mid-run and blocks for the answer.
type ClarifyFunc func(ctx context.Context, req *models.ClarificationRequest) (string, error)

// ExecContext carries per-run state into tool executions.
type ExecContext struct {
	// Run is the opaque routing bag for the current run.
	Run *models.RunContext

	// Clarify requests user input mid-run. Nil when the originating
	// channel cannot answer questions.
	Clarify ClarifyFunc
}

// Ask is a nil-safe clarification helper for tools.
func (ec *ExecContext) Ask(ctx context.Context, req *models.ClarificationRequest) (string, error) {
	if ec == nil || ec.Clarify == nil {
		if req != nil && req.Default != "" {
			return req.Default, nil
		}
		return "", ErrNoClarification
	}
	return ec.Clarify(ctx, req)
}

// ExecuteFunc is the body of a function-backed tool.
type ExecuteFunc func(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error)

// funcTool adapts a plain function into a Tool.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	execute     ExecuteFunc
}

// NewFuncTool wraps a function as a Tool, for callers that do not want
// a dedicated type.
func NewFuncTool(name, description string, schema json.RawMessage, execute ExecuteFunc) Tool {
	return &funcTool{name: name, description: description, schema: schema, execute: execute}
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() json.RawMessage { return t.schema }

func (t *funcTool) Execute(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error) {
	return t.execute(ctx, input, ec)
}
