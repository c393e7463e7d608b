package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Registration collides by name unless Replace is used.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. A tool with the same name already present is an
// error; use Replace for deliberate overrides.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds %d characters", name[:32], MaxToolNameLength)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// RegisterMany registers tools in order, stopping at the first collision.
func (r *ToolRegistry) RegisterMany(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Replace sets a tool unconditionally, overriding any previous one.
func (r *ToolRegistry) Replace(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns provider-facing descriptions of the named tools. A nil
// filter selects every registered tool. Unknown names are skipped.
func (r *ToolRegistry) Specs(filter []string) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := filter
	if names == nil {
		names = make([]string, 0, len(r.tools))
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

var toolSchemaCache sync.Map

func compileToolSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := toolSchemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}

// validateToolInput checks input against the tool's schema.
func validateToolInput(tool Tool, input json.RawMessage) error {
	schema := tool.Schema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileToolSchema(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("tool input is not valid JSON: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool input invalid: %w", err)
	}
	return nil
}

// Dispatch executes one tool call through the full pipeline: schema
// validation, beforeToolCall hooks (which may replace the input or abort),
// the tool itself, then afterToolCall hooks (which may replace the
// output). Every failure path yields an error-flagged tool-result part;
// Dispatch never fails the run.
func (r *ToolRegistry) Dispatch(ctx context.Context, snap *hooks.Snapshot, call models.Part, ec *ExecContext) models.Part {
	result := models.Part{
		Type:       models.PartToolResult,
		ToolCallID: call.ToolCallID,
		Name:       call.Name,
	}
	fail := func(msg string) models.Part {
		result.Output = mustMarshalError(msg)
		result.IsError = true
		return result
	}

	if len(call.Input) > MaxToolInputSize {
		return fail(fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolInputSize))
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		return fail("tool not found: " + call.Name)
	}

	if err := validateToolInput(tool, call.Input); err != nil {
		return fail(err.Error())
	}

	input := call.Input
	if snap != nil {
		var run *models.RunContext
		if ec != nil {
			run = ec.Run
		}
		payload := &hooks.Payload{Run: run, ToolName: call.Name, Input: input}
		if err := snap.Trigger(ctx, hooks.BeforeToolCall, payload); err != nil {
			return fail(err.Error())
		}
		input = payload.Input
		if err := validateToolInput(tool, input); err != nil {
			return fail(err.Error())
		}
	}

	output, err := tool.Execute(ctx, input, ec)
	if err != nil {
		return fail(err.Error())
	}

	if snap != nil {
		var run *models.RunContext
		if ec != nil {
			run = ec.Run
		}
		payload := &hooks.Payload{Run: run, ToolName: call.Name, Input: input, Output: output}
		if err := snap.Trigger(ctx, hooks.AfterToolCall, payload); err != nil {
			return fail(err.Error())
		}
		output = payload.Output
	}

	result.Output = output
	return result
}

func mustMarshalError(msg string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return json.RawMessage(`{"error":"tool failed"}`)
	}
	return data
}
