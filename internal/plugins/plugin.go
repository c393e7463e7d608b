// Package plugins brings up the runtime's extension units. A plugin
// declares its dependencies, registers tools, hooks and services
// during initialization, and is never called again afterwards; the
// manager sorts plugins by dependency, runs their lifecycle in order,
// and exposes the combined tool map once every plugin came up clean.
package plugins

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
)

// Plugin describes one extension unit. Name must be unique across the
// load set; Dependencies name other plugins that must initialize
// first.
type Plugin struct {
	Name         string
	Version      string
	Dependencies []string

	// BeforeInitialize and AfterInitialize bracket Initialize; both
	// are optional. Initialize is required.
	BeforeInitialize func(ctx context.Context, ic *InitContext) error
	Initialize       func(ctx context.Context, ic *InitContext) error
	AfterInitialize  func(ctx context.Context, ic *InitContext) error
}

// Record is the post-bring-up view of one plugin.
type Record struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Tools   []string `json:"tools,omitempty"`
	Hooks   int      `json:"hooks,omitempty"`
}

// InitContext is the capability surface handed to a plugin during its
// lifecycle calls. Registrations are staged: tools reach the shared
// registry only after the whole bring-up succeeds.
type InitContext struct {
	manager *Manager
	record  *Record
}

// RegisterTool stages one tool. A name already staged by another
// plugin is a bring-up error unless the manager's replace policy is
// enabled.
func (ic *InitContext) RegisterTool(tool agent.Tool) error {
	if err := ic.manager.stageTool(tool); err != nil {
		return err
	}
	ic.record.Tools = append(ic.record.Tools, tool.Name())
	return nil
}

// RegisterTools stages several tools, stopping at the first failure.
func (ic *InitContext) RegisterTools(tools ...agent.Tool) error {
	for _, tool := range tools {
		if err := ic.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

// GetTool looks up a staged tool by name.
func (ic *InitContext) GetTool(name string) (agent.Tool, bool) {
	return ic.manager.stagedTool(name)
}

// GetTools lists the names staged so far, including earlier plugins'.
func (ic *InitContext) GetTools() []string {
	return ic.manager.stagedToolNames()
}

// RegisterHook appends a handler at one of the seven hook points.
func (ic *InitContext) RegisterHook(name hooks.Name, handler hooks.Handler) error {
	_, err := ic.manager.hooks.Register(name, handler, hooks.WithSource("plugin:"+ic.record.Name))
	if err == nil {
		ic.record.Hooks++
	}
	return err
}

// RegisterService publishes a named value for other plugins and the
// host. Later registrations under the same name replace earlier ones.
func (ic *InitContext) RegisterService(name string, value any) {
	ic.manager.setService(name, value)
}

// GetService looks up a published service.
func (ic *InitContext) GetService(name string) (any, bool) {
	return ic.manager.service(name)
}

// GetConfig reads a shared config value.
func (ic *InitContext) GetConfig(key string) (any, bool) {
	return ic.manager.configGet(key)
}

// SetConfig writes a shared config value.
func (ic *InitContext) SetConfig(key string, value any) {
	ic.manager.configSet(key, value)
}

// Events is the inter-plugin pub/sub bus.
func (ic *InitContext) Events() *Bus {
	return ic.manager.bus
}

// Logger returns a plugin-scoped logger.
func (ic *InitContext) Logger() *slog.Logger {
	return ic.manager.logger.With("plugin", ic.record.Name)
}

// NewTool wraps a function as an agent.Tool.
func NewTool(name, description string, schema json.RawMessage, execute agent.ExecuteFunc) agent.Tool {
	return agent.NewFuncTool(name, description, schema, execute)
}
