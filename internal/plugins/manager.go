package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
)

// Manager loads plugins, runs their lifecycle in dependency order and
// flushes their staged tools into the shared registry when the whole
// bring-up succeeds. After Initialize returns nil the hook registry is
// sealed and the manager is read-only.
type Manager struct {
	registry *agent.ToolRegistry
	hooks    *hooks.Registry
	bus      *Bus
	logger   *slog.Logger

	// AllowReplace lets a later plugin stage a tool name an earlier
	// one already used. Off by default; collisions abort bring-up.
	AllowReplace bool

	mu       sync.RWMutex
	plugins  []*Plugin
	records  []*Record
	staged   map[string]agent.Tool
	services map[string]any
	config   map[string]any
	done     bool
}

// NewManager creates a plugin manager that registers tools into
// registry and hooks into hookReg.
func NewManager(registry *agent.ToolRegistry, hookReg *hooks.Registry, logger *slog.Logger) *Manager {
	if registry == nil {
		registry = agent.NewToolRegistry()
	}
	if hookReg == nil {
		hookReg = hooks.NewRegistry(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		hooks:    hookReg,
		bus:      NewBus(),
		logger:   logger.With("component", "plugins"),
		staged:   map[string]agent.Tool{},
		services: map[string]any{},
		config:   map[string]any{},
	}
}

// Register queues a plugin for the next Initialize. Duplicate names
// are rejected immediately.
func (m *Manager) Register(p *Plugin) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if p.Initialize == nil {
		return fmt.Errorf("plugin %s: initialize function is required", p.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return fmt.Errorf("plugin %s: manager already initialized", p.Name)
	}
	for _, existing := range m.plugins {
		if existing.Name == p.Name {
			return fmt.Errorf("plugin %s already registered", p.Name)
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Initialize sorts the registered plugins by dependency and runs
// beforeInitialize → initialize → afterInitialize for each, in order.
// Any failure aborts the whole bring-up: no staged tool reaches the
// shared registry and the error names the plugin that failed. On
// success the tool map is flushed, the hook registry is sealed, and
// further registration is refused.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return fmt.Errorf("plugins already initialized")
	}

	ordered, err := sortByDependencies(m.plugins)
	if err != nil {
		return err
	}

	records := make([]*Record, 0, len(ordered))
	for _, p := range ordered {
		record := &Record{Name: p.Name, Version: p.Version}
		ic := &InitContext{manager: m, record: record}

		if p.BeforeInitialize != nil {
			if err := p.BeforeInitialize(ctx, ic); err != nil {
				m.abort()
				return fmt.Errorf("plugin %s: beforeInitialize: %w", p.Name, err)
			}
		}
		if err := p.Initialize(ctx, ic); err != nil {
			m.abort()
			return fmt.Errorf("plugin %s: initialize: %w", p.Name, err)
		}
		if p.AfterInitialize != nil {
			if err := p.AfterInitialize(ctx, ic); err != nil {
				m.abort()
				return fmt.Errorf("plugin %s: afterInitialize: %w", p.Name, err)
			}
		}

		records = append(records, record)
		m.logger.Info("plugin initialized",
			"plugin", p.Name,
			"version", p.Version,
			"tools", len(record.Tools),
			"hooks", record.Hooks)
	}

	for _, tool := range m.staged {
		m.registry.Replace(tool)
	}
	m.hooks.Seal()
	m.records = records
	m.done = true
	return nil
}

// abort discards all staged registrations after a lifecycle failure.
// Callers hold the lock.
func (m *Manager) abort() {
	m.staged = map[string]agent.Tool{}
	m.services = map[string]any{}
}

// Tools returns the shared registry the tools were flushed into.
func (m *Manager) Tools() *agent.ToolRegistry {
	return m.registry
}

// Hooks returns the hook registry plugins registered into.
func (m *Manager) Hooks() *hooks.Registry {
	return m.hooks
}

// Events returns the inter-plugin pub/sub bus.
func (m *Manager) Events() *Bus {
	return m.bus
}

// Records lists the initialized plugins in bring-up order.
func (m *Manager) Records() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, len(m.records))
	copy(out, m.records)
	return out
}

// Service looks up a registered service after bring-up.
func (m *Manager) Service(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.service(name)
}

func (m *Manager) stageTool(tool agent.Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool name is required")
	}
	name := tool.Name()
	if _, exists := m.staged[name]; exists && !m.AllowReplace {
		return fmt.Errorf("tool %q already registered by another plugin", name)
	}
	m.staged[name] = tool
	return nil
}

func (m *Manager) stagedTool(name string) (agent.Tool, bool) {
	tool, ok := m.staged[name]
	return tool, ok
}

func (m *Manager) stagedToolNames() []string {
	names := make([]string, 0, len(m.staged))
	for name := range m.staged {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) setService(name string, value any) {
	m.services[name] = value
}

// service is the unlocked lookup used from inside the bring-up, where
// Initialize already holds the lock.
func (m *Manager) service(name string) (any, bool) {
	value, ok := m.services[name]
	return value, ok
}

func (m *Manager) configGet(key string) (any, bool) {
	value, ok := m.config[key]
	return value, ok
}

func (m *Manager) configSet(key string, value any) {
	m.config[key] = value
}

// sortByDependencies orders plugins so every plugin follows its
// dependencies. A dependency that is not in the load set fails with a
// named error; a cycle fails naming the plugin on the back edge.
func sortByDependencies(plugins []*Plugin) ([]*Plugin, error) {
	byName := make(map[string]*Plugin, len(plugins))
	for _, p := range plugins {
		byName[p.Name] = p
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(plugins))
	ordered := make([]*Plugin, 0, len(plugins))

	var visit func(p *Plugin) error
	visit = func(p *Plugin) error {
		switch state[p.Name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("plugin dependency cycle through %s", p.Name)
		}
		state[p.Name] = visiting
		for _, dep := range p.Dependencies {
			target, ok := byName[dep]
			if !ok {
				return fmt.Errorf("plugin %s: missing dependency %s", p.Name, dep)
			}
			if err := visit(target); err != nil {
				return err
			}
		}
		state[p.Name] = visited
		ordered = append(ordered, p)
		return nil
	}

	for _, p := range plugins {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
