package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// Name identifies one of the seven hook points.
type Name string

const (
	BeforeRun      Name = "beforeRun"
	AfterRun       Name = "afterRun"
	BeforeLLMCall  Name = "beforeLLMCall"
	AfterLLMCall   Name = "afterLLMCall"
	BeforeToolCall Name = "beforeToolCall"
	AfterToolCall  Name = "afterToolCall"
	OnCompacted    Name = "onCompacted"
)

var validNames = map[Name]bool{
	BeforeRun:      true,
	AfterRun:       true,
	BeforeLLMCall:  true,
	AfterLLMCall:   true,
	BeforeToolCall: true,
	AfterToolCall:  true,
	OnCompacted:    true,
}

// Payload carries the call state offered to handlers. Fields are
// populated per hook point: run hooks see Run/SystemPrompt/Tools, LLM
// hooks additionally see Result after the call, tool hooks see
// ToolName/Input/Output, and onCompacted sees Compaction.
type Payload struct {
	Run          *models.RunContext
	SystemPrompt string
	Tools        []string
	ToolName     string
	Input        json.RawMessage
	Output       json.RawMessage
	Result       string
	Compaction   *models.CompactionEvent
}

// Result is a partial payload replacement returned by a handler. Nil
// fields leave the payload untouched.
type Result struct {
	SystemPrompt *string
	Tools        []string
	Input        json.RawMessage
	Output       json.RawMessage
}

// Handler processes one hook invocation. Returning an error aborts the
// surrounding call at hook points that allow it; onCompacted errors are
// logged and swallowed.
type Handler func(ctx context.Context, payload *Payload) (*Result, error)

// Registration records one registered handler.
type Registration struct {
	ID      string
	Hook    Name
	Source  string
	Handler Handler
}

// Registry manages hook registrations. Registration is append-only and
// only permitted until Seal is called; the running loop reads immutable
// snapshots.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Name][]*Registration
	sealed   bool
	logger   *slog.Logger
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[Name][]*Registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithSource records the registering plugin for diagnostics.
func WithSource(source string) RegisterOption {
	return func(r *Registration) {
		r.Source = source
	}
}

// Register appends a handler for the named hook point. Handlers for the
// same name run in registration order.
func (r *Registry) Register(name Name, handler Handler, opts ...RegisterOption) (string, error) {
	if !validNames[name] {
		return "", fmt.Errorf("unknown hook %q", name)
	}
	if handler == nil {
		return "", fmt.Errorf("hook %q: handler is nil", name)
	}

	reg := &Registration{
		ID:      uuid.NewString(),
		Hook:    name,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return "", fmt.Errorf("hook registry is sealed; cannot register %q", name)
	}
	r.handlers[name] = append(r.handlers[name], reg)

	r.logger.Debug("registered hook",
		"id", reg.ID,
		"hook", name,
		"source", reg.Source)
	return reg.ID, nil
}

// Seal freezes the registry. Further Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// HandlerCount returns the number of handlers for a hook point.
func (r *Registry) HandlerCount(name Name) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Snapshot materializes the current handler lists. The loop takes one
// snapshot at entry and never consults the registry mid-run.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lists := make(map[Name][]*Registration, len(r.handlers))
	for name, regs := range r.handlers {
		copied := make([]*Registration, len(regs))
		copy(copied, regs)
		lists[name] = copied
	}
	return &Snapshot{lists: lists, logger: r.logger}
}

// Snapshot is an immutable view of the registry's handler lists.
type Snapshot struct {
	lists  map[Name][]*Registration
	logger *slog.Logger
}

// EmptySnapshot returns a snapshot with no handlers.
func EmptySnapshot() *Snapshot {
	return &Snapshot{lists: map[Name][]*Registration{}, logger: slog.Default()}
}

// Trigger runs the handlers for a hook point in registration order,
// folding each partial result into the payload. The first handler error
// stops the chain and is returned, except for onCompacted where errors
// and panics are logged and never propagate.
func (s *Snapshot) Trigger(ctx context.Context, name Name, payload *Payload) error {
	if payload == nil {
		payload = &Payload{}
	}
	for _, reg := range s.lists[name] {
		res, err := s.call(ctx, reg, payload)
		if err != nil {
			if name == OnCompacted {
				s.logger.Warn("onCompacted hook error",
					"handler_id", reg.ID,
					"source", reg.Source,
					"error", err)
				continue
			}
			return fmt.Errorf("hook %s: %w", name, err)
		}
		applyResult(payload, res)
	}
	return nil
}

func (s *Snapshot) call(ctx context.Context, reg *Registration, payload *Payload) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return reg.Handler(ctx, payload)
}

func applyResult(payload *Payload, res *Result) {
	if res == nil {
		return
	}
	if res.SystemPrompt != nil {
		payload.SystemPrompt = *res.SystemPrompt
	}
	if res.Tools != nil {
		payload.Tools = res.Tools
	}
	if res.Input != nil {
		payload.Input = res.Input
	}
	if res.Output != nil {
		payload.Output = res.Output
	}
}
