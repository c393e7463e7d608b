package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/observability"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// LoopConfig bounds the loop's iteration, retry and compaction budgets.
type LoopConfig struct {
	// MaxSteps limits the number of model steps per run.
	// Default: 25, hard cap 100.
	MaxSteps int

	// MaxErrorCount limits consecutive provider failures before the run
	// gives up. Default: 3.
	MaxErrorCount int

	// MaxCompactionAttempts limits compactions per run. Default: 2.
	MaxCompactionAttempts int

	// MaxTokens is the per-response generation cap. Default: 4096.
	MaxTokens int

	// Model is the default model when a run carries no override.
	Model string

	// SystemPrompt is the base system prompt.
	SystemPrompt string
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:              25,
		MaxErrorCount:         3,
		MaxCompactionAttempts: 2,
		MaxTokens:             4096,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.MaxSteps > 100 {
		cfg.MaxSteps = 100
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = defaults.MaxErrorCount
	}
	if cfg.MaxCompactionAttempts <= 0 {
		cfg.MaxCompactionAttempts = defaults.MaxCompactionAttempts
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	return &cfg
}

// CompactionResult is the outcome of one compactor call.
type CompactionResult struct {
	Compacted bool
	Messages  []models.Message
	Event     models.CompactionEvent
}

// Compactor shrinks a message list under a token budget. Implementations
// fall back internally on summarization failure; an error return means
// the attempt is skipped, never that the run fails.
type Compactor interface {
	Compact(ctx context.Context, messages []models.Message, force bool) (*CompactionResult, error)
}

// Callbacks receive per-run events. All fields are optional.
type Callbacks struct {
	OnText          func(delta string)
	OnToolCall      func(name string, input json.RawMessage)
	OnToolResult    func(result models.Part)
	OnResponse      func(msg models.Message)
	OnStepFinish    func(step Step)
	OnCompacted     func(event models.CompactionEvent)
	OnClarification ClarifyFunc
}

// RunOptions carries per-run overrides and wiring.
type RunOptions struct {
	// Run is the opaque routing bag threaded into tools and hooks.
	Run *models.RunContext

	// Callbacks receive streaming events.
	Callbacks Callbacks

	// Provider overrides the loop's provider for this run.
	Provider Provider

	// Model overrides the configured model for this run.
	Model string

	// System composes with the configured base system prompt.
	System *SystemPromptOption

	// Tools filters the registry to the named tools. Nil means all.
	Tools []string

	// Hooks is the materialized hook snapshot for this run.
	Hooks *hooks.Snapshot

	// Metrics records per-call counters and latencies. Nil disables.
	Metrics *observability.Metrics

	// Tracer opens spans around provider streams, tool dispatches and
	// compactions. Nil is safe.
	Tracer *observability.Tracer
}

// Loop is the agent state machine. Each iteration optionally compacts
// the context, streams one model step, and either returns a terminal
// result or executes requested tools and goes around again.
type Loop struct {
	provider  Provider
	registry  *ToolRegistry
	compactor Compactor
	config    *LoopConfig
	logger    *slog.Logger
}

// NewLoop creates an agent loop. A nil registry gets an empty one; a nil
// compactor disables compaction.
func NewLoop(provider Provider, registry *ToolRegistry, compactor Compactor, config *LoopConfig, logger *slog.Logger) *Loop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider:  provider,
		registry:  registry,
		compactor: compactor,
		config:    sanitizeLoopConfig(config),
		logger:    logger.With("component", "agent"),
	}
}

// runState tracks one run's counters and resolved options.
type runState struct {
	provider     Provider
	model        string
	systemPrompt string
	toolNames    []string
	hooks        *hooks.Snapshot
	cb           Callbacks
	rc           *models.RunContext
	metrics      *observability.Metrics
	tracer       *observability.Tracer

	errorCount         int
	totalSteps         int
	compactionAttempts int
}

// Run drives the loop over the session's message list until a terminal
// result. The session's Messages slice is mutated in place: assistant
// and tool messages are appended, and compaction may replace it
// wholesale. The returned string is always user-presentable; the error
// is non-nil only when the run could not start.
func (l *Loop) Run(ctx context.Context, session *models.Session, opts *RunOptions) (string, error) {
	if session == nil {
		return "", errors.New("session is nil")
	}
	if opts == nil {
		opts = &RunOptions{}
	}

	st := &runState{
		provider: l.provider,
		model:    l.config.Model,
		hooks:    opts.Hooks,
		cb:       opts.Callbacks,
		rc:       opts.Run,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
	if opts.Provider != nil {
		st.provider = opts.Provider
	}
	if st.provider == nil {
		return "", ErrNoProvider
	}
	if opts.Model != "" {
		st.model = opts.Model
	}
	if st.hooks == nil {
		st.hooks = hooks.EmptySnapshot()
	}
	st.systemPrompt = opts.System.Compose(l.config.SystemPrompt)
	st.toolNames = opts.Tools
	if st.toolNames == nil {
		st.toolNames = l.registry.Names()
	}

	payload := &hooks.Payload{Run: st.rc, SystemPrompt: st.systemPrompt, Tools: st.toolNames}
	if err := st.hooks.Trigger(ctx, hooks.BeforeRun, payload); err != nil {
		return "", err
	}
	st.systemPrompt = payload.SystemPrompt
	st.toolNames = payload.Tools

	result := l.runLoop(ctx, session, st)

	after := &hooks.Payload{Run: st.rc, Result: result}
	if err := st.hooks.Trigger(ctx, hooks.AfterRun, after); err != nil {
		l.logger.Warn("afterRun hook error", "error", err)
	}
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, session *models.Session, st *runState) string {
	for {
		if ctx.Err() != nil {
			return ResultAborted
		}

		if l.maybeCompact(ctx, session, st, false, models.TriggerPreLoop) {
			continue
		}

		payload := &hooks.Payload{Run: st.rc, SystemPrompt: st.systemPrompt, Tools: st.toolNames}
		if err := st.hooks.Trigger(ctx, hooks.BeforeLLMCall, payload); err != nil {
			if done, result := l.handleRunError(ctx, st, err); done {
				return result
			}
			continue
		}

		res, err := l.streamOnce(ctx, session, st, payload.SystemPrompt, payload.Tools)
		if err != nil {
			if done, result := l.handleRunError(ctx, st, err); done {
				return result
			}
			continue
		}

		st.totalSteps += len(res.steps)

		assistant := assistantMessage(res.text, res.toolCalls)
		if assistant.Content != "" || len(assistant.Parts) > 0 {
			session.Messages = append(session.Messages, assistant)
			if st.cb.OnResponse != nil {
				st.cb.OnResponse(assistant)
			}
		}

		after := &hooks.Payload{Run: st.rc, Result: res.text}
		if err := st.hooks.Trigger(ctx, hooks.AfterLLMCall, after); err != nil {
			l.logger.Warn("afterLLMCall hook error", "error", err)
		}

		switch res.finish {
		case FinishStop:
			if strings.TrimSpace(res.text) == "" {
				if st.totalSteps >= l.config.MaxSteps {
					return ResultMaxSteps
				}
				continue
			}
			return res.text

		case FinishLength:
			if l.maybeCompact(ctx, session, st, true, models.TriggerLengthRetry) {
				continue
			}
			return textOr(res.text, ResultContextLimit)

		case FinishContentFilter:
			return textOr(res.text, ResultFiltered)

		case FinishError:
			return textOr(res.text, ResultFailed)

		case FinishToolCalls:
			if len(res.toolCalls) == 0 {
				return textOr(res.text, ResultCompleted)
			}
			if st.totalSteps >= l.config.MaxSteps {
				return textOr(res.text, ResultMaxSteps)
			}
			toolMsg, aborted := l.executeTools(ctx, st, res.toolCalls)
			if aborted {
				return ResultAborted
			}
			session.Messages = append(session.Messages, toolMsg)
			if st.cb.OnResponse != nil {
				st.cb.OnResponse(toolMsg)
			}
			continue

		default:
			return textOr(res.text, ResultCompleted)
		}
	}
}

// streamResult collects the outcome of one provider stream.
type streamResult struct {
	text      string
	toolCalls []models.Part
	steps     []Step
	finish    FinishReason
}

func (l *Loop) streamOnce(ctx context.Context, session *models.Session, st *runState, system string, toolNames []string) (res *streamResult, err error) {
	ctx, span := st.tracer.Start(ctx, "llm.call",
		attribute.String("llm.provider", st.provider.Name()),
		attribute.String("llm.model", st.model))
	start := time.Now()
	defer func() {
		observability.End(span, err)
		if st.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			st.metrics.LLMCalls.WithLabelValues(st.provider.Name(), st.model, status).Inc()
			st.metrics.LLMCallDuration.WithLabelValues(st.provider.Name(), st.model).Observe(time.Since(start).Seconds())
		}
	}()

	req := &CompletionRequest{
		Model:     st.model,
		System:    system,
		Messages:  session.Messages,
		Tools:     l.registry.Specs(toolNames),
		MaxTokens: l.config.MaxTokens,
	}

	chunks, err := st.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	res = &streamResult{}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if st.cb.OnText != nil {
				st.cb.OnText(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			res.toolCalls = append(res.toolCalls, *chunk.ToolCall)
			if st.cb.OnToolCall != nil {
				st.cb.OnToolCall(chunk.ToolCall.Name, chunk.ToolCall.Input)
			}
		}
		if chunk.ToolResult != nil && st.cb.OnToolResult != nil {
			st.cb.OnToolResult(*chunk.ToolResult)
		}
		if chunk.StepFinish != nil {
			res.steps = append(res.steps, *chunk.StepFinish)
			if st.cb.OnStepFinish != nil {
				st.cb.OnStepFinish(*chunk.StepFinish)
			}
		}
		if chunk.Done {
			res.finish = chunk.FinishReason
		}
	}

	res.text = text.String()
	if len(res.steps) == 0 {
		res.steps = []Step{{Text: res.text, ToolCalls: res.toolCalls, FinishReason: res.finish}}
	}
	return res, nil
}

// executeTools dispatches the step's tool calls in order and builds the
// tool message. Cancellation between calls aborts the run.
func (l *Loop) executeTools(ctx context.Context, st *runState, calls []models.Part) (models.Message, bool) {
	ec := &ExecContext{Run: st.rc, Clarify: st.cb.OnClarification}

	results := make([]models.Part, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return models.Message{}, true
		}
		callCtx, span := st.tracer.Start(ctx, "tool.call",
			attribute.String("tool.name", call.Name))
		start := time.Now()
		result := l.registry.Dispatch(callCtx, st.hooks, call, ec)
		if result.IsError {
			observability.End(span, errors.New("tool returned an error result"))
		} else {
			observability.End(span, nil)
		}
		if st.metrics != nil {
			status := "success"
			if result.IsError {
				status = "error"
			}
			st.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
			st.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
		}
		if ctx.Err() != nil {
			return models.Message{}, true
		}
		if st.cb.OnToolResult != nil {
			st.cb.OnToolResult(result)
		}
		results = append(results, result)
	}

	return models.Message{
		Role:      models.RoleTool,
		Parts:     results,
		CreatedAt: time.Now(),
	}, false
}

// maybeCompact runs one compaction attempt if budget remains. It replaces
// the session's messages and notifies observers on success.
func (l *Loop) maybeCompact(ctx context.Context, session *models.Session, st *runState, force bool, trigger models.CompactionTrigger) bool {
	if l.compactor == nil || st.compactionAttempts >= l.config.MaxCompactionAttempts {
		return false
	}

	compactCtx, span := st.tracer.Start(ctx, "compaction",
		attribute.Bool("compaction.forced", force),
		attribute.String("compaction.trigger", string(trigger)))
	res, err := l.compactor.Compact(compactCtx, session.Messages, force)
	observability.End(span, err)
	if err != nil {
		l.logger.Warn("compaction attempt failed", "error", err, "forced", force)
		return false
	}
	if !res.Compacted {
		return false
	}

	st.compactionAttempts++
	session.Messages = res.Messages

	event := res.Event
	event.Attempt = st.compactionAttempts
	event.Trigger = trigger

	l.logger.Info("context compacted",
		"attempt", event.Attempt,
		"trigger", event.Trigger,
		"strategy", event.Strategy,
		"before_tokens", event.BeforeTokens,
		"after_tokens", event.AfterTokens)

	if st.cb.OnCompacted != nil {
		st.cb.OnCompacted(event)
	}
	payload := &hooks.Payload{Run: st.rc, Compaction: &event}
	if err := st.hooks.Trigger(ctx, hooks.OnCompacted, payload); err != nil {
		l.logger.Warn("onCompacted hook error", "error", err)
	}
	return true
}

// handleRunError applies the retry policy to a thrown error. It returns
// (true, result) when the run must terminate, or (false, "") when the
// loop should retry after backoff.
func (l *Loop) handleRunError(ctx context.Context, st *runState, err error) (bool, string) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true, ResultAborted
	}

	st.errorCount++
	if st.errorCount >= l.config.MaxErrorCount {
		return true, fmt.Sprintf("Failed after %d errors: %v", st.errorCount, err)
	}

	if !IsRetryable(err) {
		return true, fmt.Sprintf("Error: %v", err)
	}

	delay := backoffDelay(st.errorCount)
	l.logger.Warn("retryable provider error",
		"error", err,
		"error_count", st.errorCount,
		"backoff", delay)

	select {
	case <-ctx.Done():
		return true, ResultAborted
	case <-time.After(delay):
		return false, ""
	}
}

// backoffDelay returns min(2000 * 2^(n-1), 30000) milliseconds.
func backoffDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 5 {
		return 30 * time.Second
	}
	ms := 2000 * (1 << (n - 1))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

func assistantMessage(text string, calls []models.Part) models.Message {
	msg := models.Message{Role: models.RoleAssistant, CreatedAt: time.Now()}
	if len(calls) == 0 {
		msg.Content = text
		return msg
	}
	if text != "" {
		msg.Parts = append(msg.Parts, models.Part{Type: models.PartText, Text: text})
	}
	msg.Parts = append(msg.Parts, calls...)
	return msg
}

func textOr(text, fallback string) string {
	if strings.TrimSpace(text) == "" {
		return fallback
	}
	return text
}
