// Package cli assembles the agent runtime from configuration and runs
// the interactive REPL. Both the serve and chat commands build the
// same Runtime; they differ only in the surface put in front of it.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/agent/providers"
	"github.com/hua-bang/pulse-coder-sub000/internal/clarify"
	"github.com/hua-bang/pulse-coder-sub000/internal/commands"
	"github.com/hua-bang/pulse-coder-sub000/internal/compaction"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/observability"
	"github.com/hua-bang/pulse-coder-sub000/internal/plugins"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/internal/sessions"
	"github.com/hua-bang/pulse-coder-sub000/internal/skills"
	"github.com/hua-bang/pulse-coder-sub000/internal/tools/builtin"
)

// defaultRetentionSchedule runs the idle-session sweep hourly when the
// config enables retention without a schedule.
const defaultRetentionSchedule = "@hourly"

// Runtime is the assembled agent stack.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Provider agent.Provider
	Tools    *agent.ToolRegistry
	Hooks    *hooks.Registry
	Plugins  *plugins.Manager
	Skills   *skills.Registry
	Store    sessions.Store
	Active   *runs.Registry
	Broker   *clarify.Broker
	Commands *commands.Router
	Loop     *agent.Loop
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer

	// PromRegistry gathers this runtime's metrics for /metrics.
	PromRegistry *prometheus.Registry

	closers []func(context.Context) error
}

// BuildOptions tweaks runtime assembly.
type BuildOptions struct {
	// Logger overrides the config-derived logger.
	Logger *slog.Logger

	// ExtraPlugins are registered after the builtin set.
	ExtraPlugins []*plugins.Plugin

	// DisableWatch skips the skills filesystem watcher even when the
	// config asks for it; the REPL uses this for one-shot sessions.
	DisableWatch bool
}

// Build assembles the runtime: provider, compactor, session store,
// skill registry, plugin bring-up and the agent loop.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}

	rt := &Runtime{
		Config:       cfg,
		Logger:       logger,
		Active:       runs.NewRegistry(),
		Broker:       clarify.NewBroker(logger),
		PromRegistry: prometheus.NewRegistry(),
	}
	rt.Metrics = observability.NewMetrics(rt.PromRegistry)

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "pulsecoder",
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Insecure:     true,
	})
	rt.Tracer = tracer
	rt.closers = append(rt.closers, stopTracer)

	provider, err := providers.New(cfg.LLM)
	if err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("provider: %w", err)
	}
	rt.Provider = provider

	store, err := sessions.Open(cfg.Sessions.Backend, cfg.Sessions.DSN)
	if err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("sessions: %w", err)
	}
	rt.Store = store
	if closer, ok := store.(io.Closer); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return closer.Close() })
	}

	if cfg.Skills.Dir != "" {
		reg := skills.NewRegistry(cfg.Skills.Dir, logger)
		if err := reg.Rescan(); err != nil {
			logger.Warn("skill scan failed", "dir", cfg.Skills.Dir, "error", err)
		}
		if cfg.Skills.Watch && !opts.DisableWatch {
			if err := reg.StartWatching(ctx); err != nil {
				logger.Warn("skill watch failed", "dir", cfg.Skills.Dir, "error", err)
			}
		}
		rt.Skills = reg
		rt.closers = append(rt.closers, func(context.Context) error { return reg.Close() })
	}

	rt.Tools = agent.NewToolRegistry()
	rt.Hooks = hooks.NewRegistry(logger)
	rt.Plugins = plugins.NewManager(rt.Tools, rt.Hooks, logger)
	for _, p := range builtin.Plugins(cfg, rt.Skills) {
		if err := rt.Plugins.Register(p); err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	for _, p := range opts.ExtraPlugins {
		if err := rt.Plugins.Register(p); err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
		}
	}
	if err := rt.Plugins.Initialize(ctx); err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("plugin bring-up: %w", err)
	}

	window := cfg.LLM.ContextWindowTokens
	compactor := compaction.NewEngine(
		compaction.NewProviderSummarizer(provider, cfg.LLM.Model),
		compaction.Config{
			TriggerTokens:    cfg.Compaction.TriggerThreshold(window),
			TargetTokens:     cfg.Compaction.TargetThreshold(window),
			KeepLastTurns:    cfg.Compaction.KeepLastTurns,
			SummaryMaxTokens: cfg.Compaction.SummaryMaxTokens,
		},
		logger,
	)

	rt.Loop = agent.NewLoop(provider, rt.Tools, compactor, &agent.LoopConfig{
		MaxSteps:              cfg.Agent.MaxSteps,
		MaxErrorCount:         cfg.Agent.MaxErrorCount,
		MaxCompactionAttempts: cfg.Compaction.MaxAttempts,
		Model:                 cfg.LLM.Model,
	}, logger)

	skillSource := builtin.SkillCatalog{Registry: rt.Skills}
	rt.Commands = commands.NewRouter(store, rt.Active, compactor, skillSource, logger)

	if cfg.Sessions.Retention.Enabled {
		if err := rt.startRetention(cfg.Sessions.Retention); err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("retention: %w", err)
		}
	}

	return rt, nil
}

// startRetention schedules the idle-session sweep.
func (rt *Runtime) startRetention(cfg config.RetentionConfig) error {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * 24 * time.Hour
	}

	sweeper := sessions.NewSweeper(rt.Store, schedule, maxIdle, rt.Logger)
	if err := sweeper.Start(); err != nil {
		return err
	}
	rt.closers = append(rt.closers, func(context.Context) error {
		sweeper.Stop()
		return nil
	})
	return nil
}

// Close releases everything Build acquired, most recent first.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.close(ctx)
}

func (rt *Runtime) close(ctx context.Context) error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rt.closers = nil
	return firstErr
}
