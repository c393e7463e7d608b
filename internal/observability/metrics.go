package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus collectors.
//
// The dispatcher and the agent loop record into these directly:
//
//	metrics.RunsStarted.WithLabelValues("telegram").Inc()
//	defer func() { metrics.RunDuration.WithLabelValues("telegram").Observe(time.Since(start).Seconds()) }()
type Metrics struct {
	// RunsStarted counts dispatched runs. Labels: channel.
	RunsStarted *prometheus.CounterVec

	// RunsCompleted counts finished runs. Labels: channel,
	// status (ok|error|aborted).
	RunsCompleted *prometheus.CounterVec

	// RunDuration measures whole-run latency in seconds. Labels: channel.
	RunDuration *prometheus.HistogramVec

	// BusyRejections counts requests bounced by the at-most-one-run
	// gate. Labels: channel.
	BusyRejections *prometheus.CounterVec

	// ActiveRuns gauges currently in-flight runs across all channels.
	ActiveRuns prometheus.Gauge

	// LLMCalls counts provider streams. Labels: provider, model,
	// status (success|error).
	LLMCalls *prometheus.CounterVec

	// LLMCallDuration measures one provider stream in seconds.
	// Labels: provider, model.
	LLMCallDuration *prometheus.HistogramVec

	// ToolExecutions counts tool dispatches. Labels: tool,
	// status (success|error).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution in seconds. Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// Compactions counts compaction events. Labels: trigger, strategy.
	Compactions *prometheus.CounterVec

	// Clarifications counts clarification round-trips. Labels:
	// outcome (answered|timeout|cancelled|error).
	Clarifications *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg uses the default Prometheus registerer; tests pass their own
// registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_runs_started_total",
			Help: "Agent runs started, by channel.",
		}, []string{"channel"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_runs_completed_total",
			Help: "Agent runs finished, by channel and status.",
		}, []string{"channel", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsecoder_run_duration_seconds",
			Help:    "Whole-run latency in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"channel"}),
		BusyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_busy_rejections_total",
			Help: "Requests rejected because a run was already active.",
		}, []string{"channel"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsecoder_active_runs",
			Help: "Currently in-flight agent runs.",
		}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_llm_calls_total",
			Help: "Provider streams, by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		LLMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsecoder_llm_call_duration_seconds",
			Help:    "Provider stream latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_tool_executions_total",
			Help: "Tool dispatches, by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsecoder_tool_duration_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_compactions_total",
			Help: "Context compactions, by trigger and strategy.",
		}, []string{"trigger", "strategy"}),
		Clarifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsecoder_clarifications_total",
			Help: "Clarification round-trips, by outcome.",
		}, []string{"outcome"}),
	}

	factory(m.RunsStarted)
	factory(m.RunsCompleted)
	factory(m.RunDuration)
	factory(m.BusyRejections)
	factory(m.ActiveRuns)
	factory(m.LLMCalls)
	factory(m.LLMCallDuration)
	factory(m.ToolExecutions)
	factory(m.ToolDuration)
	factory(m.Compactions)
	factory(m.Clarifications)
	return m
}
