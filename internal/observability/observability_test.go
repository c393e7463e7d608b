package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger.Info("hello", "channel", "web")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", record["msg"])
	}
	if record["channel"] != "web" {
		t.Errorf("channel = %v, want web", record["channel"])
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output missing msg=hello: %s", buf.String())
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn record dropped at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RunsStarted.WithLabelValues("web").Inc()
	m.RunsStarted.WithLabelValues("web").Inc()
	m.BusyRejections.WithLabelValues("telegram").Inc()
	m.ActiveRuns.Set(3)

	if got := testutil.ToFloat64(m.RunsStarted.WithLabelValues("web")); got != 2 {
		t.Errorf("runs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BusyRejections.WithLabelValues("telegram")); got != 1 {
		t.Errorf("busy rejections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRuns); got != 3 {
		t.Errorf("active runs = %v, want 3", got)
	}
}

func TestMetricsSeparateRegistries(t *testing.T) {
	// Two constructions must not collide when given distinct registries.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	ctx, span := tracer.Start(context.Background(), "run")
	if ctx == nil {
		t.Fatal("nil context from Start")
	}
	End(span, nil)
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "run")
	if ctx == nil || span == nil {
		t.Fatal("nil tracer must still return usable context and span")
	}
}
