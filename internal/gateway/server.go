// Package gateway wires the agent runtime behind HTTP: platform
// webhooks, the web chat surface with its SSE streams, the internal
// run endpoint, and health/metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels/web"
	"github.com/hua-bang/pulse-coder-sub000/internal/clarify"
	"github.com/hua-bang/pulse-coder-sub000/internal/commands"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/observability"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/internal/sessions"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Options carries the assembled runtime into the server.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Sessions sessions.Store
	Active   *runs.Registry
	Loop     *agent.Loop
	Hooks    *hooks.Registry
	Broker   *clarify.Broker
	Commands *commands.Router

	// Web is the HTTP+SSE adapter backing /api/chat and /api/stream.
	Web *web.Adapter

	// Webhooks maps URL path suffixes ("telegram", "slack") to their
	// platform adapters.
	Webhooks map[string]channels.Adapter

	// Gatherer serves /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front of the runtime.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	store    sessions.Store
	active   *runs.Registry
	loop     *agent.Loop
	hooks    *hooks.Registry
	broker   *clarify.Broker
	commands *commands.Router
	web      *web.Adapter
	webhooks map[string]channels.Adapter
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

// New validates the wiring and builds the server.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Loop == nil {
		return nil, errors.New("gateway: agent loop is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("gateway: session store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	active := opts.Active
	if active == nil {
		active = runs.NewRegistry()
	}
	broker := opts.Broker
	if broker == nil {
		broker = clarify.NewBroker(logger)
	}
	return &Server{
		cfg:      opts.Config,
		logger:   logger.With("component", "gateway"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		store:    opts.Sessions,
		active:   active,
		loop:     opts.Loop,
		hooks:    opts.Hooks,
		broker:   broker,
		commands: opts.Commands,
		web:      opts.Web,
		webhooks: opts.Webhooks,
		gatherer: opts.Gatherer,
	}, nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	if s.web != nil {
		mux.Handle("POST /api/chat", s.handleWebhook(s.web))
		mux.HandleFunc("GET /api/stream/{streamID}", s.handleStream)
		mux.HandleFunc("POST /api/clarify/{streamID}", s.handleClarify)
		mux.HandleFunc("GET /api/sessions", s.handleSessions)
		mux.HandleFunc("GET /api/config/schema", s.handleConfigSchema)
	}

	for name, adapter := range s.webhooks {
		mux.Handle("POST /webhook/"+name, s.handleWebhook(adapter))
	}

	mux.Handle("POST /agent/run", s.requireInternal(http.HandlerFunc(s.handleAgentRun)))

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Server.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and aborts in-flight runs.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}
	for _, key := range s.active.Keys() {
		s.active.Abort(key)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := config.JSONSchema()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema)
}

// requireInternal gates the internal surface: loopback peers carrying
// the shared bearer secret only.
func (s *Server) requireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "error": "loopback only"})
			return
		}

		secret := s.cfg.Server.InternalSecret
		if secret == "" || r.Header.Get("Authorization") != "Bearer "+secret {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
