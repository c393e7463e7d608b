package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/internal/clarify"
	"github.com/hua-bang/pulse-coder-sub000/internal/commands"
	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/observability"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// replyTimeout bounds outbound platform replies made outside a run.
const replyTimeout = 15 * time.Second

// saveTimeout bounds the post-run session save. The save runs on a
// fresh context so an aborted run still persists its transcript.
const saveTimeout = 10 * time.Second

// handleWebhook turns one platform adapter into an HTTP handler running
// the dispatch pipeline: verify, parse, route commands, gate on the
// active-run registry, ack, then stream the agent run into the
// adapter's handle from a worker goroutine.
func (s *Server) handleWebhook(adapter channels.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		if !adapter.VerifyRequest(r, body) {
			s.logger.Warn("webhook verification failed", "adapter", adapter.Name())
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		incoming, err := adapter.ParseIncoming(r, body)
		if err != nil {
			s.logger.Warn("webhook parse failed", "adapter", adapter.Name(), "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if incoming == nil {
			adapter.AckRequest(w, r, body, nil, "")
			return
		}

		ctx := r.Context()
		if s.commands != nil {
			res, err := s.commands.Route(ctx, incoming.PlatformKey, incoming.Text)
			if err != nil {
				s.logger.Error("command routing failed", "platform_key", incoming.PlatformKey, "error", err)
				adapter.AckRequest(w, r, body, incoming, incoming.StreamID)
				s.reply(adapter, incoming, "Error: "+err.Error())
				return
			}
			switch res.Outcome {
			case commands.OutcomeHandled:
				adapter.AckRequest(w, r, body, incoming, incoming.StreamID)
				s.reply(adapter, incoming, res.Message)
				return
			case commands.OutcomeHandledSilent:
				adapter.AckRequest(w, r, body, incoming, incoming.StreamID)
				return
			case commands.OutcomeTransformed:
				incoming.Text = res.NewText
			}
		}

		streamID := incoming.StreamID
		if streamID == "" {
			streamID = uuid.NewString()
			incoming.StreamID = streamID
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		run := runs.NewActiveRun(streamID, incoming.PlatformKey, cancel)
		if !s.active.TryAcquire(incoming.PlatformKey, run) {
			cancel()
			if s.metrics != nil {
				s.metrics.BusyRejections.WithLabelValues(adapter.Name()).Inc()
			}
			adapter.AckRequest(w, r, body, incoming, streamID)
			s.reply(adapter, incoming, commands.BusyNotice)
			return
		}

		adapter.AckRequest(w, r, body, incoming, streamID)

		handle, err := adapter.CreateStreamHandle(incoming, streamID)
		if err != nil {
			s.logger.Error("stream handle failed", "adapter", adapter.Name(), "error", err)
			s.active.Clear(incoming.PlatformKey)
			cancel()
			return
		}

		go s.runAgent(runCtx, adapter, incoming, handle, streamID)
	}
}

// reply sends text through the platform's reply path on a bounded
// context of its own; webhook handlers never block on outbound sends.
func (s *Server) reply(adapter channels.Adapter, incoming *models.IncomingMessage, text string) {
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := adapter.Reply(ctx, incoming, text); err != nil {
		s.logger.Warn("reply failed", "adapter", adapter.Name(), "platform_key", incoming.PlatformKey, "error", err)
	}
}

// runAgent executes one agent run against a stream handle. It owns the
// active-run slot and releases it on every path.
func (s *Server) runAgent(ctx context.Context, adapter channels.Adapter, incoming *models.IncomingMessage, handle channels.StreamHandle, streamID string) {
	channel := adapter.Name()
	start := time.Now()

	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues(channel).Inc()
		s.metrics.ActiveRuns.Inc()
	}

	ctx, span := s.tracer.Start(ctx, "agent.run",
		attribute.String("channel", channel),
		attribute.String("platform_key", incoming.PlatformKey),
		attribute.String("stream_id", streamID))

	status := "success"
	var runErr error
	defer func() {
		s.active.Clear(incoming.PlatformKey)
		if s.metrics != nil {
			s.metrics.ActiveRuns.Dec()
			s.metrics.RunsCompleted.WithLabelValues(channel, status).Inc()
			s.metrics.RunDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
		}
		observability.End(span, runErr)
	}()

	session, err := s.store.GetOrCreate(ctx, incoming.PlatformKey, incoming.ForceNewSession, incoming.MemoryKey)
	if err != nil {
		s.logger.Error("session resolve failed", "platform_key", incoming.PlatformKey, "error", err)
		status, runErr = "error", err
		handle.OnError(err)
		return
	}
	session.Messages = append(session.Messages, models.NewTextMessage(models.RoleUser, incoming.Text))

	rc := &models.RunContext{
		RunID:       uuid.NewString(),
		PlatformKey: incoming.PlatformKey,
		SessionID:   session.ID,
		UserText:    incoming.Text,
		MemoryKey:   incoming.MemoryKey,
	}

	result, err := s.loop.Run(ctx, session, &agent.RunOptions{
		Run:       rc,
		Callbacks: s.streamCallbacks(handle, streamID),
		Hooks:     s.hookSnapshot(),
		Metrics:   s.metrics,
		Tracer:    s.tracer,
	})

	saveCtx, cancelSave := context.WithTimeout(context.Background(), saveTimeout)
	defer cancelSave()
	if saveErr := s.store.Save(saveCtx, session.ID, session.Messages); saveErr != nil {
		s.logger.Error("session save failed", "session_id", session.ID, "error", saveErr)
	}

	if err != nil {
		s.logger.Error("run failed", "run_id", rc.RunID, "error", err)
		status, runErr = "error", err
		handle.OnError(err)
		return
	}
	handle.OnDone(result)
}

// streamCallbacks bridges loop events into a platform stream handle and
// the clarification broker.
func (s *Server) streamCallbacks(handle channels.StreamHandle, streamID string) agent.Callbacks {
	cb := agent.Callbacks{
		OnText: handle.OnText,
		OnToolCall: func(name string, input json.RawMessage) {
			handle.OnToolCall(name, input)
		},
		OnCompacted: func(event models.CompactionEvent) {
			if s.metrics != nil {
				s.metrics.Compactions.WithLabelValues(string(event.Trigger), string(event.Strategy)).Inc()
			}
		},
		OnClarification: func(ctx context.Context, req *models.ClarificationRequest) (string, error) {
			answer, err := s.broker.Ask(ctx, streamID, *req, handle.OnClarification)
			if s.metrics != nil {
				s.metrics.Clarifications.WithLabelValues(clarifyOutcome(err)).Inc()
			}
			return answer, err
		},
	}
	if sink, ok := handle.(channels.ToolResultHandler); ok {
		cb.OnToolResult = sink.OnToolResult
	}
	return cb
}

func (s *Server) hookSnapshot() *hooks.Snapshot {
	if s.hooks == nil {
		return hooks.EmptySnapshot()
	}
	return s.hooks.Snapshot()
}

func clarifyOutcome(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, clarify.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
