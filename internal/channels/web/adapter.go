// Package web is the HTTP+SSE platform adapter. A chat request is
// acked with a stream id; the client then attaches to
// /api/stream/{id} and receives the run's events as Server-Sent
// Events. Events produced before the client connects are buffered and
// flushed on attach.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/internal/channels"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// PlatformPrefix namespaces web user ids into platform keys.
const PlatformPrefix = "web:"

// Event is one SSE frame.
type Event struct {
	Name string `json:"-"`
	Data any    `json:"data"`
}

// Adapter implements channels.Adapter over HTTP+SSE. It owns the
// stream hub: every run gets a buffered event stream addressed by
// stream id.
type Adapter struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewAdapter creates the web adapter with an empty hub.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger:  logger.With("adapter", "web"),
		streams: map[string]*stream{},
	}
}

// Name identifies the platform.
func (a *Adapter) Name() string { return "web" }

// VerifyRequest accepts every request; the web surface authenticates
// at the gateway, not per platform.
func (a *Adapter) VerifyRequest(r *http.Request, body []byte) bool { return true }

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	UserID   string `json:"userId"`
	Message  string `json:"message"`
	ForceNew bool   `json:"forceNew,omitempty"`
}

// ParseIncoming decodes the chat body and pre-allocates the stream id
// so command replies and runs share one addressing scheme.
func (a *Adapter) ParseIncoming(r *http.Request, body []byte) (*models.IncomingMessage, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid chat request: %w", err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("userId is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil
	}
	return &models.IncomingMessage{
		PlatformKey:     PlatformPrefix + req.UserID,
		Text:            req.Message,
		ForceNewSession: req.ForceNew,
		StreamID:        uuid.NewString(),
	}, nil
}

// AckRequest answers 202 with the stream id the client should attach
// to, or a plain 200 for no-run events.
func (a *Adapter) AckRequest(w http.ResponseWriter, r *http.Request, body []byte, incoming *models.IncomingMessage, streamID string) {
	w.Header().Set("Content-Type", "application/json")
	if incoming == nil {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		return
	}
	if streamID == "" {
		streamID = incoming.StreamID
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "streamId": streamID})
}

// Reply delivers a command reply as a one-event stream: the client
// attaches to the acked stream id and immediately receives done.
func (a *Adapter) Reply(ctx context.Context, incoming *models.IncomingMessage, text string) error {
	if incoming == nil || incoming.StreamID == "" {
		return fmt.Errorf("web reply requires a stream id")
	}
	handle, err := a.CreateStreamHandle(incoming, incoming.StreamID)
	if err != nil {
		return err
	}
	handle.OnDone(text)
	return nil
}

// CreateStreamHandle opens (or reuses) the stream for one run.
func (a *Adapter) CreateStreamHandle(incoming *models.IncomingMessage, streamID string) (channels.StreamHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[streamID]; ok {
		return &handle{stream: s}, nil
	}
	s := newStream(streamID)
	a.streams[streamID] = s
	return &handle{stream: s}, nil
}

// ServeStream attaches an SSE client to the stream. Buffered events
// are flushed first; the connection closes after done or error, and
// the stream is removed from the hub shortly after.
func (a *Adapter) ServeStream(w http.ResponseWriter, r *http.Request, streamID string) {
	a.mu.Lock()
	s, ok := a.streams[streamID]
	a.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, done := s.attach()
	defer s.detach()

	write := func(evt Event) bool {
		data, err := json.Marshal(evt.Data)
		if err != nil {
			a.logger.Warn("sse encode failed", "stream_id", streamID, "error", err)
			return true
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Name, data)
		flusher.Flush()
		return evt.Name != "done" && evt.Name != "error"
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !write(evt) {
				a.release(streamID)
				return
			}
		case <-done:
			// Drain whatever is queued, then close.
			for {
				select {
				case evt := <-events:
					if !write(evt) {
						a.release(streamID)
						return
					}
				default:
					a.release(streamID)
					return
				}
			}
		}
	}
}

// release drops the stream from the hub after a delay so a client that
// reconnects right after done can still observe a 404 rather than a
// hang.
func (a *Adapter) release(streamID string) {
	go func() {
		time.Sleep(2 * time.Second)
		a.mu.Lock()
		delete(a.streams, streamID)
		a.mu.Unlock()
	}()
}

// HasStream reports whether a stream id is live in the hub.
func (a *Adapter) HasStream(streamID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.streams[streamID]
	return ok
}

// stream buffers events until a client attaches, then forwards live.
type stream struct {
	id string

	mu       sync.Mutex
	buffer   []Event
	events   chan Event
	attached bool
	closed   bool
	done     chan struct{}
}

func newStream(id string) *stream {
	return &stream{
		id:     id,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

func (s *stream) publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.attached {
		s.buffer = append(s.buffer, evt)
	} else {
		select {
		case s.events <- evt:
		default:
			// Slow consumer; drop the delta rather than block the run.
		}
	}
	if evt.Name == "done" || evt.Name == "error" {
		s.closed = true
		close(s.done)
	}
}

// attach flushes the buffer into the live channel and marks the
// stream attached. Single consumer per stream.
func (s *stream) attach() (<-chan Event, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range s.buffer {
		select {
		case s.events <- evt:
		default:
		}
	}
	s.buffer = nil
	s.attached = true
	return s.events, s.done
}

func (s *stream) detach() {
	s.mu.Lock()
	s.attached = false
	s.mu.Unlock()
}

// handle adapts a stream to channels.StreamHandle.
type handle struct {
	stream *stream
}

func (h *handle) OnText(delta string) {
	h.stream.publish(Event{Name: "text", Data: map[string]string{"delta": delta}})
}

func (h *handle) OnToolCall(name string, input []byte) {
	h.stream.publish(Event{Name: "tool_call", Data: map[string]any{
		"name":  name,
		"input": json.RawMessage(input),
	}})
}

func (h *handle) OnToolResult(result models.Part) {
	h.stream.publish(Event{Name: "tool_result", Data: result})
}

func (h *handle) OnClarification(req models.ClarificationRequest) {
	h.stream.publish(Event{Name: "clarification", Data: map[string]string{
		"clarificationId": req.ID,
		"prompt":          req.Prompt,
		"default":         req.Default,
	}})
}

func (h *handle) OnDone(result string) {
	h.stream.publish(Event{Name: "done", Data: map[string]string{"result": result}})
}

func (h *handle) OnError(err error) {
	h.stream.publish(Event{Name: "error", Data: map[string]string{"error": err.Error()}})
}
