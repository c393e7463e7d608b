// Package channels defines the platform adapter boundary. An adapter
// translates one chat platform's wire format into normalized incoming
// messages and exposes a stream handle the dispatcher writes run
// events into. The dispatcher never sees platform payloads; adapters
// never see the agent loop.
package channels

import (
	"context"
	"errors"
	"net/http"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// ErrStreamClosed is returned when events are written to a stream
// handle that already received done or error.
var ErrStreamClosed = errors.New("stream closed")

// Adapter is the contract every chat platform implements.
//
// The dispatcher reads the request body once and hands the bytes to
// every method that needs them, so signature verification and event
// parsing see identical input.
type Adapter interface {
	// Name identifies the platform ("telegram", "slack", "web").
	Name() string

	// VerifyRequest authenticates one inbound webhook request.
	VerifyRequest(r *http.Request, body []byte) bool

	// ParseIncoming extracts the user message. A nil message with a
	// nil error means the event needs no run (heartbeat, bot echo,
	// challenge); the dispatcher acks and stops.
	ParseIncoming(r *http.Request, body []byte) (*models.IncomingMessage, error)

	// AckRequest writes the platform's immediate HTTP response.
	// incoming is nil for no-run events; streamID is empty until the
	// dispatcher allocated one.
	AckRequest(w http.ResponseWriter, r *http.Request, body []byte, incoming *models.IncomingMessage, streamID string)

	// Reply sends a plain message outside any run: command replies
	// and busy notices.
	Reply(ctx context.Context, incoming *models.IncomingMessage, text string) error

	// CreateStreamHandle opens the event sink for one run.
	CreateStreamHandle(incoming *models.IncomingMessage, streamID string) (StreamHandle, error)
}

// StreamHandle receives one run's events in production order.
type StreamHandle interface {
	// OnText delivers one response text delta.
	OnText(delta string)

	// OnToolCall reports a tool the model requested.
	OnToolCall(name string, input []byte)

	// OnClarification surfaces a mid-run question to the user.
	OnClarification(req models.ClarificationRequest)

	// OnDone delivers the run's terminal result and closes the stream.
	OnDone(result string)

	// OnError reports a run failure and closes the stream.
	OnError(err error)
}

// ToolResultHandler is the optional stream-handle extension for
// platforms that surface tool outputs. The dispatcher checks for it by
// interface assertion.
type ToolResultHandler interface {
	OnToolResult(result models.Part)
}
