// Package clarify is the rendezvous between a running tool that needs
// user input and the channel endpoint that eventually delivers the
// user's answer. Requests are keyed by stream id; each run holds at
// most one outstanding request at a time.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

var (
	// ErrTimeout is returned when a request without a default answer
	// expires before the user replies.
	ErrTimeout = errors.New("clarification timed out")

	// ErrOutstanding is returned when a run asks a second question
	// while the first is still unanswered.
	ErrOutstanding = errors.New("clarification already outstanding for this run")

	// ErrNoPending is returned by Resolve when nothing is waiting for
	// the given stream and clarification id.
	ErrNoPending = errors.New("no pending clarification")
)

type pendingRequest struct {
	req    models.ClarificationRequest
	answer chan string
}

// Broker parks clarification requests until they are answered, time
// out, or the run is cancelled.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	logger  *slog.Logger
}

// NewBroker creates an empty clarification broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		pending: map[string]*pendingRequest{},
		logger:  logger.With("component", "clarify"),
	}
}

// Ask registers the request under streamID, invokes notify (so the
// channel can surface the question to the user) and blocks until
// Resolve delivers an answer, the timeout fires, or ctx is cancelled.
// A timeout resolves to the request's default answer when it has one,
// otherwise ErrTimeout. The entry is removed on every exit path.
//
// notify runs after registration; an answer that arrives while notify
// is still executing is not lost.
func (b *Broker) Ask(ctx context.Context, streamID string, req models.ClarificationRequest, notify func(models.ClarificationRequest)) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	entry := &pendingRequest{req: req, answer: make(chan string, 1)}

	b.mu.Lock()
	if _, exists := b.pending[streamID]; exists {
		b.mu.Unlock()
		return "", ErrOutstanding
	}
	b.pending[streamID] = entry
	b.mu.Unlock()

	defer b.remove(streamID, entry)

	if notify != nil {
		notify(req)
	}

	var timeoutC <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case answer := <-entry.answer:
		return answer, nil
	case <-timeoutC:
		if req.Default != "" {
			b.logger.Debug("clarification timed out, using default", "stream_id", streamID, "clarification_id", req.ID)
			return req.Default, nil
		}
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers the user's answer to the waiter registered under
// streamID. The clarification id must match the outstanding request.
func (b *Broker) Resolve(streamID, clarificationID, answer string) error {
	b.mu.Lock()
	entry, ok := b.pending[streamID]
	if ok && entry.req.ID != clarificationID {
		b.mu.Unlock()
		return fmt.Errorf("%w: id %q does not match outstanding request", ErrNoPending, clarificationID)
	}
	if ok {
		delete(b.pending, streamID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNoPending
	}
	entry.answer <- answer
	return nil
}

// Outstanding returns the stream's unanswered request, if any.
func (b *Broker) Outstanding(streamID string) (models.ClarificationRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[streamID]
	if !ok {
		return models.ClarificationRequest{}, false
	}
	return entry.req, true
}

// remove clears the entry only if it is still the one Ask registered;
// Resolve may already have replaced or removed it.
func (b *Broker) remove(streamID string, entry *pendingRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.pending[streamID]; ok && current == entry {
		delete(b.pending, streamID)
	}
}
