package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// internalPlatformKey is the default conversation for internal runs
// that do not name one.
const internalPlatformKey = "internal:agent"

// askPolicy decides how an internal run answers clarification requests,
// since there is no human on the other end.
type askPolicy string

const (
	// askNever answers with the request's default, or an empty string
	// when it has none.
	askNever askPolicy = "never"

	// askDefault answers with the request's default and fails the run
	// when it has none.
	askDefault askPolicy = "default"
)

type agentRunRequest struct {
	PlatformKey     string `json:"platformKey"`
	Text            string `json:"text"`
	Message         string `json:"message"`
	Prompt          string `json:"prompt"`
	Skill           string `json:"skill"`
	ForceNewSession bool   `json:"forceNewSession"`
	AskPolicy       string `json:"askPolicy"`
}

// requestText returns the first populated text alias.
func (r *agentRunRequest) requestText() string {
	for _, t := range []string{r.Text, r.Message, r.Prompt} {
		if strings.TrimSpace(t) != "" {
			return t
		}
	}
	return ""
}

type agentToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type agentRunResponse struct {
	OK                 bool                     `json:"ok"`
	RunID              string                   `json:"runId"`
	PlatformKey        string                   `json:"platformKey"`
	SessionID          string                   `json:"sessionId"`
	RequestText        string                   `json:"requestText"`
	Result             string                   `json:"result"`
	ToolCalls          []agentToolCall          `json:"toolCalls"`
	CompactionCount    int                      `json:"compactionCount"`
	Compactions        []models.CompactionEvent `json:"compactions"`
	ClarificationCount int                      `json:"clarificationCount"`
	Error              string                   `json:"error,omitempty"`
}

// handleAgentRun executes one synchronous run for the internal surface.
// The caller blocks until the loop returns; streaming events are
// collected into the response instead of a stream handle.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req agentRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid json body"})
		return
	}

	text := req.requestText()
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "text is required"})
		return
	}
	if req.Skill != "" {
		text = fmt.Sprintf("[use skill](%s) %s", req.Skill, text)
	}

	policy := askPolicy(req.AskPolicy)
	if policy == "" {
		policy = askNever
	}
	if policy != askNever && policy != askDefault {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": fmt.Sprintf("unknown askPolicy %q", req.AskPolicy)})
		return
	}

	platformKey := req.PlatformKey
	if platformKey == "" {
		platformKey = internalPlatformKey
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run := runs.NewActiveRun(runID, platformKey, cancel)
	if !s.active.TryAcquire(platformKey, run) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": "another run is active for this platform key"})
		return
	}
	defer s.active.Clear(platformKey)

	if s.metrics != nil {
		s.metrics.RunsStarted.WithLabelValues("internal").Inc()
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}
	start := time.Now()

	session, err := s.store.GetOrCreate(runCtx, platformKey, req.ForceNewSession, "")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	session.Messages = append(session.Messages, models.NewTextMessage(models.RoleUser, text))

	collector := &runCollector{policy: policy}
	result, err := s.loop.Run(runCtx, session, &agent.RunOptions{
		Run: &models.RunContext{
			RunID:       runID,
			PlatformKey: platformKey,
			SessionID:   session.ID,
			UserText:    text,
		},
		Callbacks: collector.callbacks(),
		Hooks:     s.hookSnapshot(),
		Metrics:   s.metrics,
		Tracer:    s.tracer,
	})

	saveCtx, cancelSave := context.WithTimeout(context.Background(), saveTimeout)
	defer cancelSave()
	if saveErr := s.store.Save(saveCtx, session.ID, session.Messages); saveErr != nil {
		s.logger.Error("session save failed", "session_id", session.ID, "error", saveErr)
	}

	status := "success"
	resp := collector.response(runID, platformKey, session.ID, text)
	if err != nil {
		status = "error"
		resp.Error = err.Error()
	} else {
		resp.OK = true
		resp.Result = result
	}

	if s.metrics != nil {
		s.metrics.RunsCompleted.WithLabelValues("internal", status).Inc()
		s.metrics.RunDuration.WithLabelValues("internal").Observe(time.Since(start).Seconds())
	}

	code := http.StatusOK
	if err != nil {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, resp)
}

// runCollector gathers loop events for the synchronous response and
// answers clarifications per the configured policy.
type runCollector struct {
	policy askPolicy

	mu             sync.Mutex
	toolCalls      []agentToolCall
	compactions    []models.CompactionEvent
	clarifications int
}

func (c *runCollector) callbacks() agent.Callbacks {
	return agent.Callbacks{
		OnToolCall: func(name string, input json.RawMessage) {
			c.mu.Lock()
			c.toolCalls = append(c.toolCalls, agentToolCall{Name: name, Input: input})
			c.mu.Unlock()
		},
		OnCompacted: func(event models.CompactionEvent) {
			c.mu.Lock()
			c.compactions = append(c.compactions, event)
			c.mu.Unlock()
		},
		OnClarification: func(ctx context.Context, req *models.ClarificationRequest) (string, error) {
			c.mu.Lock()
			c.clarifications++
			c.mu.Unlock()
			if req.Default != "" {
				return req.Default, nil
			}
			if c.policy == askDefault {
				return "", errors.New("clarification required but the request has no default answer")
			}
			return "", nil
		},
	}
}

func (c *runCollector) response(runID, platformKey, sessionID, text string) *agentRunResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &agentRunResponse{
		RunID:              runID,
		PlatformKey:        platformKey,
		SessionID:          sessionID,
		RequestText:        text,
		ToolCalls:          c.toolCalls,
		Compactions:        c.compactions,
		CompactionCount:    len(c.compactions),
		ClarificationCount: c.clarifications,
	}
}
