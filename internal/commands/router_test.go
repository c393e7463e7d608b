package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/internal/sessions"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

type staticSkills []SkillInfo

func (s staticSkills) Skills() []SkillInfo { return s }

type fakeCompactor struct {
	compacts bool
	calls    int
	force    bool
}

func (f *fakeCompactor) Compact(ctx context.Context, messages []models.Message, force bool) (*agent.CompactionResult, error) {
	f.calls++
	f.force = force
	if !f.compacts {
		return &agent.CompactionResult{Messages: messages}, nil
	}
	next := []models.Message{
		models.NewTextMessage(models.RoleAssistant, "summary of earlier turns"),
		messages[len(messages)-1],
	}
	return &agent.CompactionResult{
		Compacted: true,
		Messages:  next,
		Event: models.CompactionEvent{
			Strategy:       models.StrategySummary,
			Forced:         force,
			BeforeMessages: len(messages),
			AfterMessages:  len(next),
		},
	}, nil
}

type failingStore struct {
	sessions.Store
}

func (f *failingStore) ListSessions(ctx context.Context, platformKey string, limit int) ([]models.SessionSummary, error) {
	return nil, errors.New("backend offline")
}

func newTestRouter(skills SkillSource) (*Router, sessions.Store, *runs.Registry, *fakeCompactor) {
	store := sessions.NewMemoryStore()
	active := runs.NewRegistry()
	compactor := &fakeCompactor{}
	router := NewRouter(store, active, compactor, skills, nil)
	return router, store, active, compactor
}

func mustRoute(t *testing.T, router *Router, platformKey, text string) *Result {
	t.Helper()
	res, err := router.Route(context.Background(), platformKey, text)
	if err != nil {
		t.Fatalf("Route(%q): %v", text, err)
	}
	if res == nil {
		t.Fatalf("Route(%q) returned nil result", text)
	}
	return res
}

func seedSession(t *testing.T, store sessions.Store, platformKey, question string) string {
	t.Helper()
	ctx := context.Background()
	session, err := store.GetOrCreate(ctx, platformKey, true, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	messages := []models.Message{
		models.NewTextMessage(models.RoleUser, question),
		models.NewTextMessage(models.RoleAssistant, "answer"),
	}
	if err := store.Save(ctx, session.ID, messages); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return session.ID
}

func TestRouteNonCommand(t *testing.T) {
	router, _, _, _ := newTestRouter(nil)

	res := mustRoute(t, router, "web:alice", "what is the capital of France?")
	if res.Outcome != OutcomeNone {
		t.Errorf("Outcome = %q, want %q", res.Outcome, OutcomeNone)
	}
	if res.Message != "" || res.NewText != "" {
		t.Errorf("unexpected payload in none result: %+v", res)
	}
}

func TestRouteUnknownCommandShowsHelp(t *testing.T) {
	router, _, _, _ := newTestRouter(nil)

	res := mustRoute(t, router, "web:alice", "/bogus")
	if res.Outcome != OutcomeHandled {
		t.Fatalf("Outcome = %q, want handled", res.Outcome)
	}
	if !strings.Contains(res.Message, "Unknown command /bogus") {
		t.Errorf("message missing unknown notice: %q", res.Message)
	}
	if !strings.Contains(res.Message, "/resume [id]") {
		t.Errorf("message missing command list: %q", res.Message)
	}
}

func TestRouteHelp(t *testing.T) {
	router, _, _, _ := newTestRouter(nil)

	for _, text := range []string{"/help", "/start"} {
		res := mustRoute(t, router, "web:alice", text)
		if res.Outcome != OutcomeHandled {
			t.Fatalf("%s: Outcome = %q, want handled", text, res.Outcome)
		}
		if !strings.Contains(res.Message, "Available commands:") {
			t.Errorf("%s: missing header: %q", text, res.Message)
		}
		for _, want := range []string{"/new", "/clear", "/skills <name|number> <message>", "/compact", "/stop"} {
			if !strings.Contains(res.Message, want) {
				t.Errorf("%s: help missing %q", text, want)
			}
		}
	}
}

func TestRouteNew(t *testing.T) {
	router, store, _, _ := newTestRouter(nil)
	ctx := context.Background()

	res := mustRoute(t, router, "web:alice", "/new")
	if res.Outcome != OutcomeHandled {
		t.Fatalf("Outcome = %q, want handled", res.Outcome)
	}

	id, err := store.GetCurrentID(ctx, "web:alice")
	if err != nil {
		t.Fatalf("GetCurrentID: %v", err)
	}
	if id == "" {
		t.Fatal("no current session after /new")
	}
	if !strings.Contains(res.Message, id) {
		t.Errorf("message %q does not name session %s", res.Message, id)
	}
}

func TestRouteClear(t *testing.T) {
	router, store, _, _ := newTestRouter(nil)
	ctx := context.Background()

	t.Run("no session creates one", func(t *testing.T) {
		res := mustRoute(t, router, "web:fresh", "/clear")
		if !strings.Contains(res.Message, "Started new session") {
			t.Errorf("message = %q, want new-session notice", res.Message)
		}
		if id, _ := store.GetCurrentID(ctx, "web:fresh"); id == "" {
			t.Error("no current session after /clear on fresh key")
		}
	})

	t.Run("existing session wiped in place", func(t *testing.T) {
		id := seedSession(t, store, "web:alice", "first question")

		res := mustRoute(t, router, "web:alice", "/clear")
		if !strings.Contains(res.Message, "Cleared session "+id) {
			t.Errorf("message = %q, want cleared notice for %s", res.Message, id)
		}

		session, err := store.GetCurrent(ctx, "web:alice")
		if err != nil {
			t.Fatalf("GetCurrent: %v", err)
		}
		if session == nil || session.ID != id {
			t.Fatalf("current session changed: %+v", session)
		}
		if len(session.Messages) != 0 {
			t.Errorf("session still has %d messages", len(session.Messages))
		}
	})
}

func TestRouteResumeListsSessions(t *testing.T) {
	router, store, _, _ := newTestRouter(nil)

	t.Run("empty", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/sessions")
		if res.Message != "No sessions yet." {
			t.Errorf("message = %q", res.Message)
		}
	})

	first := seedSession(t, store, "web:alice", "older question")
	second := seedSession(t, store, "web:alice", "newer question")

	res := mustRoute(t, router, "web:alice", "/sessions")
	if res.Outcome != OutcomeHandled {
		t.Fatalf("Outcome = %q, want handled", res.Outcome)
	}

	lines := strings.Split(res.Message, "\n")
	var firstLine, secondLine string
	for _, line := range lines {
		if strings.Contains(line, first) {
			firstLine = line
		}
		if strings.Contains(line, second) {
			secondLine = line
		}
	}
	if firstLine == "" || secondLine == "" {
		t.Fatalf("listing missing sessions:\n%s", res.Message)
	}
	if !strings.Contains(secondLine, "✅") {
		t.Errorf("current session not marked: %q", secondLine)
	}
	if strings.Contains(firstLine, "✅") {
		t.Errorf("non-current session marked: %q", firstLine)
	}
	if !strings.Contains(res.Message, "newer question") {
		t.Errorf("listing missing preview:\n%s", res.Message)
	}
}

func TestRouteResumeAttach(t *testing.T) {
	router, store, _, _ := newTestRouter(nil)
	ctx := context.Background()

	first := seedSession(t, store, "web:alice", "older question")
	seedSession(t, store, "web:alice", "newer question")
	foreign := seedSession(t, store, "telegram:9", "someone else")

	t.Run("attach switches current", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/resume "+first)
		if !strings.Contains(res.Message, "Resumed session "+first) {
			t.Errorf("message = %q", res.Message)
		}
		if id, _ := store.GetCurrentID(ctx, "web:alice"); id != first {
			t.Errorf("current = %s, want %s", id, first)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/resume nope")
		if res.Message != "Session nope not found." {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("foreign session refused", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/resume "+foreign)
		if !strings.Contains(res.Message, "session belongs to a different recipient") {
			t.Errorf("message = %q", res.Message)
		}
		if id, _ := store.GetCurrentID(ctx, "web:alice"); id != first {
			t.Errorf("current moved to %s after refused attach", id)
		}
	})
}

func TestRouteStatus(t *testing.T) {
	router, store, active, _ := newTestRouter(nil)

	t.Run("idle without session", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/status")
		if !strings.Contains(res.Message, "Run: idle") {
			t.Errorf("message = %q", res.Message)
		}
		if !strings.Contains(res.Message, "Session: none") {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("active run and session", func(t *testing.T) {
		id := seedSession(t, store, "web:alice", "question")

		_, cancel := context.WithCancel(context.Background())
		defer cancel()
		run := runs.NewActiveRun("stream-1", "web:alice", cancel)
		run.StartedAt = time.Now().Add(-50 * time.Millisecond)
		active.Set("web:alice", run)
		defer active.Clear("web:alice")

		res := mustRoute(t, router, "web:alice", "/status")
		if !strings.Contains(res.Message, "Run: active (") {
			t.Errorf("message = %q", res.Message)
		}
		if !strings.Contains(res.Message, "Session: "+id) {
			t.Errorf("message = %q", res.Message)
		}
		if !strings.Contains(res.Message, "Messages: 2") {
			t.Errorf("message = %q", res.Message)
		}
		if !strings.Contains(res.Message, "Updated: ") {
			t.Errorf("message = %q", res.Message)
		}
	})
}

func TestRouteStop(t *testing.T) {
	router, _, active, _ := newTestRouter(nil)

	t.Run("idle", func(t *testing.T) {
		res := mustRoute(t, router, "web:alice", "/stop")
		if res.Message != "No active run to stop." {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("aborts active run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		run := runs.NewActiveRun("stream-1", "web:alice", cancel)
		active.Set("web:alice", run)
		defer active.Clear("web:alice")

		res := mustRoute(t, router, "web:alice", "/stop")
		if res.Message != "Stopping active run." {
			t.Errorf("message = %q", res.Message)
		}

		select {
		case <-ctx.Done():
		default:
			t.Error("run context not cancelled by /stop")
		}

		// The slot stays held until the dispatcher observes the abort.
		if !active.Has("web:alice") {
			t.Error("active run removed by /stop")
		}
	})
}

func TestRouteBusyPolicy(t *testing.T) {
	router, store, active, _ := newTestRouter(nil)
	seedSession(t, store, "web:alice", "question")

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	active.Set("web:alice", runs.NewActiveRun("stream-1", "web:alice", cancel))
	defer active.Clear("web:alice")

	blocked := []string{"/new", "/clear", "/resume", "/sessions", "/skills", "/compact"}
	for _, text := range blocked {
		res := mustRoute(t, router, "web:alice", text)
		if res.Message != BusyNotice {
			t.Errorf("%s while busy: message = %q, want busy notice", text, res.Message)
		}
	}

	allowed := []string{"/help", "/start", "/status", "/stop"}
	for _, text := range allowed {
		res := mustRoute(t, router, "web:alice", text)
		if res.Message == BusyNotice {
			t.Errorf("%s blocked by busy policy", text)
		}
	}

	// Other platform keys are unaffected.
	res := mustRoute(t, router, "web:bob", "/new")
	if res.Message == BusyNotice {
		t.Error("busy policy leaked across platform keys")
	}
}

func TestRouteSkillsList(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		router, _, _, _ := newTestRouter(nil)
		res := mustRoute(t, router, "web:alice", "/skills")
		if res.Message != "No skills available." {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("numbered listing", func(t *testing.T) {
		router, _, _, _ := newTestRouter(staticSkills{
			{Name: "code-review", Description: "Review a pull request"},
			{Name: "research"},
		})

		for _, text := range []string{"/skills", "/skills list"} {
			res := mustRoute(t, router, "web:alice", text)
			if !strings.Contains(res.Message, "1. code-review - Review a pull request") {
				t.Errorf("%s: message = %q", text, res.Message)
			}
			if !strings.Contains(res.Message, "2. research") {
				t.Errorf("%s: message = %q", text, res.Message)
			}
		}
	})
}

func TestRouteSkillsTransform(t *testing.T) {
	source := staticSkills{
		{Name: "code-review", Description: "Review a pull request"},
		{Name: "code-format", Description: "Format a file"},
		{Name: "research", Description: "Investigate a topic"},
	}

	tests := []struct {
		name        string
		text        string
		wantOutcome Outcome
		wantNewText string
		wantMessage string
	}{
		{
			name:        "exact name",
			text:        "/skills research why is the sky blue",
			wantOutcome: OutcomeTransformed,
			wantNewText: "[use skill](research) why is the sky blue",
		},
		{
			name:        "exact name case-insensitive",
			text:        "/skills RESEARCH why is the sky blue",
			wantOutcome: OutcomeTransformed,
			wantNewText: "[use skill](research) why is the sky blue",
		},
		{
			name:        "one-based index",
			text:        "/skills 2 main.go",
			wantOutcome: OutcomeTransformed,
			wantNewText: "[use skill](code-format) main.go",
		},
		{
			name:        "substring match",
			text:        "/skills rev this diff",
			wantOutcome: OutcomeTransformed,
			wantNewText: "[use skill](code-review) this diff",
		},
		{
			name:        "ambiguous substring",
			text:        "/skills code this diff",
			wantOutcome: OutcomeHandled,
			wantMessage: "ambiguous",
		},
		{
			name:        "no match",
			text:        "/skills deploy now",
			wantOutcome: OutcomeHandled,
			wantMessage: "No skill matches",
		},
		{
			name:        "index out of range",
			text:        "/skills 4 hello",
			wantOutcome: OutcomeHandled,
			wantMessage: "out of range",
		},
		{
			name:        "zero index out of range",
			text:        "/skills 0 hello",
			wantOutcome: OutcomeHandled,
			wantMessage: "out of range",
		},
		{
			name:        "missing message",
			text:        "/skills research",
			wantOutcome: OutcomeHandled,
			wantMessage: "Usage: /skills",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _, _, _ := newTestRouter(source)
			res := mustRoute(t, router, "web:alice", tt.text)
			if res.Outcome != tt.wantOutcome {
				t.Fatalf("Outcome = %q, want %q", res.Outcome, tt.wantOutcome)
			}
			if tt.wantNewText != "" && res.NewText != tt.wantNewText {
				t.Errorf("NewText = %q, want %q", res.NewText, tt.wantNewText)
			}
			if tt.wantMessage != "" && !strings.Contains(res.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want substring %q", res.Message, tt.wantMessage)
			}
		})
	}

	t.Run("ambiguous names both listed", func(t *testing.T) {
		router, _, _, _ := newTestRouter(source)
		res := mustRoute(t, router, "web:alice", "/skills code this diff")
		if !strings.Contains(res.Message, "code-review") || !strings.Contains(res.Message, "code-format") {
			t.Errorf("ambiguity reply missing candidates: %q", res.Message)
		}
	})
}

func TestRouteCompact(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		router, _, _, compactor := newTestRouter(nil)
		res := mustRoute(t, router, "web:alice", "/compact")
		if res.Message != "no compaction triggered" {
			t.Errorf("message = %q", res.Message)
		}
		if compactor.calls != 0 {
			t.Errorf("compactor called %d times for empty session", compactor.calls)
		}
	})

	t.Run("nothing to compact", func(t *testing.T) {
		router, store, _, _ := newTestRouter(nil)
		seedSession(t, store, "web:alice", "question")

		res := mustRoute(t, router, "web:alice", "/compact")
		if res.Message != "no compaction triggered" {
			t.Errorf("message = %q", res.Message)
		}
	})

	t.Run("forces and saves", func(t *testing.T) {
		router, store, _, compactor := newTestRouter(nil)
		compactor.compacts = true
		id := seedSession(t, store, "web:alice", "question")
		longer := []models.Message{
			models.NewTextMessage(models.RoleUser, "question"),
			models.NewTextMessage(models.RoleAssistant, "answer"),
			models.NewTextMessage(models.RoleUser, "second question"),
			models.NewTextMessage(models.RoleAssistant, "second answer"),
		}
		if err := store.Save(context.Background(), id, longer); err != nil {
			t.Fatalf("Save: %v", err)
		}

		res := mustRoute(t, router, "web:alice", "/compact")
		if !strings.Contains(res.Message, "Compacted session "+id) {
			t.Errorf("message = %q", res.Message)
		}
		if !strings.Contains(res.Message, "4 messages into 2") {
			t.Errorf("message = %q", res.Message)
		}
		if !compactor.force {
			t.Error("compaction was not forced")
		}

		session, err := store.GetCurrent(context.Background(), "web:alice")
		if err != nil {
			t.Fatalf("GetCurrent: %v", err)
		}
		if len(session.Messages) != 2 {
			t.Fatalf("saved %d messages, want 2", len(session.Messages))
		}
		if session.Messages[0].Text() != "summary of earlier turns" {
			t.Errorf("first message = %q, want summary", session.Messages[0].Text())
		}
	})
}

func TestRouteStoreErrorPropagates(t *testing.T) {
	store := &failingStore{Store: sessions.NewMemoryStore()}
	router := NewRouter(store, runs.NewRegistry(), nil, nil, nil)

	_, err := router.Route(context.Background(), "web:alice", "/sessions")
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if !strings.Contains(err.Error(), "command /resume") {
		t.Errorf("error = %v, want command context", err)
	}
}
