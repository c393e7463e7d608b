package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
	"github.com/hua-bang/pulse-coder-sub000/internal/observability"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// loopTestProvider replays canned chunk sequences, one per Stream call,
// and records every request it receives. streamErrs maps a call index to
// an error returned from Stream itself.
type loopTestProvider struct {
	mu          sync.Mutex
	responses   [][]*CompletionChunk
	streamErrs  map[int]error
	requests    []*CompletionRequest
	currentCall int
}

func (p *loopTestProvider) Name() string { return "test" }

func (p *loopTestProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	call := p.currentCall
	p.currentCall++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if err, ok := p.streamErrs[call]; ok {
		return nil, err
	}
	if call >= len(p.responses) {
		return nil, fmt.Errorf("unexpected provider call %d", call+1)
	}

	chunks := p.responses[call]
	ch := make(chan *CompletionChunk, len(chunks))
	go func() {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *loopTestProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentCall
}

func (p *loopTestProvider) request(i int) *CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		return nil
	}
	return p.requests[i]
}

func textResponse(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, FinishReason: FinishStop},
	}
}

func finishResponse(reason FinishReason) []*CompletionChunk {
	return []*CompletionChunk{{Done: true, FinishReason: reason}}
}

func toolCallResponse(id, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.Part{Type: models.PartToolCall, ToolCallID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true, FinishReason: FinishToolCalls},
	}
}

func userSession(text string) *models.Session {
	return &models.Session{
		ID:          "session-1",
		PlatformKey: "cli:test",
		Messages:    []models.Message{models.NewTextMessage(models.RoleUser, text)},
	}
}

// scriptedCompactor returns pre-baked results in call order and records
// the force flag of each call.
type scriptedCompactor struct {
	mu      sync.Mutex
	results []*CompactionResult
	forces  []bool
}

func (c *scriptedCompactor) Compact(ctx context.Context, messages []models.Message, force bool) (*CompactionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forces = append(c.forces, force)
	if len(c.results) == 0 {
		return &CompactionResult{Compacted: false, Messages: messages}, nil
	}
	res := c.results[0]
	c.results = c.results[1:]
	if res.Messages == nil {
		res.Messages = messages
	}
	return res, nil
}

func TestDefaultLoopConfig(t *testing.T) {
	config := DefaultLoopConfig()
	if config.MaxSteps != 25 {
		t.Errorf("MaxSteps = %d, want 25", config.MaxSteps)
	}
	if config.MaxErrorCount != 3 {
		t.Errorf("MaxErrorCount = %d, want 3", config.MaxErrorCount)
	}
	if config.MaxCompactionAttempts != 2 {
		t.Errorf("MaxCompactionAttempts = %d, want 2", config.MaxCompactionAttempts)
	}
	if config.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", config.MaxTokens)
	}
}

func TestSanitizeLoopConfig(t *testing.T) {
	if got := sanitizeLoopConfig(nil); got.MaxSteps != 25 {
		t.Errorf("nil config MaxSteps = %d, want 25", got.MaxSteps)
	}

	capped := sanitizeLoopConfig(&LoopConfig{MaxSteps: 500})
	if capped.MaxSteps != 100 {
		t.Errorf("MaxSteps = %d, want hard cap 100", capped.MaxSteps)
	}
	if capped.MaxErrorCount != 3 {
		t.Errorf("MaxErrorCount = %d, want default 3", capped.MaxErrorCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{8, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.n); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func TestLoop_PlainCompletion(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			textResponse("Hello, how can I help?"),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	var streamed strings.Builder
	session := userSession("hi")
	result, err := loop.Run(context.Background(), session, &RunOptions{
		Callbacks: Callbacks{OnText: func(delta string) { streamed.WriteString(delta) }},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Hello, how can I help?" {
		t.Errorf("result = %q, want %q", result, "Hello, how can I help?")
	}
	if streamed.String() != "Hello, how can I help?" {
		t.Errorf("streamed text = %q, want full response", streamed.String())
	}

	if len(session.Messages) != 2 {
		t.Fatalf("session has %d messages, want 2", len(session.Messages))
	}
	last := session.Messages[1]
	if last.Role != models.RoleAssistant || last.Content != "Hello, how can I help?" {
		t.Errorf("appended message = %+v, want assistant text", last)
	}
	if provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls())
	}
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			toolCallResponse("call-1", "echo", `{"text":"ping"}`),
			textResponse("The tool said: ping"),
		},
	}

	registry := NewToolRegistry()
	registry.Register(echoTool())

	loop := NewLoop(provider, registry, nil, nil, nil)

	var calledTool string
	var toolResults []models.Part
	session := userSession("echo ping")
	result, err := loop.Run(context.Background(), session, &RunOptions{
		Callbacks: Callbacks{
			OnToolCall:   func(name string, input json.RawMessage) { calledTool = name },
			OnToolResult: func(r models.Part) { toolResults = append(toolResults, r) },
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "The tool said: ping" {
		t.Errorf("result = %q, want final text", result)
	}
	if calledTool != "echo" {
		t.Errorf("OnToolCall name = %q, want echo", calledTool)
	}
	if len(toolResults) != 1 || toolResults[0].IsError {
		t.Fatalf("toolResults = %+v, want one success", toolResults)
	}

	// Canonical order: user, assistant(tool call), tool(result), assistant(text).
	if len(session.Messages) != 4 {
		t.Fatalf("session has %d messages, want 4", len(session.Messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if session.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, session.Messages[i].Role, want)
		}
	}
	if err := models.ValidateToolPairing(session.Messages); err != nil {
		t.Errorf("tool pairing broken: %v", err)
	}

	// The second request must carry the tool exchange.
	second := provider.request(1)
	if second == nil || len(second.Messages) != 3 {
		t.Fatalf("second request carried %d messages, want 3", len(second.Messages))
	}
	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
}

func TestLoop_EmptyStopReenters(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishStop),
			textResponse("Second try."),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	session := userSession("go")
	result, err := loop.Run(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Second try." {
		t.Errorf("result = %q, want re-entered completion", result)
	}
	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
	// An empty assistant turn is not persisted.
	if len(session.Messages) != 2 {
		t.Errorf("session has %d messages, want 2", len(session.Messages))
	}
}

func TestLoop_EmptyStopBoundedByMaxSteps(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishStop),
		},
	}
	config := DefaultLoopConfig()
	config.MaxSteps = 1
	loop := NewLoop(provider, NewToolRegistry(), nil, config, nil)

	result, err := loop.Run(context.Background(), userSession("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultMaxSteps {
		t.Errorf("result = %q, want %q", result, ResultMaxSteps)
	}
	if provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls())
	}
}

func TestLoop_ContentFilter(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishContentFilter),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultFiltered {
		t.Errorf("result = %q, want %q", result, ResultFiltered)
	}
}

func TestLoop_ContentFilterKeepsPartialText(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			{{Text: "Partial answer"}, {Done: true, FinishReason: FinishContentFilter}},
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Partial answer" {
		t.Errorf("result = %q, want partial text preserved", result)
	}
}

func TestLoop_FinishErrorReturnsTaskFailed(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishError),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %q, want %q", result, ResultFailed)
	}
}

func TestLoop_LengthWithoutCompactor(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishLength),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultContextLimit {
		t.Errorf("result = %q, want %q", result, ResultContextLimit)
	}
}

func TestLoop_MaxStepsStopsBeforeToolExecution(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			toolCallResponse("call-1", "echo", `{"text":"x"}`),
		},
	}

	executed := false
	registry := NewToolRegistry()
	tool := echoTool()
	tool.execute = func(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error) {
		executed = true
		return input, nil
	}
	registry.Register(tool)

	config := DefaultLoopConfig()
	config.MaxSteps = 1
	loop := NewLoop(provider, registry, nil, config, nil)

	result, err := loop.Run(context.Background(), userSession("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultMaxSteps {
		t.Errorf("result = %q, want %q", result, ResultMaxSteps)
	}
	if executed {
		t.Error("tool executed after step budget was exhausted")
	}
}

func TestLoop_NonRetryableErrorFailsFast(t *testing.T) {
	provider := &loopTestProvider{
		streamErrs: map[int]error{
			0: &ProviderError{Status: 400, Message: "bad request"},
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(result, "Error: ") {
		t.Errorf("result = %q, want Error prefix", result)
	}
	if provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls())
	}
}

func TestLoop_RetryableErrorBacksOffAndRecovers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backoff timing test in short mode")
	}
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			nil,
			textResponse("Recovered."),
		},
		streamErrs: map[int]error{
			0: &ProviderError{Status: 429, Message: "rate limited"},
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	start := time.Now()
	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Recovered." {
		t.Errorf("result = %q, want %q", result, "Recovered.")
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("elapsed = %v, want at least the 2s first backoff", elapsed)
	}
	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
}

func TestLoop_FailsAfterMaxErrors(t *testing.T) {
	provider := &loopTestProvider{
		streamErrs: map[int]error{
			0: &ProviderError{Status: 429, Message: "rate limited"},
		},
	}
	config := DefaultLoopConfig()
	config.MaxErrorCount = 1
	loop := NewLoop(provider, NewToolRegistry(), nil, config, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(result, "Failed after 1 errors: ") {
		t.Errorf("result = %q, want failure summary", result)
	}
	if provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls())
	}
}

func TestLoop_StreamErrorChunk(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			{
				{Text: "Thinking"},
				{Err: &ProviderError{Status: 401, Message: "unauthorized"}},
			},
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(result, "Error: ") {
		t.Errorf("result = %q, want Error prefix", result)
	}
}

func TestLoop_CancellationDuringToolExecution(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			toolCallResponse("call-1", "echo", `{"text":"x"}`),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	registry := NewToolRegistry()
	tool := echoTool()
	tool.execute = func(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error) {
		cancel()
		return input, nil
	}
	registry.Register(tool)

	loop := NewLoop(provider, registry, nil, nil, nil)

	result, err := loop.Run(ctx, userSession("go"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != ResultAborted {
		t.Errorf("result = %q, want %q", result, ResultAborted)
	}
	if provider.calls() != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls())
	}
}

func TestLoop_RequiresProvider(t *testing.T) {
	loop := NewLoop(nil, NewToolRegistry(), nil, nil, nil)
	if _, err := loop.Run(context.Background(), userSession("hi"), nil); err != ErrNoProvider {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestLoop_ProviderOverride(t *testing.T) {
	override := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("From override.")},
	}
	loop := NewLoop(nil, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{Provider: override})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "From override." {
		t.Errorf("result = %q, want override response", result)
	}
}

func TestLoop_BeforeRunHookErrorAbortsRun(t *testing.T) {
	reg := hooks.NewRegistry(nil)
	reg.Register(hooks.BeforeRun, func(ctx context.Context, p *hooks.Payload) (*hooks.Result, error) {
		return nil, fmt.Errorf("run rejected")
	})

	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("never")},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	_, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{Hooks: reg.Snapshot()})
	if err == nil {
		t.Fatal("expected beforeRun error to propagate")
	}
	if provider.calls() != 0 {
		t.Errorf("provider called %d times, want 0", provider.calls())
	}
}

func TestLoop_BeforeLLMCallMutatesRequest(t *testing.T) {
	reg := hooks.NewRegistry(nil)
	reg.Register(hooks.BeforeLLMCall, func(ctx context.Context, p *hooks.Payload) (*hooks.Result, error) {
		patched := p.SystemPrompt + "\n\nAlways answer in French."
		return &hooks.Result{SystemPrompt: &patched}, nil
	})

	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("Bonjour.")},
	}
	config := DefaultLoopConfig()
	config.SystemPrompt = "You are helpful."
	loop := NewLoop(provider, NewToolRegistry(), nil, config, nil)

	if _, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{Hooks: reg.Snapshot()}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	req := provider.request(0)
	if req == nil {
		t.Fatal("no request captured")
	}
	want := "You are helpful.\n\nAlways answer in French."
	if req.System != want {
		t.Errorf("request system = %q, want %q", req.System, want)
	}
}

func TestLoop_AfterRunHookErrorIsLogged(t *testing.T) {
	reg := hooks.NewRegistry(nil)
	var seenResult string
	reg.Register(hooks.AfterRun, func(ctx context.Context, p *hooks.Payload) (*hooks.Result, error) {
		seenResult = p.Result
		return nil, fmt.Errorf("audit sink down")
	})

	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("Done.")},
	}
	loop := NewLoop(provider, NewToolRegistry(), nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{Hooks: reg.Snapshot()})
	if err != nil {
		t.Fatalf("afterRun hook error must not fail the run: %v", err)
	}
	if result != "Done." {
		t.Errorf("result = %q, want %q", result, "Done.")
	}
	if seenResult != "Done." {
		t.Errorf("afterRun saw result %q, want %q", seenResult, "Done.")
	}
}

func TestLoop_PreLoopCompaction(t *testing.T) {
	compacted := []models.Message{models.NewTextMessage(models.RoleUser, "[COMPACTED_CONTEXT] summary")}
	compactor := &scriptedCompactor{
		results: []*CompactionResult{
			{
				Compacted: true,
				Messages:  compacted,
				Event:     models.CompactionEvent{Strategy: models.StrategySummary, BeforeTokens: 1000, AfterTokens: 100},
			},
		},
	}

	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("Slimmed down.")},
	}
	loop := NewLoop(provider, NewToolRegistry(), compactor, nil, nil)

	var events []models.CompactionEvent
	session := userSession("long history")
	result, err := loop.Run(context.Background(), session, &RunOptions{
		Callbacks: Callbacks{OnCompacted: func(e models.CompactionEvent) { events = append(events, e) }},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Slimmed down." {
		t.Errorf("result = %q, want completion after compaction", result)
	}

	if len(events) != 1 {
		t.Fatalf("got %d compaction events, want 1", len(events))
	}
	if events[0].Attempt != 1 || events[0].Trigger != models.TriggerPreLoop {
		t.Errorf("event = %+v, want attempt 1 pre-loop", events[0])
	}

	// The provider saw the compacted history plus the appended response.
	req := provider.request(0)
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "[COMPACTED_CONTEXT]") {
		t.Errorf("request messages = %+v, want compacted context", req.Messages)
	}

	// force must be false on the pre-loop path.
	if len(compactor.forces) == 0 || compactor.forces[0] {
		t.Errorf("forces = %v, want leading false", compactor.forces)
	}
}

func TestLoop_CompactionAttemptBudget(t *testing.T) {
	// A compactor that always reports progress must still be limited to
	// MaxCompactionAttempts per run.
	always := &alwaysCompactor{}
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{textResponse("Finally answered.")},
	}
	loop := NewLoop(provider, NewToolRegistry(), always, nil, nil)

	result, err := loop.Run(context.Background(), userSession("hi"), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Finally answered." {
		t.Errorf("result = %q, want completion", result)
	}
	if always.calls != 2 {
		t.Errorf("compactor called %d times, want 2", always.calls)
	}
}

type alwaysCompactor struct {
	calls int
}

func (c *alwaysCompactor) Compact(ctx context.Context, messages []models.Message, force bool) (*CompactionResult, error) {
	c.calls++
	return &CompactionResult{
		Compacted: true,
		Messages:  messages,
		Event:     models.CompactionEvent{Strategy: models.StrategyFallback},
	}, nil
}

func TestLoop_LengthRetryForcesCompaction(t *testing.T) {
	compactor := &scriptedCompactor{
		results: []*CompactionResult{
			{Compacted: false}, // pre-loop check before the first call
			{
				Compacted: true,
				Event:     models.CompactionEvent{Strategy: models.StrategySummary},
			},
			{Compacted: false}, // pre-loop check before the retry
		},
	}

	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			finishResponse(FinishLength),
			textResponse("Fits now."),
		},
	}
	loop := NewLoop(provider, NewToolRegistry(), compactor, nil, nil)

	var events []models.CompactionEvent
	result, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{
		Callbacks: Callbacks{OnCompacted: func(e models.CompactionEvent) { events = append(events, e) }},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Fits now." {
		t.Errorf("result = %q, want retry completion", result)
	}

	wantForces := []bool{false, true, false}
	if len(compactor.forces) != len(wantForces) {
		t.Fatalf("forces = %v, want %v", compactor.forces, wantForces)
	}
	for i, want := range wantForces {
		if compactor.forces[i] != want {
			t.Errorf("force %d = %v, want %v", i, compactor.forces[i], want)
		}
	}

	if len(events) != 1 || events[0].Trigger != models.TriggerLengthRetry {
		t.Errorf("events = %+v, want one length-retry event", events)
	}
	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
}

func TestLoop_ClarificationReachesTool(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			toolCallResponse("call-1", "confirm", `{}`),
			textResponse("Confirmed."),
		},
	}

	var answer string
	registry := NewToolRegistry()
	registry.Register(&testTool{
		name: "confirm",
		execute: func(ctx context.Context, input json.RawMessage, ec *ExecContext) (json.RawMessage, error) {
			got, err := ec.Ask(ctx, &models.ClarificationRequest{Prompt: "Proceed?", Default: "no"})
			if err != nil {
				return nil, err
			}
			answer = got
			return json.RawMessage(`{"answer":"` + got + `"}`), nil
		},
	})

	loop := NewLoop(provider, registry, nil, nil, nil)

	result, err := loop.Run(context.Background(), userSession("do it"), &RunOptions{
		Callbacks: Callbacks{
			OnClarification: func(ctx context.Context, req *models.ClarificationRequest) (string, error) {
				return "yes", nil
			},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "Confirmed." {
		t.Errorf("result = %q, want %q", result, "Confirmed.")
	}
	if answer != "yes" {
		t.Errorf("tool received answer %q, want %q", answer, "yes")
	}
}

func TestSystemPromptOption_Compose(t *testing.T) {
	base := "You are helpful."

	var nilOpt *SystemPromptOption
	if got := nilOpt.Compose(base); got != base {
		t.Errorf("nil option = %q, want base", got)
	}

	if got := (&SystemPromptOption{Text: "Replaced."}).Compose(base); got != "Replaced." {
		t.Errorf("Text = %q, want replacement", got)
	}

	appended := (&SystemPromptOption{Append: "Focus on brevity."}).Compose(base)
	want := "You are helpful.\n\nFocus on brevity."
	if appended != want {
		t.Errorf("Append = %q, want %q", appended, want)
	}

	fn := &SystemPromptOption{
		Text: "ignored",
		Func: func() string { return "Computed prompt." },
	}
	if got := fn.Compose(base); got != "Computed prompt." {
		t.Errorf("Func = %q, want function result", got)
	}
}

func TestLoop_RecordsCallMetrics(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]*CompletionChunk{
			toolCallResponse("call-1", "echo", `{"text":"ping"}`),
			toolCallResponse("call-2", "missing", `{}`),
			textResponse("done"),
		},
	}

	registry := NewToolRegistry()
	registry.Register(echoTool())

	loop := NewLoop(provider, registry, nil, &LoopConfig{Model: "test-model"}, nil)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	session := userSession("instrument me")
	result, err := loop.Run(context.Background(), session, &RunOptions{Metrics: metrics})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != "done" {
		t.Errorf("result = %q, want done", result)
	}

	if got := testutil.ToFloat64(metrics.LLMCalls.WithLabelValues("test", "test-model", "success")); got != 3 {
		t.Errorf("llm calls = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("echo", "success")); got != 1 {
		t.Errorf("echo executions = %v, want 1", got)
	}
	// The unknown tool dispatch resolves to an error-typed result.
	if got := testutil.ToFloat64(metrics.ToolExecutions.WithLabelValues("missing", "error")); got != 1 {
		t.Errorf("missing executions = %v, want 1", got)
	}
}

func TestLoop_RecordsStreamFailureMetric(t *testing.T) {
	provider := &loopTestProvider{
		streamErrs: map[int]error{0: &ProviderError{Status: 400, Message: "boom"}},
	}
	loop := NewLoop(provider, nil, nil, &LoopConfig{Model: "test-model"}, nil)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	if _, err := loop.Run(context.Background(), userSession("hi"), &RunOptions{Metrics: metrics}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.LLMCalls.WithLabelValues("test", "test-model", "error")); got != 1 {
		t.Errorf("failed llm calls = %v, want 1", got)
	}
}
