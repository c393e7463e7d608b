package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/commands"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// replPlatformKey is the conversation key for the local REPL.
const replPlatformKey = "cli:local"

// REPL drives an interactive chat session against the runtime. One
// SIGINT aborts the in-flight run; at the prompt it exits.
type REPL struct {
	rt  *Runtime
	in  io.Reader
	out io.Writer
}

// NewREPL wires a REPL over the given streams. Nil streams default to
// stdin/stdout.
func NewREPL(rt *Runtime, in io.Reader, out io.Writer) *REPL {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &REPL{rt: rt, in: in, out: out}
}

// Run reads lines until exit, EOF or an idle interrupt.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	fmt.Fprintln(r.out, "pulsecoder chat — type a message, /help for commands, exit to quit")

	for {
		fmt.Fprint(r.out, "> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupt:
			fmt.Fprintln(r.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "exit" {
				return nil
			}
			if err := r.handleLine(ctx, text, lines, interrupt); err != nil {
				return err
			}
		}
	}
}

// handleLine routes one input line: slash command or agent run.
func (r *REPL) handleLine(ctx context.Context, text string, lines <-chan string, interrupt <-chan os.Signal) error {
	res, err := r.rt.Commands.Route(ctx, replPlatformKey, text)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return nil
	}
	switch res.Outcome {
	case commands.OutcomeHandled:
		fmt.Fprintln(r.out, res.Message)
		return nil
	case commands.OutcomeHandledSilent:
		return nil
	case commands.OutcomeTransformed:
		text = res.NewText
	}
	return r.runTurn(ctx, text, lines, interrupt)
}

// runTurn executes one agent run, streaming output to the terminal.
func (r *REPL) runTurn(ctx context.Context, text string, lines <-chan string, interrupt <-chan os.Signal) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.NewString()
	active := runs.NewActiveRun(runID, replPlatformKey, cancel)
	if !r.rt.Active.TryAcquire(replPlatformKey, active) {
		fmt.Fprintln(r.out, commands.BusyNotice)
		return nil
	}
	defer r.rt.Active.Clear(replPlatformKey)

	// First SIGINT during the run aborts it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-interrupt:
			fmt.Fprintln(r.out, "\naborting…")
			cancel()
		case <-watchDone:
		}
	}()

	session, err := r.rt.Store.GetOrCreate(runCtx, replPlatformKey, false, "")
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return nil
	}
	session.Messages = append(session.Messages, models.NewTextMessage(models.RoleUser, text))

	result, err := r.rt.Loop.Run(runCtx, session, &agent.RunOptions{
		Run: &models.RunContext{
			RunID:       runID,
			PlatformKey: replPlatformKey,
			SessionID:   session.ID,
			UserText:    text,
		},
		Callbacks: r.callbacks(runCtx, lines),
		Hooks:     r.rt.Hooks.Snapshot(),
		Metrics:   r.rt.Metrics,
		Tracer:    r.rt.Tracer,
	})

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()
	if saveErr := r.rt.Store.Save(saveCtx, session.ID, session.Messages); saveErr != nil {
		r.rt.Logger.Warn("session save failed", "error", saveErr)
	}

	if err != nil {
		fmt.Fprintf(r.out, "\nError: %v\n", err)
		return nil
	}
	fmt.Fprintf(r.out, "\n%s\n", result)
	return nil
}

// callbacks streams run events to the terminal and answers
// clarifications from the input channel.
func (r *REPL) callbacks(runCtx context.Context, lines <-chan string) agent.Callbacks {
	return agent.Callbacks{
		OnText: func(delta string) {
			fmt.Fprint(r.out, delta)
		},
		OnToolCall: func(name string, input json.RawMessage) {
			fmt.Fprintf(r.out, "\n[tool] %s %s\n", name, compactJSON(input))
		},
		OnClarification: func(ctx context.Context, req *models.ClarificationRequest) (string, error) {
			prompt := req.Prompt
			if req.Default != "" {
				prompt += fmt.Sprintf(" (default: %s)", req.Default)
			}
			fmt.Fprintf(r.out, "\n? %s\n> ", prompt)
			select {
			case answer, ok := <-lines:
				if !ok {
					return "", errors.New("input closed")
				}
				answer = strings.TrimSpace(answer)
				if answer == "" && req.Default != "" {
					return req.Default, nil
				}
				return answer, nil
			case <-runCtx.Done():
				return "", runCtx.Err()
			}
		},
	}
}

// compactJSON renders tool input on one line, capped for the terminal.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	s := string(raw)
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
