package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hua-bang/pulse-coder-sub000/internal/sessions"
)

// registerBuiltins registers the built-in command set on the router.
func (r *Router) registerBuiltins() {
	must := func(cmd *Command) {
		if err := r.registry.Register(cmd); err != nil {
			panic(fmt.Sprintf("failed to register builtin command %q: %v", cmd.Name, err))
		}
	}

	must(&Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "Show available commands",
		AllowBusy:   true,
		Handler:     r.handleHelp,
	})
	must(&Command{
		Name:        "new",
		Description: "Start a new session",
		Handler:     r.handleNew,
	})
	must(&Command{
		Name:        "clear",
		Description: "Clear the current session",
		Handler:     r.handleClear,
	})
	must(&Command{
		Name:        "resume",
		Aliases:     []string{"sessions"},
		Description: "List recent sessions or attach to one",
		Usage:       "/resume [id]",
		Handler:     r.handleResume,
	})
	must(&Command{
		Name:        "status",
		Description: "Show run and session status",
		AllowBusy:   true,
		Handler:     r.handleStatus,
	})
	must(&Command{
		Name:        "stop",
		Description: "Abort the active run",
		AllowBusy:   true,
		Handler:     r.handleStop,
	})
	must(&Command{
		Name:        "skills",
		Description: "List skills or run one",
		Usage:       "/skills <name|number> <message>",
		Handler:     r.handleSkills,
	})
	must(&Command{
		Name:        "compact",
		Description: "Compact the current session",
		Handler:     r.handleCompact,
	})
}

func (r *Router) handleHelp(ctx context.Context, inv *Invocation) (*Result, error) {
	return Handled(r.helpText()), nil
}

func (r *Router) handleNew(ctx context.Context, inv *Invocation) (*Result, error) {
	id, err := r.sessions.CreateNew(ctx, inv.PlatformKey)
	if err != nil {
		return nil, err
	}
	return Handled(fmt.Sprintf("Started new session %s.", id)), nil
}

func (r *Router) handleClear(ctx context.Context, inv *Invocation) (*Result, error) {
	cleared, err := r.sessions.ClearCurrent(ctx, inv.PlatformKey)
	if err != nil {
		return nil, err
	}
	if cleared.CreatedNew {
		return Handled(fmt.Sprintf("No session to clear. Started new session %s.", cleared.SessionID)), nil
	}
	return Handled(fmt.Sprintf("Cleared session %s.", cleared.SessionID)), nil
}

func (r *Router) handleResume(ctx context.Context, inv *Invocation) (*Result, error) {
	target := strings.TrimSpace(inv.Args)
	if target == "" {
		return r.listSessions(ctx, inv.PlatformKey)
	}
	if fields := strings.Fields(target); len(fields) > 0 {
		target = fields[0]
	}

	err := r.sessions.Attach(ctx, inv.PlatformKey, target)
	switch {
	case err == nil:
		return Handled(fmt.Sprintf("Resumed session %s.", target)), nil
	case errors.Is(err, sessions.ErrSessionNotFound):
		return Handled(fmt.Sprintf("Session %s not found.", target)), nil
	case errors.Is(err, sessions.ErrForeignSession):
		return Handled(fmt.Sprintf("Cannot resume %s: %s.", target, err)), nil
	default:
		return nil, err
	}
}

func (r *Router) listSessions(ctx context.Context, platformKey string) (*Result, error) {
	summaries, err := r.sessions.ListSessions(ctx, platformKey, sessionListLimit)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return Handled("No sessions yet."), nil
	}

	var sb strings.Builder
	sb.WriteString("Recent sessions:\n")
	for _, summary := range summaries {
		marker := "  "
		if summary.Current {
			marker = "✅"
		}
		preview := summary.Preview
		if preview == "" {
			preview = "(empty)"
		}
		sb.WriteString(fmt.Sprintf("%s %s  %s (%d messages)\n",
			marker, summary.ID, preview, summary.MessageCount))
	}
	sb.WriteString("\nUse /resume <id> to switch.")
	return Handled(sb.String()), nil
}

func (r *Router) handleStatus(ctx context.Context, inv *Invocation) (*Result, error) {
	var sb strings.Builder
	if run, ok := r.runs.Get(inv.PlatformKey); ok {
		sb.WriteString(fmt.Sprintf("Run: active (%dms)\n", run.Elapsed().Milliseconds()))
	} else {
		sb.WriteString("Run: idle\n")
	}

	status, err := r.sessions.GetCurrentStatus(ctx, inv.PlatformKey)
	if err != nil {
		return nil, err
	}
	if status == nil {
		sb.WriteString("Session: none")
		return Handled(sb.String()), nil
	}

	sb.WriteString(fmt.Sprintf("Session: %s\n", status.SessionID))
	sb.WriteString(fmt.Sprintf("Messages: %d\n", status.MessageCount))
	sb.WriteString(fmt.Sprintf("Updated: %s", status.UpdatedAt.UTC().Format(time.RFC3339)))
	return Handled(sb.String()), nil
}

func (r *Router) handleStop(ctx context.Context, inv *Invocation) (*Result, error) {
	aborted := r.runs.Abort(inv.PlatformKey)
	if !aborted.Aborted {
		return Handled("No active run to stop."), nil
	}
	r.logger.Info("run aborted by command",
		"platform_key", inv.PlatformKey,
		"started_at", aborted.StartedAt)
	return Handled("Stopping active run."), nil
}

func (r *Router) handleSkills(ctx context.Context, inv *Invocation) (*Result, error) {
	args := strings.TrimSpace(inv.Args)
	if args == "" || strings.EqualFold(args, "list") {
		return Handled(r.skillListText()), nil
	}

	selector, message := splitSelector(args)
	if message == "" {
		return Handled("Usage: /skills <name|number> <message>"), nil
	}

	name, reply := r.resolveSkill(selector)
	if reply != nil {
		return reply, nil
	}
	return Transformed(fmt.Sprintf("[use skill](%s) %s", name, message)), nil
}

// resolveSkill maps a 1-based index or a name fragment onto a skill.
// A non-nil Result is the reply for unresolvable selectors.
func (r *Router) resolveSkill(selector string) (string, *Result) {
	list := r.skillList()
	if len(list) == 0 {
		return "", Handled("No skills available.")
	}

	if n, err := strconv.Atoi(selector); err == nil {
		if n < 1 || n > len(list) {
			return "", Handled(fmt.Sprintf("Skill number %d is out of range, pick 1-%d.", n, len(list)))
		}
		return list[n-1].Name, nil
	}

	lower := strings.ToLower(selector)
	var matches []string
	for _, skill := range list {
		name := strings.ToLower(skill.Name)
		if name == lower {
			return skill.Name, nil
		}
		if strings.Contains(name, lower) {
			matches = append(matches, skill.Name)
		}
	}

	switch len(matches) {
	case 0:
		return "", Handled(fmt.Sprintf("No skill matches %q. Use /skills to list them.", selector))
	case 1:
		return matches[0], nil
	default:
		return "", Handled(fmt.Sprintf("Skill %q is ambiguous: %s.", selector, strings.Join(matches, ", ")))
	}
}

func (r *Router) skillListText() string {
	list := r.skillList()
	if len(list) == 0 {
		return "No skills available."
	}

	var sb strings.Builder
	sb.WriteString("Available skills:\n")
	for i, skill := range list {
		if skill.Description != "" {
			sb.WriteString(fmt.Sprintf("%d. %s - %s\n", i+1, skill.Name, skill.Description))
		} else {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, skill.Name))
		}
	}
	sb.WriteString("\nUse /skills <name|number> <message> to run one.")
	return sb.String()
}

func (r *Router) skillList() []SkillInfo {
	if r.skills == nil {
		return nil
	}
	return r.skills.Skills()
}

// splitSelector cuts the skill selector off the front of the arguments.
func splitSelector(args string) (selector, message string) {
	if i := strings.IndexFunc(args, unicode.IsSpace); i >= 0 {
		return args[:i], strings.TrimSpace(args[i:])
	}
	return args, ""
}

func (r *Router) handleCompact(ctx context.Context, inv *Invocation) (*Result, error) {
	session, err := r.sessions.GetCurrent(ctx, inv.PlatformKey)
	if err != nil {
		return nil, err
	}
	if session == nil || len(session.Messages) == 0 || r.compactor == nil {
		return Handled("no compaction triggered"), nil
	}

	compacted, err := r.compactor.Compact(ctx, session.Messages, true)
	if err != nil {
		r.logger.Warn("forced compaction failed",
			"session_id", session.ID, "error", err)
		return Handled("no compaction triggered"), nil
	}
	if compacted == nil || !compacted.Compacted {
		return Handled("no compaction triggered"), nil
	}

	if err := r.sessions.Save(ctx, session.ID, compacted.Messages); err != nil {
		return nil, err
	}
	return Handled(fmt.Sprintf("Compacted session %s: %d messages into %d.",
		session.ID, compacted.Event.BeforeMessages, compacted.Event.AfterMessages)), nil
}
