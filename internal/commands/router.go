package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/runs"
	"github.com/hua-bang/pulse-coder-sub000/internal/sessions"
)

// BusyNotice is the reply for commands blocked by an active run. The
// dispatcher reuses it for plain messages that hit the same gate.
const BusyNotice = "Another request is already running in this conversation. Send /stop to abort it."

// sessionListLimit caps the /resume and /sessions listing.
const sessionListLimit = 10

// Router resolves slash commands against the session store, the
// active-run registry, and the skill catalog.
type Router struct {
	registry  *Registry
	sessions  sessions.Store
	runs      *runs.Registry
	compactor agent.Compactor
	skills    SkillSource
	logger    *slog.Logger
}

// NewRouter creates a command router with the built-in command set
// registered. compactor and skills may be nil; the corresponding
// commands then report that nothing is available.
func NewRouter(store sessions.Store, active *runs.Registry, compactor agent.Compactor, skills SkillSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry:  NewRegistry(logger),
		sessions:  store,
		runs:      active,
		compactor: compactor,
		skills:    skills,
		logger:    logger.With("component", "commands"),
	}
	r.registerBuiltins()
	return r
}

// Registry exposes the underlying registry so callers can add commands
// beyond the built-in set.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route runs the command router over one piece of incoming text.
//
// Plain text returns OutcomeNone untouched. A recognized command runs
// its handler, except that while an active run holds the platform key
// only commands marked AllowBusy execute; the rest get the busy notice.
// An unknown command answers with the help message. Errors are
// infrastructure failures (store access and the like), never bad user
// input.
func (r *Router) Route(ctx context.Context, platformKey, text string) (*Result, error) {
	parsed := ParseCommand(text)
	if parsed == nil {
		return None(), nil
	}

	cmd, ok := r.registry.Get(parsed.Name)
	if !ok {
		r.logger.Debug("unknown command", "name", parsed.Name, "platform_key", platformKey)
		return Handled(fmt.Sprintf("Unknown command /%s.\n\n%s", parsed.Name, r.helpText())), nil
	}

	if !cmd.AllowBusy && r.runs.Has(platformKey) {
		return Handled(BusyNotice), nil
	}

	inv := &Invocation{
		Command:     cmd,
		Name:        cmd.Name,
		Args:        parsed.Args,
		RawText:     text,
		PlatformKey: platformKey,
	}

	res, err := cmd.Handler(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("command /%s: %w", cmd.Name, err)
	}
	if res == nil {
		res = HandledSilent()
	}

	r.logger.Debug("command routed",
		"name", cmd.Name,
		"platform_key", platformKey,
		"outcome", res.Outcome)
	return res, nil
}

// helpText renders the command list shown by /help and for unknown
// commands.
func (r *Router) helpText() string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, cmd := range r.registry.List() {
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		sb.WriteString(fmt.Sprintf("%s - %s\n", usage, cmd.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}
