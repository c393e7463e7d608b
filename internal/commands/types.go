// Package commands routes slash commands from incoming chat text.
//
// The router sits in front of the dispatcher: every inbound message is
// offered to it first, and the outcome tells the dispatcher whether the
// text was plain conversation, was fully handled by a command, or was
// rewritten into a new message that should drive a run.
package commands

import "context"

// Outcome classifies what the router did with a piece of text.
type Outcome string

const (
	// OutcomeNone means the text is not a command and should be
	// dispatched as a normal user message.
	OutcomeNone Outcome = "none"

	// OutcomeHandled means the command produced a reply message and
	// dispatch stops here.
	OutcomeHandled Outcome = "handled"

	// OutcomeHandledSilent means the command was handled with nothing
	// to send back.
	OutcomeHandledSilent Outcome = "handled-silent"

	// OutcomeTransformed means the text was rewritten; dispatch
	// continues with NewText in place of the original message.
	OutcomeTransformed Outcome = "transformed"
)

// Result is the router's verdict on one piece of incoming text.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
	NewText string  `json:"new_text,omitempty"`
}

// None reports that the text is not a command.
func None() *Result {
	return &Result{Outcome: OutcomeNone}
}

// Handled wraps a reply message for a fully handled command.
func Handled(message string) *Result {
	return &Result{Outcome: OutcomeHandled, Message: message}
}

// HandledSilent reports a handled command with no reply.
func HandledSilent() *Result {
	return &Result{Outcome: OutcomeHandledSilent}
}

// Transformed replaces the incoming text with newText for dispatch.
func Transformed(newText string) *Result {
	return &Result{Outcome: OutcomeTransformed, NewText: newText}
}

// Handler executes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Command describes a registered slash command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string

	// AllowBusy lets the command run while an active run holds the
	// platform key. Everything else gets the busy notice.
	AllowBusy bool

	Handler Handler
}

// Invocation carries one parsed command to its handler.
type Invocation struct {
	Command     *Command
	Name        string
	Args        string
	RawText     string
	PlatformKey string
}

// ParsedCommand is the name/args split of a leading slash command.
type ParsedCommand struct {
	Name string
	Args string
}

// SkillInfo is one entry in the skill catalog shown by /skills.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SkillSource lists the skills available for /skills resolution. It is
// usually backed by the skill registry service registered during plugin
// bring-up.
type SkillSource interface {
	Skills() []SkillInfo
}
