package skills

import (
	"context"
	"regexp"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/hooks"
)

// useSkillRe matches the canonical marker the command router produces
// at the front of a transformed message.
var useSkillRe = regexp.MustCompile(`^\s*\[use skill\]\(([a-z0-9-]+)\)\s*`)

// ExtractUseSkill returns the skill name and remaining message when
// text begins with the canonical "[use skill](name)" marker.
func ExtractUseSkill(text string) (name, rest string, ok bool) {
	m := useSkillRe.FindStringSubmatchIndex(text)
	if m == nil {
		return "", "", false
	}
	return text[m[2]:m[3]], strings.TrimSpace(text[m[1]:]), true
}

// PromptHook returns a beforeLLMCall handler that appends the invoked
// skill's instructions to the system prompt for the turn. Messages
// without the marker, and markers naming unknown skills, leave the
// prompt untouched.
func (r *Registry) PromptHook() hooks.Handler {
	return func(ctx context.Context, payload *hooks.Payload) (*hooks.Result, error) {
		if payload == nil || payload.Run == nil {
			return nil, nil
		}
		name, _, ok := ExtractUseSkill(payload.Run.UserText)
		if !ok {
			return nil, nil
		}
		skill, found := r.Get(name)
		if !found {
			r.logger.Warn("requested skill not found", "skill", name)
			return nil, nil
		}

		prompt := payload.SystemPrompt
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "## Skill: " + skill.Name + "\n\n" + skill.Instructions

		r.logger.Debug("skill instructions injected",
			"skill", skill.Name, "run_id", payload.Run.RunID)
		return &hooks.Result{SystemPrompt: &prompt}, nil
	}
}
