package commands

import (
	"regexp"
	"strings"
)

// commandRe matches "/name" optionally followed by arguments. The (?s)
// flag keeps multi-line arguments intact.
var commandRe = regexp.MustCompile(`(?s)^/([a-zA-Z][a-zA-Z0-9_-]*)(?:\s+(.*))?$`)

// ParseCommand splits text of the form "/name args" into its parts.
// Returns nil when the text is not a command.
func ParseCommand(text string) *ParsedCommand {
	text = strings.TrimSpace(text)
	if !IsCommand(text) {
		return nil
	}

	match := commandRe.FindStringSubmatch(text)
	if match == nil {
		return nil
	}

	return &ParsedCommand{
		Name: strings.ToLower(match[1]),
		Args: strings.TrimSpace(match[2]),
	}
}

// IsCommand checks whether text starts with a slash command. The slash
// must be followed by a letter, so fractions like "/2" and bare
// punctuation do not count.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '/' {
		return false
	}
	next := text[1]
	return (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z')
}
