package agent

import (
	"encoding/json"

	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// CharsPerToken is the character-to-token ratio used for estimation.
const CharsPerToken = 4

// EstimateTokens returns a rough upper-bound token count for a message
// list. Each message contributes its role name plus its content: the raw
// string for plain messages, the canonical JSON encoding for structured
// parts. Precision is not required; the value is only compared against
// compaction thresholds.
func EstimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Role)
		if len(m.Parts) > 0 {
			if data, err := json.Marshal(m.Parts); err == nil {
				chars += len(data)
			} else {
				chars += len(m.Content)
			}
			continue
		}
		chars += len(m.Content)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateTextTokens estimates tokens for a bare string.
func EstimateTextTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
