// Package compaction keeps conversation history under a token budget.
// Older turns are summarized into a single tagged assistant message while
// recent turns survive verbatim; when summarization fails or cannot
// shrink the context, a prune-and-truncate fallback applies.
package compaction

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/pkg/models"
)

// CompactTag marks a summary message so later compactions and readers can
// recognize condensed history.
const CompactTag = "[COMPACTED_CONTEXT]"

// DefaultKeepLastTurns is the number of trailing user turns kept verbatim.
const DefaultKeepLastTurns = 6

// Config carries resolved token thresholds. Trigger and Target are
// absolute token counts, already derived from the context window.
type Config struct {
	// TriggerTokens is the estimated size at which unforced compaction
	// engages.
	TriggerTokens int

	// TargetTokens is the size a summary-based compaction must reach.
	TargetTokens int

	// KeepLastTurns is the number of trailing user turns kept verbatim.
	KeepLastTurns int

	// SummaryMaxTokens bounds the requested summary length.
	SummaryMaxTokens int
}

// Summarizer generates a condensed rendition of older history.
type Summarizer interface {
	Summarize(ctx context.Context, messages []models.Message, maxTokens int) (string, error)
}

// Engine decides whether and how to compact a message list. It implements
// the agent loop's Compactor contract: an error return means the attempt
// is skipped, never that a run fails.
type Engine struct {
	summarizer Summarizer
	config     Config
	logger     *slog.Logger
}

// NewEngine creates a compaction engine. A nil summarizer restricts the
// engine to the prune-and-truncate path.
func NewEngine(summarizer Summarizer, config Config, logger *slog.Logger) *Engine {
	if config.KeepLastTurns <= 0 {
		config.KeepLastTurns = DefaultKeepLastTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		summarizer: summarizer,
		config:     config,
		logger:     logger.With("component", "compaction"),
	}
}

// Compact evaluates the message list against the thresholds and returns
// either a did-not-compact result or a replacement list with its event.
//
// Unforced calls engage only above TriggerTokens. Forced calls (after a
// context-length stop) compact regardless of size and re-split down to a
// single kept turn when necessary. Whatever the path, a non-summary
// result must estimate strictly smaller than the input or the engine
// reports did-not-compact.
func (e *Engine) Compact(ctx context.Context, messages []models.Message, force bool) (*agent.CompactionResult, error) {
	if len(messages) == 0 {
		return notCompacted(messages), nil
	}

	before := agent.EstimateTokens(messages)
	if !force && before < e.config.TriggerTokens {
		return notCompacted(messages), nil
	}

	old, recent := SplitByTurns(messages, e.config.KeepLastTurns)
	if len(old) == 0 {
		if !force {
			return notCompacted(messages), nil
		}
		old, recent = SplitByTurns(messages, 1)
		if len(old) == 0 {
			if len(messages) <= 1 {
				return notCompacted(messages), nil
			}
			old = messages[:len(messages)-1]
			recent = messages[len(messages)-1:]
		}
	}

	summary, err := e.summarize(ctx, old)
	if err != nil {
		e.logger.Warn("summarization failed, falling back to truncation",
			"error", err, "old_messages", len(old))
		return e.fallback(messages, models.StrategyFallback, "fallback", force, before), nil
	}

	next := make([]models.Message, 0, len(recent)+1)
	next = append(next, models.NewTextMessage(models.RoleAssistant, summary))
	next = append(next, recent...)
	after := agent.EstimateTokens(next)

	if after <= e.config.TargetTokens && after < before {
		reason := "summary"
		if force {
			reason = "force-summary"
		}
		return compacted(messages, next, models.StrategySummary, reason, force, before, after), nil
	}

	e.logger.Info("summary exceeded target, falling back to truncation",
		"summary_tokens", after, "target_tokens", e.config.TargetTokens)
	return e.fallback(messages, models.StrategySummaryTooLarge, "summary-too-large", force, before), nil
}

func (e *Engine) summarize(ctx context.Context, old []models.Message) (string, error) {
	if e.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	summary, err := e.summarizer.Summarize(ctx, old, e.config.SummaryMaxTokens)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	if !strings.HasPrefix(summary, CompactTag) {
		summary = CompactTag + "\n" + summary
	}
	return summary, nil
}

// fallback prunes bulky parts and keeps the trailing turns. If that does
// not strictly shrink the estimate, the attempt reports did-not-compact.
func (e *Engine) fallback(messages []models.Message, strategy models.CompactionStrategy, reason string, force bool, before int) *agent.CompactionResult {
	pruned := Prune(messages)
	_, kept := SplitByTurns(pruned, e.config.KeepLastTurns)
	if len(kept) == 0 {
		kept = pruned
	}
	if len(kept) == 0 {
		return notCompacted(messages)
	}

	after := agent.EstimateTokens(kept)
	if after >= before {
		return notCompacted(messages)
	}
	return compacted(messages, kept, strategy, reason, force, before, after)
}

func notCompacted(messages []models.Message) *agent.CompactionResult {
	return &agent.CompactionResult{Compacted: false, Messages: messages}
}

func compacted(beforeMsgs, afterMsgs []models.Message, strategy models.CompactionStrategy, reason string, force bool, beforeTokens, afterTokens int) *agent.CompactionResult {
	return &agent.CompactionResult{
		Compacted: true,
		Messages:  afterMsgs,
		Event: models.CompactionEvent{
			Strategy:       strategy,
			Forced:         force,
			BeforeMessages: len(beforeMsgs),
			AfterMessages:  len(afterMsgs),
			BeforeTokens:   beforeTokens,
			AfterTokens:    afterTokens,
			Reason:         reason,
		},
	}
}

// SplitByTurns partitions messages at a user-turn boundary so the last
// keep user turns, and everything after them, land in recent. When the
// history holds keep or fewer user turns the whole list is recent.
func SplitByTurns(messages []models.Message, keep int) (old, recent []models.Message) {
	if keep <= 0 {
		keep = DefaultKeepLastTurns
	}

	var userIdx []int
	for i, msg := range messages {
		if msg.Role == models.RoleUser {
			userIdx = append(userIdx, i)
		}
	}
	if len(userIdx) <= keep {
		return nil, messages
	}

	cut := userIdx[len(userIdx)-keep]
	return messages[:cut], messages[cut:]
}

// Prune removes reasoning and tool parts from every message and drops
// messages left with no content at all. Tool-call and tool-result parts
// are removed together, so call pairing cannot be broken.
func Prune(messages []models.Message) []models.Message {
	result := make([]models.Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Parts) == 0 {
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			result = append(result, msg)
			continue
		}

		var parts []models.Part
		for _, p := range msg.Parts {
			if p.Type == models.PartText && strings.TrimSpace(p.Text) != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 && strings.TrimSpace(msg.Content) == "" {
			continue
		}

		pruned := msg
		pruned.Parts = parts
		result = append(result, pruned)
	}

	return result
}
