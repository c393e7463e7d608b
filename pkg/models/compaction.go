package models

// CompactionTrigger records where in a run a compaction happened.
type CompactionTrigger string

const (
	// TriggerPreLoop marks the opportunistic check before an LLM call.
	TriggerPreLoop CompactionTrigger = "pre-loop"
	// TriggerLengthRetry marks a forced compaction after the provider
	// reported a context-length stop.
	TriggerLengthRetry CompactionTrigger = "length-retry"
)

// CompactionStrategy names the path a compaction attempt took.
type CompactionStrategy string

const (
	StrategySummary         CompactionStrategy = "summary"
	StrategySummaryTooLarge CompactionStrategy = "summary-too-large"
	StrategyFallback        CompactionStrategy = "fallback"
)

// CompactionEvent describes one completed compaction for observers.
type CompactionEvent struct {
	Attempt        int                `json:"attempt"`
	Trigger        CompactionTrigger  `json:"trigger"`
	Strategy       CompactionStrategy `json:"strategy"`
	Forced         bool               `json:"forced,omitempty"`
	BeforeMessages int                `json:"before_messages"`
	AfterMessages  int                `json:"after_messages"`
	BeforeTokens   int                `json:"before_tokens"`
	AfterTokens    int                `json:"after_tokens"`
	Reason         string             `json:"reason,omitempty"`
}
