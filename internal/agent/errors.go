package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoProvider is returned when a loop is started without a provider.
	ErrNoProvider = errors.New("no LLM provider configured")

	// ErrNoClarification is returned by ExecContext.Ask when the channel
	// cannot relay questions and the request has no default.
	ErrNoClarification = errors.New("clarification unavailable for this run")
)

// Terminal result strings returned by the loop.
const (
	ResultAborted      = "Request aborted."
	ResultCompleted    = "Task completed."
	ResultContextLimit = "Context limit reached."
	ResultFiltered     = "Content filtered."
	ResultFailed       = "Task failed."
	ResultMaxSteps     = "Max steps reached, task may be incomplete."
)

// ProviderError wraps a provider failure with its HTTP status when known.
type ProviderError struct {
	Status  int
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// retryableStatuses are transient provider failures worth backing off on.
var retryableStatuses = map[int]bool{429: true, 500: true, 502: true, 503: true}

// IsRetryable reports whether an error is a transient provider failure.
// Status codes 429, 500, 502 and 503 retry; everything else is fatal to
// the current attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return retryableStatuses[pe.Status]
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
