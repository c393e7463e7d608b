package models

import "time"

// ClarificationRequest is a mid-run question from a tool to the user.
// Timeout bounds how long the run waits for an answer; zero means wait
// until the run is cancelled.
type ClarificationRequest struct {
	ID      string        `json:"id"`
	Prompt  string        `json:"prompt"`
	Default string        `json:"default,omitempty"`
	Timeout time.Duration `json:"-"`
}
