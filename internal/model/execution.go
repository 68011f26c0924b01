package model

import "time"

// Outcome values recorded for an execution besides the error kinds.
const OutcomeSuccess = "success"

// Execution is one audit record. It never holds the submitted code or the
// program output.
type Execution struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	Outcome     string    `json:"outcome"` // "success" or an apperror kind
	ExitCode    int64     `json:"exitCode"`
	DurationMS  int64     `json:"durationMs"`
	OutputBytes int64     `json:"outputBytes"`
	Truncated   bool      `json:"truncated"`
	CreatedAt   time.Time `json:"createdAt"`
}
