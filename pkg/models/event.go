package models

import "time"

const (
	EventTypeStdout   = "stdout"
	EventTypeStderr   = "stderr"
	EventTypeProgress = "progress"
	EventTypeInfo     = "info"
)

// OutputEvent is one observed line of sandbox output, optionally tagged with
// an inferred progress value. Events are append-only and ordered by arrival.
type OutputEvent struct {
	Type      string    `json:"type"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}
