package domain

import (
	"encoding/json"
	"time"
)

type Resolution string

const (
	ResolutionRetried Resolution = "retried"
	ResolutionIgnored Resolution = "ignored"
	ResolutionFixed   Resolution = "fixed"
)

// DeadLetterRecord is created on terminal job failure and mutated only by
// explicit operator action. Records are never auto-deleted.
type DeadLetterRecord struct {
	ID           string          `json:"id"`
	SourceQueue  string          `json:"sourceQueue"`
	JobName      string          `json:"jobName"`
	Payload      json.RawMessage `json:"payload"`
	Reason       string          `json:"reason"`
	Stack        string          `json:"stack,omitempty"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedAt     time.Time       `json:"failedAt"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	Resolution   *Resolution     `json:"resolution,omitempty"`
}

type DeadLetterStats struct {
	Total       int `json:"total"`
	Unprocessed int `json:"unprocessed"`
	Retried     int `json:"retried"`
	Ignored     int `json:"ignored"`
}
