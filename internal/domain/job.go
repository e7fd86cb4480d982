package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Queued       Status = "queued"
	Leased       Status = "leased"
	Succeeded    Status = "succeeded"
	FailedTemp   Status = "failed_temp"
	DeadLettered Status = "dead_lettered"
)

// Job is one unit of durable work. The store row is the source of truth;
// the broker only carries job ids.
//
// Attempt counts finished tries: 0 before the first execution, incremented
// when a try fails. Retry is allowed while Attempt < MaxAttempts.
type Job struct {
	ID             string
	Queue          string
	Name           string
	Payload        json.RawMessage
	Attempt        int
	MaxAttempts    int
	RunAt          time.Time
	Status         Status
	LeasedBy       *string
	LeaseExpiresAt *time.Time
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
