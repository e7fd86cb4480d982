package domain

import (
	"encoding/json"
	"time"
)

// Schedule is one reconciled cron registration. The declarative definition
// set lives in code; reconciliation keeps this table in sync by name.
type Schedule struct {
	Name      string          `json:"name"`
	Queue     string          `json:"queue"`
	Spec      string          `json:"spec"`
	Payload   json.RawMessage `json:"payload"`
	NextRunAt time.Time       `json:"nextRunAt"`
	LastRunAt *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
