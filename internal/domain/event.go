package domain

import (
	"encoding/json"
	"time"
)

// Visibility is the scope an outbox event is multicast to.
type Visibility string

const (
	VisibilityGlobal Visibility = "global"
	VisibilityOrg    Visibility = "org"
	VisibilitySpace  Visibility = "space"
	VisibilityAgent  Visibility = "agent"
)

type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// OutboxEvent is an append-only persisted domain event. PublishedAt is the
// idempotency guard: it is set at most once, only after every resolved room
// received the event.
type OutboxEvent struct {
	ID          string
	Type        string
	Visibility  Visibility
	ActorID     string
	Target      *Target
	SpaceID     *string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Envelope is the wire format every connected session receives.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Visibility Visibility      `json:"visibility"`
	Actor      string          `json:"actor"`
	Target     *Target         `json:"target,omitempty"`
	Data       json.RawMessage `json:"data"`
	ScopeID    string          `json:"scopeId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
