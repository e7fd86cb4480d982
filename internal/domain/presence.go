package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceWorking PresenceStatus = "working"
	PresenceIdle    PresenceStatus = "idle"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is an agent's current connectivity/activity state. Owned
// exclusively by the presence tracker.
type Presence struct {
	AgentID     string         `json:"agentId"`
	Status      PresenceStatus `json:"status"`
	TaskID      *string        `json:"taskId,omitempty"`
	OrgID       *string        `json:"orgId,omitempty"`
	LastSeen    time.Time      `json:"lastSeen"`
	ConnectedAt time.Time      `json:"connectedAt"`
}

// ValidPresenceTransition reports whether from→to is a legal status change.
// online can move to any active state; working, idle and away are mutually
// interchangeable; offline is terminal and reachable from anywhere.
func ValidPresenceTransition(from, to PresenceStatus) bool {
	if to == PresenceOffline {
		return true
	}
	switch from {
	case PresenceOnline:
		return to == PresenceWorking || to == PresenceIdle || to == PresenceAway
	case PresenceWorking:
		return to == PresenceIdle || to == PresenceAway
	case PresenceIdle:
		return to == PresenceWorking || to == PresenceAway
	case PresenceAway:
		return to == PresenceWorking || to == PresenceIdle
	case PresenceOffline:
		return to == PresenceOnline
	}
	return false
}
