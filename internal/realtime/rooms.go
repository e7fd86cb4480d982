package realtime

import (
	"strings"

	"github.com/you/pulse/internal/domain"
)

// Rooms are never persisted: they are derived from identity/membership
// facts, recomputed per connection and per publish.

const RoomGlobal = "global"

func RoomForOrg(orgID string) string     { return "company:" + orgID }
func RoomForSpace(spaceID string) string { return "space:" + spaceID }
func RoomForAgent(agentID string) string { return "agent:" + agentID }

// RoomVisibility classifies a room name by its prefix.
func RoomVisibility(room string) domain.Visibility {
	switch {
	case strings.HasPrefix(room, "company:"):
		return domain.VisibilityOrg
	case strings.HasPrefix(room, "space:"):
		return domain.VisibilitySpace
	case strings.HasPrefix(room, "agent:"):
		return domain.VisibilityAgent
	default:
		return domain.VisibilityGlobal
	}
}

// Identity is what the external auth check hands back at connect time.
type Identity struct {
	AgentID  string   `json:"agentId"`
	OrgIDs   []string `json:"orgIds"`
	SpaceIDs []string `json:"spaceIds"`
}

// RoomsFor lists every room a connection with this identity joins.
func RoomsFor(id Identity) []string {
	rooms := []string{RoomGlobal, RoomForAgent(id.AgentID)}
	for _, org := range id.OrgIDs {
		rooms = append(rooms, RoomForOrg(org))
	}
	for _, sp := range id.SpaceIDs {
		rooms = append(rooms, RoomForSpace(sp))
	}
	return rooms
}
