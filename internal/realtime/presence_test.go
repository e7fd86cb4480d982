package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
)

type broadcastLog struct {
	entries []broadcastEntry
}

type broadcastEntry struct {
	rooms []string
	env   *domain.Envelope
}

func newTrackedTracker(t *testing.T) (*Tracker, *broadcastLog) {
	t.Helper()
	tr := NewTracker(90*time.Second, zap.NewNop())
	log := &broadcastLog{}
	tr.setEmitter(func(rooms []string, env *domain.Envelope) {
		log.entries = append(log.entries, broadcastEntry{rooms: rooms, env: env})
	})
	return tr, log
}

func (l *broadcastLog) last(t *testing.T) broadcastEntry {
	t.Helper()
	require.NotEmpty(t, l.entries)
	return l.entries[len(l.entries)-1]
}

func decodePresence(t *testing.T, env *domain.Envelope) domain.Presence {
	t.Helper()
	var p domain.Presence
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p
}

func TestSetOnlineBroadcastsToOrgRooms(t *testing.T) {
	tr, log := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", []string{"C1", "C2"}))

	entry := log.last(t)
	assert.Equal(t, []string{"company:C1", "company:C2"}, entry.rooms)
	assert.Equal(t, "presence.online", entry.env.Type)
	assert.Equal(t, "A1", entry.env.Actor)

	p, ok := tr.Get("A1")
	require.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, p.Status)
	require.NotNil(t, p.OrgID)
	assert.Equal(t, "C1", *p.OrgID)
}

func TestSetOnlineWithoutOrgsUsesGlobal(t *testing.T) {
	tr, log := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("solo", nil))
	assert.Equal(t, []string{"global"}, log.last(t).rooms)
}

func TestReconnectIsSilent(t *testing.T) {
	tr, log := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", []string{"C1"}))
	n := len(log.entries)
	require.NoError(t, tr.SetOnline("A1", []string{"C1"}))
	assert.Len(t, log.entries, n, "reconnect while tracked does not broadcast")
}

func TestWorkingIdleAwayTransitions(t *testing.T) {
	tr, log := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", []string{"C1"}))

	require.NoError(t, tr.SetWorking("A1", "T1"))
	p := decodePresence(t, log.last(t).env)
	assert.Equal(t, domain.PresenceWorking, p.Status)
	require.NotNil(t, p.TaskID)
	assert.Equal(t, "T1", *p.TaskID)

	// Away keeps the current task.
	require.NoError(t, tr.SetAway("A1"))
	p = decodePresence(t, log.last(t).env)
	assert.Equal(t, domain.PresenceAway, p.Status)
	require.NotNil(t, p.TaskID)

	require.NoError(t, tr.SetWorking("A1", "T2"))

	// Idle drops it.
	require.NoError(t, tr.SetIdle("A1"))
	p = decodePresence(t, log.last(t).env)
	assert.Equal(t, domain.PresenceIdle, p.Status)
	assert.Nil(t, p.TaskID)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	tr, _ := newTrackedTracker(t)

	assert.ErrorIs(t, tr.SetWorking("ghost", "T1"), ErrInvalidTransition,
		"transitions require a tracked agent")

	require.NoError(t, tr.SetOnline("A1", nil))
	require.NoError(t, tr.SetWorking("A1", "T1"))
	assert.ErrorIs(t, tr.SetWorking("A1", "T2"), ErrInvalidTransition,
		"working to working is not a legal move")
}

func TestHeartbeatIsSilent(t *testing.T) {
	tr, log := newTrackedTracker(t)
	base := time.Now()
	tr.Clock = func() time.Time { return base }
	require.NoError(t, tr.SetOnline("A1", nil))
	n := len(log.entries)

	tr.Clock = func() time.Time { return base.Add(time.Minute) }
	tr.Heartbeat("A1")

	assert.Len(t, log.entries, n, "heartbeats never broadcast")
	p, _ := tr.Get("A1")
	assert.True(t, p.LastSeen.Equal(base.Add(time.Minute)), "last seen refreshed")
}

func TestSetOfflineIsTerminal(t *testing.T) {
	tr, log := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", []string{"C1"}))
	require.NoError(t, tr.SetWorking("A1", "T1"))

	require.NoError(t, tr.SetOffline("A1"))

	entry := log.last(t)
	assert.Equal(t, "presence.offline", entry.env.Type)
	p := decodePresence(t, entry.env)
	assert.Nil(t, p.TaskID, "offline clears task state")
	assert.False(t, tr.IsOnline("A1"))

	n := len(log.entries)
	require.NoError(t, tr.SetOffline("A1"))
	assert.Len(t, log.entries, n, "offline for an untracked agent is a no-op")
}

func TestOfflineThenOnlineAgain(t *testing.T) {
	tr, _ := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", nil))
	require.NoError(t, tr.SetOffline("A1"))
	require.NoError(t, tr.SetOnline("A1", nil))
	p, ok := tr.Get("A1")
	require.True(t, ok)
	assert.Equal(t, domain.PresenceOnline, p.Status)
}

func TestSweepForcesStaleOffline(t *testing.T) {
	tr, log := newTrackedTracker(t)
	base := time.Now()
	tr.Clock = func() time.Time { return base }
	require.NoError(t, tr.SetOnline("stale", nil))
	require.NoError(t, tr.SetOnline("fresh", nil))

	tr.Clock = func() time.Time { return base.Add(2 * time.Minute) }
	tr.Heartbeat("fresh")

	tr.Clock = func() time.Time { return base.Add(2*time.Minute + time.Second) }
	assert.Equal(t, 1, tr.Sweep())

	assert.False(t, tr.IsOnline("stale"))
	assert.True(t, tr.IsOnline("fresh"))
	assert.Equal(t, "presence.offline", log.last(t).env.Type,
		"forced offline still broadcasts the final notice")
}

func TestOnlineAgents(t *testing.T) {
	tr, _ := newTrackedTracker(t)
	require.NoError(t, tr.SetOnline("A1", nil))
	require.NoError(t, tr.SetOnline("A2", nil))
	assert.Len(t, tr.OnlineAgents(), 2)
}

func TestRoomsFor(t *testing.T) {
	rooms := RoomsFor(Identity{AgentID: "A1", OrgIDs: []string{"C1"}, SpaceIDs: []string{"S1"}})
	assert.Equal(t, []string{"global", "agent:A1", "company:C1", "space:S1"}, rooms)
}

func TestRoomVisibility(t *testing.T) {
	assert.Equal(t, domain.VisibilityOrg, RoomVisibility("company:C1"))
	assert.Equal(t, domain.VisibilitySpace, RoomVisibility("space:S1"))
	assert.Equal(t, domain.VisibilityAgent, RoomVisibility("agent:A1"))
	assert.Equal(t, domain.VisibilityGlobal, RoomVisibility("global"))
	assert.Equal(t, domain.VisibilityGlobal, RoomVisibility("lobby"))
}
