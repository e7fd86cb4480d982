package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
)

var ErrInvalidTransition = errors.New("realtime: invalid presence transition")

// Tracker owns all presence state. Nothing else mutates it; the hub feeds
// it connect/disconnect events and client status messages.
type Tracker struct {
	mu         sync.Mutex
	entries    map[string]*presenceEntry
	emit       func(rooms []string, env *domain.Envelope)
	staleAfter time.Duration
	log        *zap.Logger

	// Clock is swappable so tests can drive the staleness sweep.
	Clock func() time.Time
}

type presenceEntry struct {
	p    domain.Presence
	orgs []string
}

func NewTracker(staleAfter time.Duration, log *zap.Logger) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	return &Tracker{
		entries:    make(map[string]*presenceEntry),
		staleAfter: staleAfter,
		log:        log.Named("presence"),
		Clock:      time.Now,
	}
}

// setEmitter wires the broadcast path; called once by the hub.
func (t *Tracker) setEmitter(emit func(rooms []string, env *domain.Envelope)) {
	t.mu.Lock()
	t.emit = emit
	t.mu.Unlock()
}

func (t *Tracker) SetOnline(agentID string, orgs []string) error {
	now := t.Clock()
	t.mu.Lock()
	e, ok := t.entries[agentID]
	if ok {
		// Reconnect while still tracked: refresh, no transition.
		e.p.LastSeen = now
		e.orgs = orgs
		t.mu.Unlock()
		return nil
	}
	p := domain.Presence{
		AgentID:     agentID,
		Status:      domain.PresenceOnline,
		LastSeen:    now,
		ConnectedAt: now,
	}
	if len(orgs) > 0 {
		org := orgs[0]
		p.OrgID = &org
	}
	t.entries[agentID] = &presenceEntry{p: p, orgs: orgs}
	t.mu.Unlock()
	t.broadcast(agentID, p, orgs)
	return nil
}

func (t *Tracker) SetWorking(agentID, taskID string) error {
	return t.transition(agentID, domain.PresenceWorking, &taskID)
}

func (t *Tracker) SetIdle(agentID string) error {
	return t.transition(agentID, domain.PresenceIdle, nil)
}

func (t *Tracker) SetAway(agentID string) error {
	return t.transition(agentID, domain.PresenceAway, nil)
}

func (t *Tracker) transition(agentID string, to domain.PresenceStatus, taskID *string) error {
	now := t.Clock()
	t.mu.Lock()
	e, ok := t.entries[agentID]
	if !ok {
		t.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s: not online", agentID)
	}
	if !domain.ValidPresenceTransition(e.p.Status, to) {
		from := e.p.Status
		t.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", agentID, from, to)
	}
	e.p.Status = to
	e.p.LastSeen = now
	if taskID != nil && *taskID != "" {
		e.p.TaskID = taskID
	} else if to != domain.PresenceAway {
		// Idle drops the current task; away keeps it.
		e.p.TaskID = nil
	}
	p, orgs := e.p, e.orgs
	t.mu.Unlock()
	t.broadcast(agentID, p, orgs)
	return nil
}

// Heartbeat refreshes last-seen without broadcasting; one notice per
// heartbeat would be far too noisy.
func (t *Tracker) Heartbeat(agentID string) {
	t.mu.Lock()
	if e, ok := t.entries[agentID]; ok {
		e.p.LastSeen = t.Clock()
	}
	t.mu.Unlock()
}

// SetOffline is terminal: it clears task state, removes the entry and
// broadcasts a final offline notice.
func (t *Tracker) SetOffline(agentID string) error {
	t.mu.Lock()
	e, ok := t.entries[agentID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, agentID)
	p, orgs := e.p, e.orgs
	t.mu.Unlock()
	p.Status = domain.PresenceOffline
	p.TaskID = nil
	p.OrgID = nil
	p.LastSeen = t.Clock()
	t.broadcast(agentID, p, orgs)
	return nil
}

// Sweep forces offline for entries whose last-seen exceeds the staleness
// threshold. Handles silent network death where no disconnect fires.
func (t *Tracker) Sweep() int {
	now := t.Clock()
	t.mu.Lock()
	var stale []string
	for id, e := range t.entries {
		if now.Sub(e.p.LastSeen) > t.staleAfter {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	for _, id := range stale {
		t.log.Info("presence stale, forcing offline", zap.String("agent", id))
		_ = t.SetOffline(id)
	}
	return len(stale)
}

// RunSweeper runs Sweep on a fixed interval until ctx ends.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) IsOnline(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[agentID]
	return ok
}

func (t *Tracker) Get(agentID string) (domain.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[agentID]; ok {
		return e.p, true
	}
	return domain.Presence{}, false
}

func (t *Tracker) OnlineAgents() []domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Presence, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.p)
	}
	return out
}

// broadcast emits a presence envelope to the agent's org rooms, or the
// global room when the agent belongs to none.
func (t *Tracker) broadcast(agentID string, p domain.Presence, orgs []string) {
	t.mu.Lock()
	emit := t.emit
	t.mu.Unlock()
	if emit == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.log.Warn("presence marshal failed", zap.Error(err))
		return
	}
	rooms := make([]string, 0, len(orgs)+1)
	for _, org := range orgs {
		rooms = append(rooms, RoomForOrg(org))
	}
	if len(rooms) == 0 {
		rooms = append(rooms, RoomGlobal)
	}
	emit(rooms, &domain.Envelope{
		ID:         uuid.NewString(),
		Type:       "presence." + string(p.Status),
		Visibility: domain.VisibilityOrg,
		Actor:      agentID,
		Data:       data,
		Timestamp:  t.Clock(),
	})
}
