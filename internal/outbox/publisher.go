// Package outbox turns persisted domain events into scoped real-time
// broadcasts. Delivery is at-least-once: a crash before published_at is
// set means a retry re-resolves rooms and re-emits, and the published_at
// guard keeps the marker from being set twice.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/realtime"
	"github.com/you/pulse/internal/storage"
)

// JobPublish is the handler name the domain application enqueues after
// persisting an event row.
const JobPublish = "outbox.publish"

// Directory resolves membership facts the core does not own. Supplied by
// the host application.
type Directory interface {
	// SpaceOrg returns the parent organization of a space.
	SpaceOrg(ctx context.Context, spaceID string) (string, error)
	// AgentOrgs returns the organizations an agent belongs to.
	AgentOrgs(ctx context.Context, agentID string) ([]string, error)
}

// Sender is the slice of the realtime hub the publisher needs.
type Sender interface {
	SendToRoom(ctx context.Context, room string, env *domain.Envelope) error
}

type Publisher struct {
	store  storage.Store
	sender Sender
	dir    Directory
	log    *zap.Logger
}

func NewPublisher(store storage.Store, sender Sender, dir Directory, log *zap.Logger) *Publisher {
	return &Publisher{store: store, sender: sender, dir: dir, log: log.Named("outbox")}
}

type publishPayload struct {
	EventID string `json:"eventId"`
}

// scopedPayload is the slice of the opaque event payload the resolver
// understands: an explicit organization scope.
type scopedPayload struct {
	CompanyID string `json:"companyId"`
}

// Handle is the publish job handler. Safe to re-run for the same event id.
func (p *Publisher) Handle(ctx context.Context, job *domain.Job) error {
	var in publishPayload
	if err := json.Unmarshal(job.Payload, &in); err != nil || in.EventID == "" {
		return domain.Categorize(domain.CategoryValidation,
			errors.New("publish payload missing eventId"))
	}

	ev, err := p.store.GetEvent(ctx, in.EventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The event row may not be visible yet; let the retry
			// budget absorb replication lag.
			return domain.Categorize(domain.CategoryTransient, err)
		}
		return err
	}
	if ev.PublishedAt != nil {
		p.log.Debug("event already published, skipping",
			zap.String("event_id", ev.ID))
		return nil
	}

	rooms, scopeID, err := p.ResolveRooms(ctx, ev)
	if err != nil {
		return err
	}
	env := Envelope(ev, scopeID)
	for _, room := range rooms {
		if err := p.sender.SendToRoom(ctx, room, env); err != nil {
			// Transport-level failure: fail the job so the retry
			// re-resolves and re-emits. Downstream consumers must
			// de-duplicate by event id.
			return errors.Wrapf(err, "emit to %s", room)
		}
	}

	won, err := p.store.MarkPublished(ctx, ev.ID, time.Now())
	if err != nil {
		return errors.Wrap(err, "mark published")
	}
	if !won {
		p.log.Debug("concurrent publisher won the marker",
			zap.String("event_id", ev.ID))
		return nil
	}
	p.log.Info("event published",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("visibility", string(ev.Visibility)),
		zap.Strings("rooms", rooms))
	return nil
}

// ResolveRooms derives the target rooms from the event's visibility.
// Deterministic: the same event always yields the same room set.
func (p *Publisher) ResolveRooms(ctx context.Context, ev *domain.OutboxEvent) ([]string, string, error) {
	var rooms []string
	var scopeID string
	switch ev.Visibility {
	case domain.VisibilityGlobal:
		rooms = []string{realtime.RoomGlobal}

	case domain.VisibilityOrg:
		org, err := p.eventOrg(ctx, ev)
		if err != nil {
			return nil, "", err
		}
		scopeID = org
		rooms = []string{realtime.RoomForOrg(org)}

	case domain.VisibilitySpace:
		if ev.SpaceID == nil || *ev.SpaceID == "" {
			return nil, "", domain.Categorize(domain.CategoryValidation,
				errors.Errorf("event %s: space visibility without space reference", ev.ID))
		}
		org, err := p.dir.SpaceOrg(ctx, *ev.SpaceID)
		if err != nil {
			return nil, "", errors.Wrapf(err, "resolve org of space %s", *ev.SpaceID)
		}
		scopeID = *ev.SpaceID
		rooms = []string{realtime.RoomForSpace(*ev.SpaceID), realtime.RoomForOrg(org)}

	case domain.VisibilityAgent:
		if ev.Target == nil || ev.Target.ID == "" {
			return nil, "", domain.Categorize(domain.CategoryValidation,
				errors.Errorf("event %s: agent visibility without target", ev.ID))
		}
		rooms = []string{realtime.RoomForAgent(ev.Target.ID), realtime.RoomForAgent(ev.ActorID)}

	default:
		return nil, "", domain.Categorize(domain.CategoryValidation,
			errors.Errorf("event %s: unknown visibility %q", ev.ID, ev.Visibility))
	}
	return dedupe(rooms), scopeID, nil
}

// eventOrg prefers the org named in the payload, falling back to the
// actor's memberships.
func (p *Publisher) eventOrg(ctx context.Context, ev *domain.OutboxEvent) (string, error) {
	var scoped scopedPayload
	_ = json.Unmarshal(ev.Payload, &scoped)
	if scoped.CompanyID != "" {
		return scoped.CompanyID, nil
	}
	orgs, err := p.dir.AgentOrgs(ctx, ev.ActorID)
	if err != nil {
		return "", errors.Wrapf(err, "resolve orgs of %s", ev.ActorID)
	}
	if len(orgs) == 0 {
		return "", domain.Categorize(domain.CategoryValidation,
			errors.Errorf("event %s: org visibility but actor %s has no org", ev.ID, ev.ActorID))
	}
	return orgs[0], nil
}

// Envelope formats an event for the wire.
func Envelope(ev *domain.OutboxEvent, scopeID string) *domain.Envelope {
	return &domain.Envelope{
		ID:         ev.ID,
		Type:       ev.Type,
		Visibility: ev.Visibility,
		Actor:      ev.ActorID,
		Target:     ev.Target,
		Data:       ev.Payload,
		ScopeID:    scopeID,
		Timestamp:  ev.CreatedAt,
	}
}

func dedupe(rooms []string) []string {
	seen := make(map[string]bool, len(rooms))
	out := rooms[:0]
	for _, r := range rooms {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
