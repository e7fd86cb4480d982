// Package scheduler reconciles a declarative set of cron job definitions
// into the schedules table and enqueues them when due. Reconciliation is
// idempotent by name, so redeploys with changed cron specs are safe.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/storage"
	"github.com/you/pulse/internal/worker"
)

// leaderKey gates the due-schedule sweep to one process at a time.
const leaderKey int64 = 7341

// Def is one version-controlled scheduled job definition.
type Def struct {
	Name    string
	Queue   string
	Spec    string
	Payload json.RawMessage
}

type Scheduler struct {
	defs     []Def
	store    storage.Store
	registry *queue.Registry
	handlers *worker.Handlers
	parser   cron.Parser
	tick     time.Duration
	log      *zap.Logger
}

func New(defs []Def, store storage.Store, registry *queue.Registry, handlers *worker.Handlers, tick time.Duration, log *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Scheduler{
		defs:     defs,
		store:    store,
		registry: registry,
		handlers: handlers,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:     tick,
		log:      log.Named("scheduler"),
	}
}

// Reconcile installs the declared set: stale registrations are removed,
// current ones upserted by name. Running it twice with an unchanged set
// leaves identical registrations. Fails fast on a definition whose job
// name has no handler or whose cron spec does not parse.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	now := time.Now()
	rows := make([]domain.Schedule, 0, len(s.defs))
	for _, d := range s.defs {
		if err := s.handlers.MustResolve(d.Name); err != nil {
			return err
		}
		if _, err := s.registry.Lookup(d.Queue); err != nil {
			return errors.Wrapf(err, "schedule %s", d.Name)
		}
		sched, err := s.parser.Parse(d.Spec)
		if err != nil {
			return errors.Wrapf(err, "schedule %s: bad cron spec %q", d.Name, d.Spec)
		}
		payload := d.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		rows = append(rows, domain.Schedule{
			Name:      d.Name,
			Queue:     d.Queue,
			Spec:      d.Spec,
			Payload:   payload,
			NextRunAt: sched.Next(now),
		})
	}
	if err := s.store.ReplaceSchedules(ctx, rows); err != nil {
		return errors.Wrap(err, "replace schedules")
	}
	s.log.Info("schedules reconciled", zap.Int("count", len(rows)))
	return nil
}

// Run sweeps due schedules on a ticker. Leader-gated: only one process
// enqueues a given due window.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := s.sweep(ctx); err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) error {
	ok, release, err := s.store.TryLeaderLock(ctx, leaderKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer release()

	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now, 100)
	if err != nil {
		return err
	}
	for _, sc := range due {
		sched, err := s.parser.Parse(sc.Spec)
		if err != nil {
			s.log.Error("stored cron spec no longer parses",
				zap.String("schedule", sc.Name), zap.Error(err))
			continue
		}
		if _, err := s.registry.Enqueue(ctx, sc.Queue, sc.Name, sc.Payload); err != nil {
			s.log.Warn("scheduled enqueue failed",
				zap.String("schedule", sc.Name), zap.Error(err))
			continue
		}
		if err := s.store.MarkScheduleRun(ctx, sc.Name, now, sched.Next(now)); err != nil {
			s.log.Warn("mark schedule run failed",
				zap.String("schedule", sc.Name), zap.Error(err))
		}
		s.log.Info("scheduled job enqueued",
			zap.String("schedule", sc.Name), zap.String("queue", sc.Queue))
	}
	return nil
}

// TriggerJob bypasses the cron schedule and enqueues immediately with a
// triggered marker in the payload, for operational testing.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (string, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return "", err
	}
	for _, sc := range schedules {
		if sc.Name != name {
			continue
		}
		return s.registry.Enqueue(ctx, sc.Queue, sc.Name, markTriggered(sc.Payload))
	}
	return "", errors.Wrap(storage.ErrNotFound, name)
}

// List returns the current registrations for status queries.
func (s *Scheduler) List(ctx context.Context) ([]*domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// RemoveAll drops every repeatable registration (maintenance windows).
// Already-enqueued jobs are untouched.
func (s *Scheduler) RemoveAll(ctx context.Context) error {
	if err := s.store.DeleteAllSchedules(ctx); err != nil {
		return err
	}
	s.log.Warn("all schedules removed")
	return nil
}

func markTriggered(payload json.RawMessage) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		obj = map[string]any{"payload": payload}
	}
	obj["triggered"] = true
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}
