package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/you/pulse/internal/domain"
)

// Memory implements Store in process memory. It is the configured store
// when no Postgres is available, and the fixture every package test runs
// against.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	dead      map[string]*domain.DeadLetterRecord
	events    map[string]*domain.OutboxEvent
	schedules map[string]*domain.Schedule
	leaders   map[int64]bool

	// Clock is swappable so tests can drive lease expiry and sweeps.
	Clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]*domain.Job),
		dead:      make(map[string]*domain.DeadLetterRecord),
		events:    make(map[string]*domain.OutboxEvent),
		schedules: make(map[string]*domain.Schedule),
		leaders:   make(map[int64]bool),
		Clock:     time.Now,
	}
}

func (s *Memory) now() time.Time { return s.Clock() }

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	return &c
}

func (s *Memory) InsertJob(ctx context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyJob(j)
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.jobs[j.ID] = c
	return nil
}

func (s *Memory) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Memory) LeaseJob(ctx context.Context, id, owner string, ttl time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.Queued {
		return nil, ErrLeaseLost
	}
	exp := s.now().Add(ttl)
	j.Status = domain.Leased
	j.LeasedBy = &owner
	j.LeaseExpiresAt = &exp
	j.UpdatedAt = s.now()
	return copyJob(j), nil
}

func (s *Memory) ExtendLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.Leased || j.LeasedBy == nil || *j.LeasedBy != owner {
		return ErrLeaseLost
	}
	exp := s.now().Add(ttl)
	j.LeaseExpiresAt = &exp
	j.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkSucceeded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = domain.Succeeded
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkFailedTemp(ctx context.Context, id string, attempt int, reason string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = domain.Queued
	j.Attempt = attempt
	j.Error = &reason
	j.RunAt = runAt
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkDeadLettered(ctx context.Context, id string, attempt int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = domain.DeadLettered
	j.Attempt = attempt
	j.Error = &reason
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = s.now()
	return nil
}

func (s *Memory) RequeueExpiredLeases(ctx context.Context, queue string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ids []string
	for _, j := range s.jobs {
		if len(ids) >= limit {
			break
		}
		if j.Queue == queue && j.Status == domain.Leased &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			j.Status = domain.Queued
			j.LeasedBy = nil
			j.LeaseExpiresAt = nil
			j.UpdatedAt = now
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *Memory) ReadyQueuedJobs(ctx context.Context, queue string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ready []*domain.Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.Status == domain.Queued && !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return ready[i].CreatedAt.Before(ready[k].CreatedAt) })
	var ids []string
	for _, j := range ready {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *Memory) CountJobs(ctx context.Context, queue string) (JobCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var c JobCounts
	for _, j := range s.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.Status {
		case domain.Queued:
			if j.RunAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case domain.Leased:
			c.Active++
		case domain.Succeeded:
			c.Completed++
		case domain.FailedTemp, domain.DeadLettered:
			c.Failed++
		}
	}
	return c, nil
}

func (s *Memory) PruneSucceeded(ctx context.Context, queue string, olderThan time.Duration, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var done []*domain.Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.Status == domain.Succeeded {
			done = append(done, j)
		}
	}
	sort.Slice(done, func(i, k int) bool { return done[i].UpdatedAt.After(done[k].UpdatedAt) })
	pruned := 0
	for i, j := range done {
		if i < keep || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, j.ID)
		pruned++
	}
	return pruned, nil
}

func copyDeadLetter(r *domain.DeadLetterRecord) *domain.DeadLetterRecord {
	c := *r
	return &c
}

func (s *Memory) InsertDeadLetter(ctx context.Context, rec *domain.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[rec.ID] = copyDeadLetter(rec)
	return nil
}

func (s *Memory) GetDeadLetter(ctx context.Context, sourceQueue, id string) (*domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dead[id]
	if !ok || rec.SourceQueue != sourceQueue {
		return nil, ErrNotFound
	}
	return copyDeadLetter(rec), nil
}

func (s *Memory) ListDeadLetters(ctx context.Context, sourceQueue string, limit int) ([]*domain.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeadLetterRecord
	for _, rec := range s.dead {
		if rec.SourceQueue == sourceQueue {
			out = append(out, copyDeadLetter(rec))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FailedAt.After(out[k].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ResolveDeadLetter(ctx context.Context, sourceQueue, id string, res domain.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dead[id]
	if !ok || rec.SourceQueue != sourceQueue {
		return ErrNotFound
	}
	if rec.Resolution != nil {
		return ErrAlreadyResolved
	}
	at := s.now()
	rec.Resolution = &res
	rec.ResolvedAt = &at
	return nil
}

func (s *Memory) DeadLetterStats(ctx context.Context, sourceQueue string) (domain.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.DeadLetterStats
	for _, rec := range s.dead {
		if rec.SourceQueue != sourceQueue {
			continue
		}
		st.Total++
		switch {
		case rec.Resolution == nil:
			st.Unprocessed++
		case *rec.Resolution == domain.ResolutionRetried:
			st.Retried++
		case *rec.Resolution == domain.ResolutionIgnored:
			st.Ignored++
		}
	}
	return st, nil
}

func copyEvent(ev *domain.OutboxEvent) *domain.OutboxEvent {
	c := *ev
	return &c
}

func (s *Memory) InsertEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

func (s *Memory) GetEvent(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEvent(ev), nil
}

func (s *Memory) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false, ErrNotFound
	}
	if ev.PublishedAt != nil {
		return false, nil
	}
	ev.PublishedAt = &at
	return true, nil
}

func (s *Memory) PrunePublishedEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	pruned := 0
	for id, ev := range s.events {
		if ev.PublishedAt != nil && ev.PublishedAt.Before(cutoff) {
			delete(s.events, id)
			pruned++
		}
	}
	return pruned, nil
}

func copySchedule(sc *domain.Schedule) *domain.Schedule {
	c := *sc
	return &c
}

func (s *Memory) ReplaceSchedules(ctx context.Context, defs []domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(defs))
	for _, d := range defs {
		keep[d.Name] = true
	}
	for name := range s.schedules {
		if !keep[name] {
			delete(s.schedules, name)
		}
	}
	now := s.now()
	for _, d := range defs {
		if existing, ok := s.schedules[d.Name]; ok {
			if existing.Spec == d.Spec {
				d.NextRunAt = existing.NextRunAt
			}
			d.LastRunAt = existing.LastRunAt
			d.CreatedAt = existing.CreatedAt
		} else {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		s.schedules[d.Name] = copySchedule(&d)
	}
	return nil
}

func (s *Memory) ListSchedules(ctx context.Context) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Schedule
	for _, sc := range s.schedules {
		out = append(out, copySchedule(sc))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *Memory) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Schedule
	for _, sc := range s.schedules {
		if !sc.NextRunAt.After(now) {
			out = append(out, copySchedule(sc))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRunAt.Before(out[k].NextRunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) MarkScheduleRun(ctx context.Context, name string, ranAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[name]
	if !ok {
		return ErrNotFound
	}
	ran := ranAt
	sc.LastRunAt = &ran
	sc.NextRunAt = next
	sc.UpdatedAt = s.now()
	return nil
}

func (s *Memory) DeleteAllSchedules(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = make(map[string]*domain.Schedule)
	return nil
}

func (s *Memory) TryLeaderLock(ctx context.Context, key int64) (bool, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaders[key] {
		return false, nil, nil
	}
	s.leaders[key] = true
	release := func() {
		s.mu.Lock()
		delete(s.leaders, key)
		s.mu.Unlock()
	}
	return true, release, nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() {}
