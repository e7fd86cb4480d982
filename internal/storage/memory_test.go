package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/pulse/internal/domain"
)

func insertQueued(t *testing.T, s *Memory, id, queue string) {
	t.Helper()
	require.NoError(t, s.InsertJob(context.Background(), &domain.Job{
		ID:          id,
		Queue:       queue,
		Name:        "noop",
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: 3,
		RunAt:       time.Now(),
		Status:      domain.Queued,
	}))
}

func TestLeaseIsExclusive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	insertQueued(t, s, "j1", "q")

	job, err := s.LeaseJob(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.Leased, job.Status)
	require.NotNil(t, job.LeasedBy)
	assert.Equal(t, "w1", *job.LeasedBy)

	_, err = s.LeaseJob(ctx, "j1", "w2", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost, "second claimant loses")
}

func TestLeaseUnknownOrSettled(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.LeaseJob(ctx, "nope", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)

	insertQueued(t, s, "j1", "q")
	_, err = s.LeaseJob(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkSucceeded(ctx, "j1"))
	_, err = s.LeaseJob(ctx, "j1", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost, "settled jobs are not claimable")
}

func TestExtendLeaseOwnerCheck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	insertQueued(t, s, "j1", "q")
	_, err := s.LeaseJob(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)

	assert.NoError(t, s.ExtendLease(ctx, "j1", "w1", time.Minute))
	assert.ErrorIs(t, s.ExtendLease(ctx, "j1", "w2", time.Minute), ErrLeaseLost)
}

func TestRequeueExpiredLeases(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()
	s.Clock = func() time.Time { return now }

	insertQueued(t, s, "expired", "q")
	insertQueued(t, s, "fresh", "q")
	_, err := s.LeaseJob(ctx, "expired", "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.LeaseJob(ctx, "fresh", "w1", time.Hour)
	require.NoError(t, err)

	s.Clock = func() time.Time { return now.Add(2 * time.Minute) }
	ids, err := s.RequeueExpiredLeases(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"expired"}, ids)

	job, err := s.GetJob(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, job.Status)
	assert.Nil(t, job.LeasedBy)

	job, err = s.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.Leased, job.Status, "live lease untouched")
}

func TestReadyQueuedJobsSkipsFuture(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	insertQueued(t, s, "now", "q")
	require.NoError(t, s.InsertJob(ctx, &domain.Job{
		ID: "later", Queue: "q", Name: "noop",
		RunAt: time.Now().Add(time.Hour), Status: domain.Queued,
	}))

	ids, err := s.ReadyQueuedJobs(ctx, "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"now"}, ids)
}

func TestCountJobs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	insertQueued(t, s, "waiting", "q")
	insertQueued(t, s, "active", "q")
	insertQueued(t, s, "done", "q")
	insertQueued(t, s, "dead", "q")
	require.NoError(t, s.InsertJob(ctx, &domain.Job{
		ID: "delayed", Queue: "q", Name: "noop",
		RunAt: time.Now().Add(time.Hour), Status: domain.Queued,
	}))
	insertQueued(t, s, "other", "elsewhere")

	_, err := s.LeaseJob(ctx, "active", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkSucceeded(ctx, "done"))
	require.NoError(t, s.MarkDeadLettered(ctx, "dead", 3, "boom"))

	counts, err := s.CountJobs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, JobCounts{Waiting: 1, Active: 1, Completed: 1, Failed: 1, Delayed: 1}, counts)
}

func TestPruneSucceededKeepsRecent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour)

	for i, id := range []string{"old1", "old2", "old3"} {
		s.Clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		insertQueued(t, s, id, "q")
		require.NoError(t, s.MarkSucceeded(ctx, id))
	}
	s.Clock = time.Now

	n, err := s.PruneSucceeded(ctx, "q", 24*time.Hour, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "keeps the newest one")

	_, err = s.GetJob(ctx, "old3")
	assert.NoError(t, err)
	_, err = s.GetJob(ctx, "old1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveDeadLetterOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.InsertDeadLetter(ctx, &domain.DeadLetterRecord{
		ID: "r1", SourceQueue: "q", JobName: "noop", FailedAt: time.Now(),
	}))

	require.NoError(t, s.ResolveDeadLetter(ctx, "q", "r1", domain.ResolutionRetried))
	err := s.ResolveDeadLetter(ctx, "q", "r1", domain.ResolutionIgnored)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	rec, err := s.GetDeadLetter(ctx, "q", "r1")
	require.NoError(t, err)
	require.NotNil(t, rec.Resolution)
	assert.Equal(t, domain.ResolutionRetried, *rec.Resolution, "first resolution sticks")
}

func TestDeadLetterStats(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.InsertDeadLetter(ctx, &domain.DeadLetterRecord{
			ID: id, SourceQueue: "q", FailedAt: time.Now(),
		}))
	}
	require.NoError(t, s.ResolveDeadLetter(ctx, "q", "a", domain.ResolutionRetried))
	require.NoError(t, s.ResolveDeadLetter(ctx, "q", "b", domain.ResolutionIgnored))

	st, err := s.DeadLetterStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterStats{Total: 3, Unprocessed: 1, Retried: 1, Ignored: 1}, st)
}

func TestMarkPublishedWinsOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.InsertEvent(ctx, &domain.OutboxEvent{
		ID: "e1", Type: "task.created", Visibility: domain.VisibilityGlobal,
		Payload: json.RawMessage(`{}`), CreatedAt: time.Now(),
	}))

	won, err := s.MarkPublished(ctx, "e1", time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.MarkPublished(ctx, "e1", time.Now())
	require.NoError(t, err)
	assert.False(t, won, "second marker loses")

	ev, err := s.GetEvent(ctx, "e1")
	require.NoError(t, err)
	assert.NotNil(t, ev.PublishedAt)
}

func TestPrunePublishedEvents(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.InsertEvent(ctx, &domain.OutboxEvent{ID: "old", CreatedAt: old}))
	require.NoError(t, s.InsertEvent(ctx, &domain.OutboxEvent{ID: "pending", CreatedAt: old}))
	_, err := s.MarkPublished(ctx, "old", old)
	require.NoError(t, err)

	n, err := s.PrunePublishedEvents(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetEvent(ctx, "pending")
	assert.NoError(t, err, "unpublished backlog is never pruned")
}

func TestReplaceSchedulesIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	defs := []domain.Schedule{
		{Name: "sweep", Queue: "maintenance", Spec: "@daily", Payload: json.RawMessage(`{}`), NextRunAt: next},
	}
	require.NoError(t, s.ReplaceSchedules(ctx, defs))

	// Same set again, but with a recomputed (different) next run.
	defs[0].NextRunAt = next.Add(30 * time.Minute)
	require.NoError(t, s.ReplaceSchedules(ctx, defs))

	got, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].NextRunAt.Equal(next), "unchanged spec keeps its next run")

	// Changed spec adopts the new next run.
	defs[0].Spec = "@hourly"
	defs[0].NextRunAt = next.Add(time.Hour)
	require.NoError(t, s.ReplaceSchedules(ctx, defs))
	got, err = s.ListSchedules(ctx)
	require.NoError(t, err)
	assert.True(t, got[0].NextRunAt.Equal(next.Add(time.Hour)))
}

func TestReplaceSchedulesDropsStale(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.ReplaceSchedules(ctx, []domain.Schedule{
		{Name: "a", Queue: "q", Spec: "@daily", NextRunAt: time.Now()},
		{Name: "b", Queue: "q", Spec: "@daily", NextRunAt: time.Now()},
	}))
	require.NoError(t, s.ReplaceSchedules(ctx, []domain.Schedule{
		{Name: "b", Queue: "q", Spec: "@daily", NextRunAt: time.Now()},
	}))

	got, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Name)
}

func TestDueSchedules(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.ReplaceSchedules(ctx, []domain.Schedule{
		{Name: "due", Queue: "q", Spec: "@daily", NextRunAt: now.Add(-time.Minute)},
		{Name: "future", Queue: "q", Spec: "@daily", NextRunAt: now.Add(time.Hour)},
	}))

	due, err := s.DueSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Name)

	next := now.Add(24 * time.Hour)
	require.NoError(t, s.MarkScheduleRun(ctx, "due", now, next))
	due, err = s.DueSchedules(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestTryLeaderLock(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	ok, release, err := s.TryLeaderLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	ok2, _, err := s.TryLeaderLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok2, "held lock is not granted twice")

	release()
	ok3, release3, err := s.TryLeaderLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok3, "released lock is claimable again")
	release3()
}
