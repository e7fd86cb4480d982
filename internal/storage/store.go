// Package storage persists jobs, dead letters, outbox events and schedules.
// The store serializes lease acquisition: at most one worker holds an
// unexpired lease on a job.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/pulse/internal/domain"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrLeaseLost       = errors.New("storage: lease not acquired")
	ErrAlreadyResolved = errors.New("storage: dead letter already resolved")
)

// JobCounts is a point-in-time breakdown of one queue.
type JobCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

type Store interface {
	// Jobs.
	InsertJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// LeaseJob claims a queued job for owner until now+ttl. Returns
	// ErrLeaseLost when the job is not claimable (already leased, done,
	// or unknown).
	LeaseJob(ctx context.Context, id, owner string, ttl time.Duration) (*domain.Job, error)
	ExtendLease(ctx context.Context, id, owner string, ttl time.Duration) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailedTemp(ctx context.Context, id string, attempt int, reason string, runAt time.Time) error
	MarkDeadLettered(ctx context.Context, id string, attempt int, reason string) error
	// RequeueExpiredLeases flips jobs whose lease lapsed back to queued
	// and returns their ids so the caller can repush them.
	RequeueExpiredLeases(ctx context.Context, queue string, limit int) ([]string, error)
	// ReadyQueuedJobs lists queued ids whose run time has passed, for
	// broker reconciliation after a transport flush.
	ReadyQueuedJobs(ctx context.Context, queue string, limit int) ([]string, error)
	CountJobs(ctx context.Context, queue string) (JobCounts, error)
	PruneSucceeded(ctx context.Context, queue string, olderThan time.Duration, keep int) (int, error)

	// Dead letters.
	InsertDeadLetter(ctx context.Context, rec *domain.DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, sourceQueue, id string) (*domain.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, sourceQueue string, limit int) ([]*domain.DeadLetterRecord, error)
	// ResolveDeadLetter sets the resolution exactly once; a second call
	// returns ErrAlreadyResolved.
	ResolveDeadLetter(ctx context.Context, sourceQueue, id string, res domain.Resolution) error
	DeadLetterStats(ctx context.Context, sourceQueue string) (domain.DeadLetterStats, error)

	// Outbox events.
	InsertEvent(ctx context.Context, ev *domain.OutboxEvent) error
	GetEvent(ctx context.Context, id string) (*domain.OutboxEvent, error)
	// MarkPublished sets published_at if and only if it is still unset,
	// reporting whether this call won.
	MarkPublished(ctx context.Context, id string, at time.Time) (bool, error)
	PrunePublishedEvents(ctx context.Context, olderThan time.Duration) (int, error)

	// Schedules.
	// ReplaceSchedules removes rows whose name is not in the given set and
	// upserts the rest. The next run time of an unchanged spec is kept, so
	// reconciling twice with the same set is a no-op.
	ReplaceSchedules(ctx context.Context, defs []domain.Schedule) error
	ListSchedules(ctx context.Context) ([]*domain.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error)
	MarkScheduleRun(ctx context.Context, name string, ranAt, next time.Time) error
	DeleteAllSchedules(ctx context.Context) error

	// TryLeaderLock gates singleton maintenance work across processes.
	// The release func must be called when the holder is done.
	TryLeaderLock(ctx context.Context, key int64) (bool, func(), error)

	Ping(ctx context.Context) error
	Close()
}
