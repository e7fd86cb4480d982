// Package dlq stores terminal job failures for operator review. Records
// are mutated only by explicit retry/ignore calls, never by automation.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/storage"
)

// Alerter is the operator-notification integration point. Delivery to
// external channels is plugged in here; the default just logs.
type Alerter interface {
	Alert(ctx context.Context, rec *domain.DeadLetterRecord)
}

type LogAlerter struct{ Log *zap.Logger }

func (a LogAlerter) Alert(ctx context.Context, rec *domain.DeadLetterRecord) {
	a.Log.Error("job dead-lettered",
		zap.String("dlq", Name(rec.SourceQueue)),
		zap.String("record_id", rec.ID),
		zap.String("job", rec.JobName),
		zap.Int("attempts", rec.AttemptsMade),
		zap.String("reason", rec.Reason))
}

// Name returns the dead queue name for a source queue.
func Name(sourceQueue string) string { return sourceQueue + "-dlq" }

type Manager struct {
	store    storage.Store
	registry *queue.Registry
	alerter  Alerter
	log      *zap.Logger
}

func NewManager(store storage.Store, registry *queue.Registry, alerter Alerter, log *zap.Logger) *Manager {
	m := &Manager{store: store, registry: registry, alerter: alerter, log: log.Named("dlq")}
	if m.alerter == nil {
		m.alerter = LogAlerter{Log: m.log}
	}
	return m
}

// HandleFailedJob persists the failure record and raises the alert.
// Called by worker dispatch on terminal failure only.
func (m *Manager) HandleFailedJob(ctx context.Context, sourceQueue string, job *domain.Job, jobErr error) error {
	rec := &domain.DeadLetterRecord{
		ID:           uuid.NewString(),
		SourceQueue:  sourceQueue,
		JobName:      job.Name,
		Payload:      job.Payload,
		Reason:       jobErr.Error(),
		Stack:        stackSummary(jobErr),
		AttemptsMade: job.Attempt,
		FailedAt:     time.Now(),
	}
	if err := m.store.InsertDeadLetter(ctx, rec); err != nil {
		return errors.Wrap(err, "persist dead letter")
	}
	m.alerter.Alert(ctx, rec)
	return nil
}

// RetryJob re-enqueues the original payload with a fresh attempt budget on
// targetQueue and marks the record resolved=retried. Returns the new job id.
func (m *Manager) RetryJob(ctx context.Context, id, sourceQueue, targetQueue string) (string, error) {
	rec, err := m.store.GetDeadLetter(ctx, sourceQueue, id)
	if err != nil {
		return "", err
	}
	if rec.Resolution != nil {
		return "", storage.ErrAlreadyResolved
	}
	if targetQueue == "" {
		targetQueue = sourceQueue
	}
	if _, err := m.registry.Lookup(targetQueue); err != nil {
		return "", err
	}
	// Resolve before enqueueing: concurrent retries race on the resolution
	// update, so at most one of them re-enqueues.
	if err := m.store.ResolveDeadLetter(ctx, sourceQueue, id, domain.ResolutionRetried); err != nil {
		return "", err
	}
	jobID, err := m.registry.Enqueue(ctx, targetQueue, rec.JobName, rec.Payload)
	if err != nil {
		m.log.Error("re-enqueue failed after resolve; record stays retried",
			zap.String("record_id", id),
			zap.String("target_queue", targetQueue),
			zap.Error(err))
		return "", errors.Wrap(err, "re-enqueue")
	}
	m.log.Info("dead letter retried",
		zap.String("record_id", id),
		zap.String("source_queue", sourceQueue),
		zap.String("new_job_id", jobID))
	return jobID, nil
}

// IgnoreJob marks the record resolved=ignored without re-enqueueing.
func (m *Manager) IgnoreJob(ctx context.Context, id, sourceQueue string) error {
	if err := m.store.ResolveDeadLetter(ctx, sourceQueue, id, domain.ResolutionIgnored); err != nil {
		return err
	}
	m.log.Info("dead letter ignored",
		zap.String("record_id", id), zap.String("source_queue", sourceQueue))
	return nil
}

func (m *Manager) Stats(ctx context.Context, sourceQueue string) (domain.DeadLetterStats, error) {
	return m.store.DeadLetterStats(ctx, sourceQueue)
}

func (m *Manager) List(ctx context.Context, sourceQueue string, limit int) ([]*domain.DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListDeadLetters(ctx, sourceQueue, limit)
}

// stackSummary keeps the first few frames of a pkg/errors stack trace.
func stackSummary(err error) string {
	full := fmt.Sprintf("%+v", err)
	lines := strings.Split(full, "\n")
	if len(lines) > 12 {
		lines = lines[:12]
	}
	return strings.Join(lines, "\n")
}
