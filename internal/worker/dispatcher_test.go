package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/backoff"
	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/dlq"
	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/storage"
)

type rig struct {
	store    *storage.Memory
	broker   *broker.Memory
	registry *queue.Registry
	handlers *Handlers
	dlq      *dlq.Manager
}

func newRig(t *testing.T, opts queue.Options) (*rig, *queue.Queue) {
	t.Helper()
	log := zap.NewNop()
	store := storage.NewMemory()
	brk := broker.NewMemory()
	t.Cleanup(func() { _ = brk.Close() })
	registry := queue.NewRegistry(store, brk, log)
	q := registry.CreateQueue("test", opts)
	return &rig{
		store:    store,
		broker:   brk,
		registry: registry,
		handlers: NewHandlers(),
		dlq:      dlq.NewManager(store, registry, nil, log),
	}, q
}

func (r *rig) run(t *testing.T, q *queue.Queue) {
	t.Helper()
	d := NewDispatcher(q, r.handlers, r.store, r.broker, r.dlq, "test-worker", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastRetry(maxAttempts int) queue.Options {
	return queue.Options{
		MaxAttempts: maxAttempts,
		Concurrency: 2,
		Backoff: backoff.Policy{
			Strategy: backoff.Fixed,
			Initial:  time.Millisecond,
			Deny:     []domain.Category{domain.CategoryValidation},
		},
	}
}

func waitForStatus(t *testing.T, store *storage.Memory, id string, want domain.Status) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestDispatcherRunsJob(t *testing.T) {
	r, q := newRig(t, fastRetry(3))
	var ran atomic.Int32
	require.NoError(t, r.handlers.Register("noop", func(ctx context.Context, job *domain.Job) error {
		ran.Add(1)
		return nil
	}))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "noop", nil)
	require.NoError(t, err)

	job := waitForStatus(t, r.store, id, domain.Succeeded)
	assert.Equal(t, 0, job.Attempt, "success settles without an attempt increment")
	assert.Equal(t, int32(1), ran.Load())
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	r, q := newRig(t, fastRetry(3))
	var calls atomic.Int32
	require.NoError(t, r.handlers.Register("flaky", func(ctx context.Context, job *domain.Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient blip")
		}
		return nil
	}))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "flaky", nil)
	require.NoError(t, err)

	job := waitForStatus(t, r.store, id, domain.Succeeded)
	assert.Equal(t, 1, job.Attempt, "one finished failure before the success")
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDispatcherDeadLettersAfterBudget(t *testing.T) {
	r, q := newRig(t, fastRetry(2))
	require.NoError(t, r.handlers.Register("doomed", func(ctx context.Context, job *domain.Job) error {
		return errors.New("always broken")
	}))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "doomed", nil)
	require.NoError(t, err)

	job := waitForStatus(t, r.store, id, domain.DeadLettered)
	assert.Equal(t, 2, job.Attempt)

	recs, err := r.dlq.List(context.Background(), "test", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "doomed", recs[0].JobName)
	assert.Equal(t, 2, recs[0].AttemptsMade, "record carries the final attempt count")
	assert.Nil(t, recs[0].Resolution, "fresh records are unresolved")
	assert.Contains(t, recs[0].Reason, "always broken")
}

func TestDispatcherDeniedCategorySkipsRetry(t *testing.T) {
	r, q := newRig(t, fastRetry(5))
	require.NoError(t, r.handlers.Register("malformed", func(ctx context.Context, job *domain.Job) error {
		return domain.Categorize(domain.CategoryValidation, errors.New("bad payload"))
	}))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "malformed", nil)
	require.NoError(t, err)

	job := waitForStatus(t, r.store, id, domain.DeadLettered)
	assert.Equal(t, 1, job.Attempt, "denied category dead-letters on the first failure")
}

func TestDispatcherAcksUnknownJobName(t *testing.T) {
	r, q := newRig(t, fastRetry(3))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "never.registered", nil)
	require.NoError(t, err)

	waitForStatus(t, r.store, id, domain.Succeeded)
	recs, err := r.dlq.List(context.Background(), "test", 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "unknown names are acknowledged, not dead-lettered")
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	r, q := newRig(t, fastRetry(1))
	require.NoError(t, r.handlers.Register("panicky", func(ctx context.Context, job *domain.Job) error {
		panic("kaboom")
	}))
	r.run(t, q)

	id, err := r.registry.Enqueue(context.Background(), "test", "panicky", nil)
	require.NoError(t, err)

	job := waitForStatus(t, r.store, id, domain.DeadLettered)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "kaboom")
}

func TestHandlersRegistry(t *testing.T) {
	h := NewHandlers()
	require.NoError(t, h.Register("a", func(ctx context.Context, job *domain.Job) error { return nil }))
	assert.Error(t, h.Register("a", func(ctx context.Context, job *domain.Job) error { return nil }),
		"duplicate registration is rejected")
	assert.True(t, h.Exists("a"))
	assert.NoError(t, h.MustResolve("a"))
	assert.Error(t, h.MustResolve("missing"))
}
