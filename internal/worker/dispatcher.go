// Package worker pulls jobs off the broker, leases them, runs the handler
// and settles the outcome. Retry-vs-DLQ is decided here and nowhere else.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/dlq"
	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/storage"
)

const popTimeout = 2 * time.Second

// Dispatcher consumes one queue with a bounded pool.
type Dispatcher struct {
	queue    *queue.Queue
	handlers *Handlers
	store    storage.Store
	broker   broker.Broker
	dlq      *dlq.Manager
	owner    string
	log      *zap.Logger
	metrics  metrics
}

func NewDispatcher(q *queue.Queue, handlers *Handlers, store storage.Store, brk broker.Broker, dlqMgr *dlq.Manager, owner string, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		handlers: handlers,
		store:    store,
		broker:   brk,
		dlq:      dlqMgr,
		owner:    owner,
		log:      log.Named("worker").With(zap.String("queue", q.Name)),
	}
}

func (d *Dispatcher) Queue() *queue.Queue { return d.queue }

func (d *Dispatcher) Stats() Stats { return d.metrics.snapshot(time.Now()) }

// Run blocks until ctx is cancelled, claiming ready jobs and running them
// on at most Concurrency goroutines.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(d.queue.Opts.Concurrency))
	var wg sync.WaitGroup
	d.log.Info("dispatcher started", zap.Int("concurrency", d.queue.Opts.Concurrency))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		default:
		}
		id, err := d.broker.PopBlocking(ctx, d.queue.Name, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			d.log.Warn("pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a popped id in hand: repush so the
			// job is not stranded until lease reclaim.
			_ = d.broker.Push(context.Background(), d.queue.Name, id)
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			defer sem.Release(1)
			d.process(ctx, jobID)
		}(id)
	}
}

func (d *Dispatcher) process(ctx context.Context, jobID string) {
	job, err := d.store.LeaseJob(ctx, jobID, d.owner, d.queue.Opts.LeaseTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseLost) {
			// Another worker got there first, or the row is settled.
			d.log.Debug("lease lost", zap.String("job_id", jobID))
			return
		}
		d.log.Warn("lease failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	handler, ok := d.handlers.Resolve(job.Name)
	if !ok {
		// A name with no handler will never match one; ack it instead of
		// retrying forever.
		d.log.Warn("unknown job name, acknowledged without effect",
			zap.String("job_id", job.ID), zap.String("job", job.Name))
		if err := d.store.MarkSucceeded(ctx, job.ID); err != nil {
			d.log.Warn("ack failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	stop := d.keepLeaseAlive(ctx, job.ID)
	start := time.Now()
	runErr := d.invoke(ctx, handler, job)
	stop()
	d.finish(ctx, job, runErr, time.Since(start))
}

// keepLeaseAlive renews the lease at a third of its TTL while the handler
// runs. If renewal fails the handler keeps going; the settle update is a
// plain write, so worst case the job is reclaimed and re-run (at-least-once).
func (d *Dispatcher) keepLeaseAlive(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		interval := d.queue.Opts.LeaseTTL / 3
		if interval < time.Second {
			interval = time.Second
		}
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := d.store.ExtendLease(ctx, jobID, d.owner, d.queue.Opts.LeaseTTL); err != nil {
					d.log.Warn("lease renewal failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// finish settles one try. The single attempt increment lives here so the
// retry check and the DLQ record always see the same count.
func (d *Dispatcher) finish(ctx context.Context, job *domain.Job, runErr error, took time.Duration) {
	if runErr == nil {
		if err := d.store.MarkSucceeded(ctx, job.ID); err != nil {
			d.log.Warn("mark succeeded failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		d.metrics.success(time.Now())
		d.log.Info("job done",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Duration("took", took))
		return
	}

	job.Attempt++
	d.metrics.failure(time.Now())
	reason := runErr.Error()

	if d.queue.Opts.Backoff.ShouldRetry(runErr, job.Attempt, job.MaxAttempts) {
		delay := d.queue.Opts.Backoff.NextDelay(job.Attempt)
		runAt := time.Now().Add(delay)
		if err := d.store.MarkFailedTemp(ctx, job.ID, job.Attempt, reason, runAt); err != nil {
			d.log.Warn("mark retry failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		if err := d.broker.PushDelayed(ctx, d.queue.Name, job.ID, runAt); err != nil {
			d.log.Warn("delayed push failed, reconcile will repair",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		d.log.Info("job retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Int("attempt", job.Attempt),
			zap.Duration("delay", delay),
			zap.String("error", reason))
		return
	}

	if err := d.store.MarkDeadLettered(ctx, job.ID, job.Attempt, reason); err != nil {
		d.log.Warn("mark dead-lettered failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := d.dlq.HandleFailedJob(ctx, d.queue.Name, job, runErr); err != nil {
		d.log.Error("dead letter persist failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	d.log.Warn("job terminally failed",
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempts", job.Attempt),
		zap.Duration("took", took),
		zap.String("error", fmt.Sprintf("%v", runErr)))
}
