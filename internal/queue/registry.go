// Package queue names the durable queues and owns their default job
// options. Enqueue writes the authoritative row first, then hands the id
// to the broker.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/backoff"
	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/storage"
)

var ErrQueueNotFound = errors.New("queue: not registered")

// Options are the per-queue defaults fixed at creation time.
type Options struct {
	MaxAttempts    int
	Backoff        backoff.Policy
	LeaseTTL       time.Duration
	Concurrency    int
	RetentionAge   time.Duration
	RetentionCount int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 60 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = time.Second
	}
	if o.Backoff.Strategy == "" {
		o.Backoff.Strategy = backoff.Exponential
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = 24 * time.Hour
	}
	if o.RetentionCount <= 0 {
		o.RetentionCount = 1000
	}
	return o
}

type Queue struct {
	Name string
	Opts Options

	closed bool
}

type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	store  storage.Store
	broker broker.Broker
	log    *zap.Logger
}

func NewRegistry(store storage.Store, brk broker.Broker, log *zap.Logger) *Registry {
	return &Registry{
		queues: make(map[string]*Queue),
		store:  store,
		broker: brk,
		log:    log.Named("queue"),
	}
}

// CreateQueue registers a queue. Idempotent: a second call with the same
// name returns the memoized instance and ignores the new options.
func (r *Registry) CreateQueue(name string, opts Options) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	q := &Queue{Name: name, Opts: opts.withDefaults()}
	r.queues[name] = q
	r.log.Info("queue registered",
		zap.String("queue", name),
		zap.Int("max_attempts", q.Opts.MaxAttempts),
		zap.Int("concurrency", q.Opts.Concurrency))
	return q
}

func (r *Registry) Lookup(name string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok || q.closed {
		return nil, errors.Wrap(ErrQueueNotFound, name)
	}
	return q, nil
}

func (r *Registry) Queues() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		if !q.closed {
			out = append(out, q)
		}
	}
	return out
}

type enqueueOptions struct {
	delay       time.Duration
	maxAttempts int
}

type Opt func(*enqueueOptions)

// WithDelay defers the job's first eligibility.
func WithDelay(d time.Duration) Opt {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue's default attempt budget.
func WithMaxAttempts(n int) Opt {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Enqueue persists a job row and makes its id claimable. The row insert
// comes first: if the broker push fails, the janitor's reconcile pass
// repairs the drift.
func (r *Registry) Enqueue(ctx context.Context, queueName, jobName string, payload json.RawMessage, opts ...Opt) (string, error) {
	q, err := r.Lookup(queueName)
	if err != nil {
		return "", err
	}
	var eo enqueueOptions
	for _, opt := range opts {
		opt(&eo)
	}
	maxAttempts := q.Opts.MaxAttempts
	if eo.maxAttempts > 0 {
		maxAttempts = eo.maxAttempts
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Name:        jobName,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		RunAt:       time.Now().Add(eo.delay),
		Status:      domain.Queued,
	}
	if err := r.store.InsertJob(ctx, job); err != nil {
		return "", errors.Wrap(err, "persist job")
	}
	if eo.delay > 0 {
		err = r.broker.PushDelayed(ctx, queueName, job.ID, job.RunAt)
	} else {
		err = r.broker.Push(ctx, queueName, job.ID)
	}
	if err != nil {
		// Row exists; the reconcile pass will push it later.
		r.log.Warn("broker push failed, job parked for reconcile",
			zap.String("job_id", job.ID), zap.String("queue", queueName), zap.Error(err))
	}
	r.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("queue", queueName),
		zap.String("job", jobName))
	return job.ID, nil
}

// Close deregisters a queue; pending rows stay in the store.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return errors.Wrap(ErrQueueNotFound, name)
	}
	q.closed = true
	return nil
}

// CloseAll deregisters every queue and closes the broker.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	for _, q := range r.queues {
		q.closed = true
	}
	r.mu.Unlock()
	return multierr.Append(nil, r.broker.Close())
}
