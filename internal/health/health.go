// Package health aggregates broker, store, queue and connection-layer
// liveness into a single verdict plus point-in-time counters.
package health

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/realtime"
	"github.com/you/pulse/internal/storage"
	"github.com/you/pulse/internal/worker"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

type Check struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	LatencyMS float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

type QueueReport struct {
	storage.JobCounts
	ProcessedPerMin float64 `json:"processedPerMin"`
	FailedPerMin    float64 `json:"failedPerMin"`
	DLQBacklog      int     `json:"dlqBacklog"`
}

type Report struct {
	Status        Status                 `json:"status"`
	Checks        []Check                `json:"checks"`
	Queues        map[string]QueueReport `json:"queues"`
	Connections   int                    `json:"connections"`
	OnlineAgents  int                    `json:"onlineAgents"`
	UptimeSeconds float64                `json:"uptimeSeconds"`
	GeneratedAt   time.Time              `json:"generatedAt"`
}

// Thresholds decide when a reachable system still counts as degraded.
type Thresholds struct {
	// Backlog is the waiting-job count above which a queue is backlogged.
	Backlog int
	// FailureRatePercent is the failed share of the trailing minute's
	// outcomes above which a queue is failing.
	FailureRatePercent int
}

type Monitor struct {
	store       storage.Store
	broker      broker.Broker
	hub         *realtime.Hub
	dispatchers []*worker.Dispatcher
	thresholds  Thresholds
	startedAt   time.Time
}

func NewMonitor(store storage.Store, brk broker.Broker, hub *realtime.Hub, dispatchers []*worker.Dispatcher, th Thresholds) *Monitor {
	if th.Backlog <= 0 {
		th.Backlog = 1000
	}
	if th.FailureRatePercent <= 0 {
		th.FailureRatePercent = 50
	}
	return &Monitor{
		store:       store,
		broker:      brk,
		hub:         hub,
		dispatchers: dispatchers,
		thresholds:  th,
		startedAt:   time.Now(),
	}
}

func timedCheck(ctx context.Context, name string, fn func(context.Context) error) Check {
	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)
	c := Check{Name: name, Status: Healthy, LatencyMS: float64(took.Microseconds()) / 1000}
	if err != nil {
		c.Status = Unhealthy
		c.Error = err.Error()
	}
	return c
}

// Snapshot polls every component once. Unreachable broker, store or
// connection layer makes the verdict unhealthy; a backlogged or failing
// queue only degrades it.
func (m *Monitor) Snapshot(ctx context.Context) *Report {
	r := &Report{
		Status:        Healthy,
		Queues:        make(map[string]QueueReport),
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
		GeneratedAt:   time.Now(),
	}

	r.Checks = append(r.Checks, timedCheck(ctx, "store", m.store.Ping))
	r.Checks = append(r.Checks, timedCheck(ctx, "broker", m.broker.Ping))
	r.Checks = append(r.Checks, timedCheck(ctx, "realtime", func(context.Context) error {
		if !m.hub.Alive() {
			return errors.New("fanout pump not running")
		}
		return nil
	}))
	for _, c := range r.Checks {
		if c.Status == Unhealthy {
			r.Status = Unhealthy
		}
	}

	r.Connections = m.hub.ConnectionCount()
	r.OnlineAgents = len(m.hub.Presence().OnlineAgents())

	for _, d := range m.dispatchers {
		name := d.Queue().Name
		counts, err := m.store.CountJobs(ctx, name)
		if err != nil {
			continue
		}
		stats := d.Stats()
		backlog := 0
		if st, err := m.store.DeadLetterStats(ctx, name); err == nil {
			backlog = st.Unprocessed
		}
		qr := QueueReport{
			JobCounts:       counts,
			ProcessedPerMin: stats.ProcessedPerMin,
			FailedPerMin:    stats.FailedPerMin,
			DLQBacklog:      backlog,
		}
		r.Queues[name] = qr
		if r.Status == Healthy && m.degraded(qr) {
			r.Status = Degraded
		}
	}
	return r
}

func (m *Monitor) degraded(q QueueReport) bool {
	if q.Waiting > m.thresholds.Backlog {
		return true
	}
	total := q.ProcessedPerMin + q.FailedPerMin
	if total > 0 && q.FailedPerMin/total*100 > float64(m.thresholds.FailureRatePercent) {
		return true
	}
	return false
}
