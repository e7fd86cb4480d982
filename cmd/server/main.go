package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/pulse/internal/backoff"
	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/config"
	"github.com/you/pulse/internal/dlq"
	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/health"
	"github.com/you/pulse/internal/maintenance"
	"github.com/you/pulse/internal/outbox"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/realtime"
	"github.com/you/pulse/internal/scheduler"
	"github.com/you/pulse/internal/server"
	"github.com/you/pulse/internal/storage"
	"github.com/you/pulse/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		log.Fatal("bad configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer store.Close()

	brk, err := buildBroker(ctx, cfg)
	if err != nil {
		log.Fatal("broker init failed", zap.Error(err))
	}

	registry := queue.NewRegistry(store, brk, log)
	defer registry.CloseAll() //nolint:errcheck

	leaseTTL := time.Duration(cfg.DefaultLeaseSec) * time.Second
	broadcastQ := registry.CreateQueue("broadcast", queue.Options{
		MaxAttempts: 5,
		Concurrency: 16,
		LeaseTTL:    leaseTTL / 2,
		Backoff:     backoffFast(),
	})
	externalQ := registry.CreateQueue("external", queue.Options{
		MaxAttempts: 8,
		Concurrency: 4,
		LeaseTTL:    leaseTTL * 2,
		Backoff:     backoffSlow(),
	})
	maintenanceQ := registry.CreateQueue("maintenance", queue.Options{
		MaxAttempts: 3,
		Concurrency: 1,
		LeaseTTL:    leaseTTL * 5,
	})

	dlqMgr := dlq.NewManager(store, registry, nil, log)

	tracker := realtime.NewTracker(time.Duration(cfg.PresenceStaleSec)*time.Second, log)
	hub := realtime.NewHub(brk, cfg.FanoutChannel, tracker, log)

	publisher := outbox.NewPublisher(store, hub, staticDirectory{}, log)

	handlers := worker.NewHandlers()
	mustRegister(log, handlers, outbox.JobPublish, publisher.Handle)
	mustRegister(log, handlers, outbox.JobSweep, outbox.SweepHandler(store, log))
	mustRegister(log, handlers, maintenance.JobPruneJobs, maintenance.PruneJobsHandler(store, registry, log))

	owner := workerOwner()
	dispatchers := []*worker.Dispatcher{
		worker.NewDispatcher(broadcastQ, handlers, store, brk, dlqMgr, owner, log),
		worker.NewDispatcher(externalQ, handlers, store, brk, dlqMgr, owner, log),
		worker.NewDispatcher(maintenanceQ, handlers, store, brk, dlqMgr, owner, log),
	}

	sched := scheduler.New([]scheduler.Def{
		{Name: outbox.JobSweep, Queue: maintenanceQ.Name, Spec: "@daily"},
		{Name: maintenance.JobPruneJobs, Queue: maintenanceQ.Name, Spec: "@hourly"},
	}, store, registry, handlers, time.Duration(cfg.SchedulerTickSec)*time.Second, log)
	if err := sched.Reconcile(ctx); err != nil {
		log.Fatal("schedule reconcile failed", zap.Error(err))
	}

	monitor := health.NewMonitor(store, brk, hub, dispatchers, health.Thresholds{
		Backlog:            cfg.BacklogThreshold,
		FailureRatePercent: cfg.FailureRatePercent,
	})

	srv := server.New(registry, store, dlqMgr, sched, hub, monitor, claimsAuthenticator{}, log)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		return tracker.RunSweeper(gctx, time.Duration(cfg.PresenceSweepSec)*time.Second)
	})
	for _, d := range dispatchers {
		d := d
		g.Go(func() error { return d.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", zap.Error(err))
	}
	log.Info("stopped")
}

func newLogger(appEnv string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if appEnv == "dev" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return log
}

func buildStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Store == "memory" {
		return storage.NewMemory(), nil
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return storage.NewPostgres(db), nil
}

func buildBroker(ctx context.Context, cfg config.Config) (broker.Broker, error) {
	if cfg.Broker == "memory" {
		return broker.NewMemory(), nil
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	b := broker.NewRedis(rdb)
	if err := b.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	return b, nil
}

func mustRegister(log *zap.Logger, h *worker.Handlers, name string, fn worker.Handler) {
	if err := h.Register(name, fn); err != nil {
		log.Fatal("handler registration failed", zap.String("job", name), zap.Error(err))
	}
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "/" + uuid.NewString()[:8]
}

// backoffFast suits in-process fanout work: short waits, no point
// retrying malformed requests.
func backoffFast() backoff.Policy {
	return backoff.Policy{
		Strategy: backoff.Exponential,
		Initial:  500 * time.Millisecond,
		Max:      30 * time.Second,
		Deny:     []domain.Category{domain.CategoryValidation, domain.CategoryPermission},
	}
}

// backoffSlow suits third-party calls: generous waits, permission errors
// are terminal.
func backoffSlow() backoff.Policy {
	return backoff.Policy{
		Strategy: backoff.Exponential,
		Initial:  5 * time.Second,
		Max:      10 * time.Minute,
		Deny:     []domain.Category{domain.CategoryValidation, domain.CategoryPermission},
	}
}

// staticDirectory is the standalone-deployment membership resolver: only
// events that carry their own scope resolve. Embedding applications supply
// a real Directory backed by their membership store.
type staticDirectory struct{}

func (staticDirectory) SpaceOrg(ctx context.Context, spaceID string) (string, error) {
	return "", errors.Errorf("no directory configured: cannot resolve org of space %s", spaceID)
}

func (staticDirectory) AgentOrgs(ctx context.Context, agentID string) ([]string, error) {
	return nil, nil
}

// claimsAuthenticator accepts a JSON identity document as the token. It is
// a development stand-in; production deployments plug in a verifier for
// whatever credential their platform issues.
type claimsAuthenticator struct{}

func (claimsAuthenticator) Authenticate(ctx context.Context, token string) (realtime.Identity, error) {
	var claims struct {
		AgentID  string   `json:"agentId"`
		OrgIDs   []string `json:"orgIds"`
		SpaceIDs []string `json:"spaceIds"`
	}
	if err := json.Unmarshal([]byte(token), &claims); err != nil || claims.AgentID == "" {
		return realtime.Identity{}, errors.New("invalid identity token")
	}
	return realtime.Identity{
		AgentID:  claims.AgentID,
		OrgIDs:   claims.OrgIDs,
		SpaceIDs: claims.SpaceIDs,
	}, nil
}
