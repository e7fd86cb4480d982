// The janitor is the background repair loop: it promotes due delayed jobs,
// repushes queued rows the broker lost, and reclaims expired leases. One
// process does the work at a time; the rest idle behind the leader lock.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/broker"
	"github.com/you/pulse/internal/config"
	"github.com/you/pulse/internal/storage"
)

// janitorLeaderKey is distinct from the scheduler's lock: the two sweeps
// may run on different processes.
const janitorLeaderKey int64 = 7342

const sweepBatch = 500

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv).Named("janitor")
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
	defer brk.Close() //nolint:errcheck

	log.Info("janitor started",
		zap.Strings("queues", cfg.Queues),
		zap.Int("tick_ms", cfg.JanitorTickMS))

	tick := time.NewTicker(time.Duration(cfg.JanitorTickMS) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("stopped")
			return
		case <-tick.C:
			if err := sweep(ctx, cfg.Queues, store, brk, log); err != nil && ctx.Err() == nil {
				log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

func sweep(ctx context.Context, queues []string, store storage.Store, brk broker.Broker, log *zap.Logger) error {
	ok, release, err := store.TryLeaderLock(ctx, janitorLeaderKey)
	if err != nil {
		return errors.Wrap(err, "leader lock")
	}
	if !ok {
		return nil
	}
	defer release()

	now := time.Now()
	for _, q := range queues {
		moved, err := brk.MoveDue(ctx, q, now, sweepBatch)
		if err != nil {
			log.Warn("move due failed", zap.String("queue", q), zap.Error(err))
		} else if moved > 0 {
			log.Info("delayed jobs promoted", zap.String("queue", q), zap.Int("count", moved))
		}

		// Rows the broker lost (flush, failed push) get their ids repushed.
		ready, err := store.ReadyQueuedJobs(ctx, q, sweepBatch)
		if err != nil {
			log.Warn("reconcile query failed", zap.String("queue", q), zap.Error(err))
		} else {
			repush(ctx, brk, q, ready, "queued jobs reconciled", log)
		}

		expired, err := store.RequeueExpiredLeases(ctx, q, sweepBatch)
		if err != nil {
			log.Warn("lease reclaim failed", zap.String("queue", q), zap.Error(err))
		} else {
			repush(ctx, brk, q, expired, "expired leases reclaimed", log)
		}
	}
	return nil
}

func repush(ctx context.Context, brk broker.Broker, queue string, ids []string, msg string, log *zap.Logger) {
	if len(ids) == 0 {
		return
	}
	pushed := 0
	for _, id := range ids {
		if err := brk.Push(ctx, queue, id); err != nil {
			log.Warn("repush failed", zap.String("queue", queue), zap.String("job_id", id), zap.Error(err))
			continue
		}
		pushed++
	}
	log.Info(msg, zap.String("queue", queue), zap.Int("count", pushed))
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
