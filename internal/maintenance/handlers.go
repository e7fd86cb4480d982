// Package maintenance holds the scheduled housekeeping handlers. They run
// on the same dispatch machinery as every other job.
package maintenance

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/queue"
	"github.com/you/pulse/internal/storage"
)

// JobPruneJobs trims succeeded job rows beyond each queue's retention.
const JobPruneJobs = "maintenance.prune_jobs"

func PruneJobsHandler(store storage.Store, registry *queue.Registry, log *zap.Logger) func(ctx context.Context, job *domain.Job) error {
	log = log.Named("maintenance")
	return func(ctx context.Context, job *domain.Job) error {
		var errs error
		total := 0
		for _, q := range registry.Queues() {
			n, err := store.PruneSucceeded(ctx, q.Name, q.Opts.RetentionAge, q.Opts.RetentionCount)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			total += n
		}
		if total > 0 {
			log.Info("succeeded jobs pruned", zap.Int("count", total))
		}
		return errs
	}
}
