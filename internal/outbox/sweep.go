package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/pulse/internal/domain"
	"github.com/you/pulse/internal/storage"
)

// JobSweep is the scheduled maintenance handler that prunes long-published
// event rows. The unpublished backlog is never touched.
const JobSweep = "outbox.sweep"

const publishedRetention = 7 * 24 * time.Hour

// SweepHandler returns the handler for the outbox.sweep schedule.
func SweepHandler(store storage.Store, log *zap.Logger) func(ctx context.Context, job *domain.Job) error {
	log = log.Named("outbox")
	return func(ctx context.Context, job *domain.Job) error {
		n, err := store.PrunePublishedEvents(ctx, publishedRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("published events pruned", zap.Int("count", n))
		}
		return nil
	}
}
