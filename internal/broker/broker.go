// Package broker abstracts the job transport: per-queue ready lists, a
// delayed set, and a pub/sub fanout channel for cross-process delivery.
// Job rows in the store stay authoritative; the broker only moves ids.
package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("broker: closed")

type Broker interface {
	// Push makes a job id immediately claimable on queue.
	Push(ctx context.Context, queue, jobID string) error
	// PushDelayed parks a job id until runAt.
	PushDelayed(ctx context.Context, queue, jobID string, runAt time.Time) error
	// PopBlocking claims the next ready id, waiting up to timeout.
	// Returns "" with a nil error when the wait times out.
	PopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, error)
	// MoveDue promotes delayed ids whose runAt has passed onto the ready
	// list, at most batch of them. Returns how many moved.
	MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error)

	// Publish/Subscribe is the cross-process fanout used by the realtime
	// layer. Delivery is best-effort; durability lives in the job path.
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
