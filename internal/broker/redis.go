package broker

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// Redis keeps ready ids in a list per queue and delayed ids in a ZSET
// scored by unix run time. Fanout rides the native pub/sub.
type Redis struct{ rdb *r.Client }

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb} }

func readyKey(queue string) string { return "queue:" + queue }
func delayKey(queue string) string { return "delay:" + queue }

func (b *Redis) Push(ctx context.Context, queue, jobID string) error {
	return b.rdb.LPush(ctx, readyKey(queue), jobID).Err()
}

func (b *Redis) PushDelayed(ctx context.Context, queue, jobID string, runAt time.Time) error {
	if time.Until(runAt) <= 0 {
		return b.Push(ctx, queue, jobID)
	}
	return b.rdb.ZAdd(ctx, delayKey(queue), r.Z{Score: float64(runAt.Unix()), Member: jobID}).Err()
}

func (b *Redis) PopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := b.rdb.BRPop(ctx, timeout, readyKey(queue)).Result()
	if err == r.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

func (b *Redis) MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, delayKey(queue), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := b.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(queue), id)
		pipe.ZRem(ctx, delayKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *Redis) Publish(ctx context.Context, channel string, msg []byte) error {
	return b.rdb.Publish(ctx, channel, msg).Err()
}

func (b *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
				// Slow consumer: drop rather than stall the pump.
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Close() error { return b.rdb.Close() }
