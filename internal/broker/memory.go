package broker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process broker selected when no Redis is configured.
// Same contract as Redis, minus durability: ids live in process memory and
// fanout only reaches local subscribers. A background mover promotes due
// delayed ids so callers do not have to run a janitor in memory mode.
type Memory struct {
	mu      sync.Mutex
	ready   map[string][]string
	delayed map[string][]delayedID
	notify  map[string]chan struct{}
	subs    map[string]map[int]chan []byte
	nextSub int
	closed  bool
	done    chan struct{}
}

type delayedID struct {
	id    string
	runAt time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		ready:   make(map[string][]string),
		delayed: make(map[string][]delayedID),
		notify:  make(map[string]chan struct{}),
		subs:    make(map[string]map[int]chan []byte),
		done:    make(chan struct{}),
	}
	go m.mover()
	return m
}

func (m *Memory) mover() {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-tick.C:
			m.mu.Lock()
			queues := make([]string, 0, len(m.delayed))
			for q := range m.delayed {
				queues = append(queues, q)
			}
			m.mu.Unlock()
			for _, q := range queues {
				_, _ = m.MoveDue(context.Background(), q, now, 256)
			}
		}
	}
}

func (m *Memory) wakeup(queue string) {
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[queue] = ch
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Memory) waiter(queue string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[queue] = ch
	}
	return ch
}

func (m *Memory) Push(ctx context.Context, queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ready[queue] = append(m.ready[queue], jobID)
	m.wakeup(queue)
	return nil
}

func (m *Memory) PushDelayed(ctx context.Context, queue, jobID string, runAt time.Time) error {
	if time.Until(runAt) <= 0 {
		return m.Push(ctx, queue, jobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.delayed[queue] = append(m.delayed[queue], delayedID{id: jobID, runAt: runAt})
	return nil
}

func (m *Memory) PopBlocking(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return "", ErrClosed
		}
		if q := m.ready[queue]; len(q) > 0 {
			id := q[0]
			m.ready[queue] = q[1:]
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", nil
		case <-m.waiter(queue):
		}
	}
}

func (m *Memory) MoveDue(ctx context.Context, queue string, now time.Time, batch int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	pending := m.delayed[queue]
	sort.Slice(pending, func(i, j int) bool { return pending[i].runAt.Before(pending[j].runAt) })
	moved := 0
	rest := pending[:0]
	for _, d := range pending {
		if int64(moved) < batch && !d.runAt.After(now) {
			m.ready[queue] = append(m.ready[queue], d.id)
			moved++
			continue
		}
		rest = append(rest, d)
	}
	m.delayed[queue] = rest
	if moved > 0 {
		m.wakeup(queue)
	}
	return moved, nil
}

// Publish fans out to local subscribers only. Non-blocking: a slow
// subscriber drops messages instead of stalling the publisher.
func (m *Memory) Publish(ctx context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	chans := make([]chan []byte, 0, len(m.subs[channel]))
	for _, ch := range m.subs[channel] {
		chans = append(chans, ch)
	}
	m.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan []byte)
	}
	id := m.nextSub
	m.nextSub++
	ch := make(chan []byte, 256)
	m.subs[channel][id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[channel], id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	for q := range m.notify {
		m.wakeup(q)
	}
	return nil
}
