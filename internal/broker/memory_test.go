package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPushPop(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	require.NoError(t, m.Push(ctx, "q", "a"))
	require.NoError(t, m.Push(ctx, "q", "b"))

	id, err := m.PopBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id, "fifo order")

	id, err = m.PopBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestMemoryPopTimeout(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck

	start := time.Now()
	id, err := m.PopBlocking(context.Background(), "empty", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", id)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryPopWakesOnPush(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	got := make(chan string, 1)
	go func() {
		id, _ := m.PopBlocking(ctx, "q", 5*time.Second)
		got <- id
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Push(ctx, "q", "x"))

	select {
	case id := <-got:
		assert.Equal(t, "x", id)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestMemoryDelayedNotReadyEarly(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	require.NoError(t, m.PushDelayed(ctx, "q", "later", time.Now().Add(time.Hour)))
	id, err := m.PopBlocking(ctx, "q", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "", id, "delayed id must not be claimable before its time")
}

func TestMemoryPushDelayedPastIsImmediate(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	require.NoError(t, m.PushDelayed(ctx, "q", "now", time.Now().Add(-time.Second)))
	id, err := m.PopBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "now", id)
}

func TestMemoryMoveDue(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	due := time.Now().Add(10 * time.Millisecond)
	require.NoError(t, m.PushDelayed(ctx, "q", "a", due))
	require.NoError(t, m.PushDelayed(ctx, "q", "b", due.Add(time.Hour)))

	moved, err := m.MoveDue(ctx, "q", due.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, err := m.PopBlocking(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	defer m.Close() //nolint:errcheck
	ctx := context.Background()

	msgs, cancel, err := m.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Publish(ctx, "ch", []byte("hello")))
	select {
	case got := <-msgs:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	_, open := <-msgs
	assert.False(t, open, "cancel closes the subscription channel")
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	err := m.Push(context.Background(), "q", "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.PopBlocking(context.Background(), "q", time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
	assert.NoError(t, m.Close(), "double close is a no-op")
}
