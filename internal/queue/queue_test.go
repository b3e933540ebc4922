package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int](4, Wait)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		v, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestQueueWaitBlocksUntilSpace(t *testing.T) {
	q := New[string](1, Wait)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "a"))

	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, "b") }()

	select {
	case <-done:
		t.Fatal("enqueue should block while full")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue never unblocked")
	}
}

func TestQueueWaitHonorsContext(t *testing.T) {
	q := New[int](1, Wait)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(cancelled, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDropOldestEvicts(t *testing.T) {
	q := New[int](2, DropOldest)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	assert.Equal(t, int64(3), q.Dropped())

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	v, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestQueueCloseDrains(t *testing.T) {
	q := New[int](4, Wait)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))
	q.Close()

	assert.ErrorIs(t, q.Enqueue(ctx, 2), ErrClosed)

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueTryDequeue(t *testing.T) {
	q := New[int](2, Wait)
	_, ok := q.TryDequeue()
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(context.Background(), 7))
	v, ok := q.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestQueueTryDequeueAfterClose(t *testing.T) {
	q := New[int](2, Wait)
	require.NoError(t, q.Enqueue(context.Background(), 1))
	q.Close()

	v, ok := q.TryDequeue()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.TryDequeue()
	assert.False(t, ok)
	assert.Zero(t, v)
}
