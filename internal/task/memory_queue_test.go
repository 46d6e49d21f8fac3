package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "agent-matrix/internal/errors"
)

func TestMemoryQueueDeliversToWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen []string
		wg   sync.WaitGroup
	)
	wg.Add(3)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id string) error {
			mu.Lock()
			seen = append(seen, id)
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish(context.Background(), id))
	}
	wg.Wait()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), "late")
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	require.NoError(t, q.Publish(context.Background(), "fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, "blocked"), context.DeadlineExceeded)
}

func TestMemoryQueueCloseStopsConsumers(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), 3, func(context.Context, string) error { return nil })
	}()
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
}
