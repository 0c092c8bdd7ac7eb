package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPool(t *testing.T, q *RedisQueue, handler Handler) *Pool {
	t.Helper()
	pool := NewPool(q, handler, PoolConfig{
		Workers:         2,
		PollTimeout:     time.Second,
		PromoteInterval: 50 * time.Millisecond,
		RetryBackoff:    time.Hour,
	}, logger.NewTestLogger(t))
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)
	return pool
}

func TestPool_AcksHandledTasks(t *testing.T) {
	q, mr := setupQueue(t)
	var handled atomic.Int32

	runPool(t, q, func(ctx context.Context, task *Task) error {
		handled.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), "broadcast-dispatch", samplePayload{BroadcastID: int64(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return handled.Load() == 3 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return !mr.Exists("broadcasts:processing") }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, mr.Exists("broadcasts:dead"))
}

func TestPool_DeadLettersPermanentFailures(t *testing.T) {
	q, mr := setupQueue(t)

	runPool(t, q, func(ctx context.Context, task *Task) error {
		return apperrors.NewWhatsAppTransportError(errors.New("connection reset by peer"))
	})

	_, err := q.Enqueue(context.Background(), "broadcast-dispatch", samplePayload{BroadcastID: 9})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mr.Exists("broadcasts:dead") }, 5*time.Second, 20*time.Millisecond)

	dead, err := mr.List("broadcasts:dead")
	require.NoError(t, err)
	var task Task
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &task))
	assert.Contains(t, task.LastError, "WHATSAPP_TRANSPORT_FAILED")
}

func TestPool_RetriesRetryableFailures(t *testing.T) {
	q, mr := setupQueue(t)

	runPool(t, q, func(ctx context.Context, task *Task) error {
		return apperrors.NewDatabaseConnectionFailedError(errors.New("too many connections"))
	})

	_, err := q.Enqueue(context.Background(), "broadcast-dispatch", samplePayload{BroadcastID: 9})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return mr.Exists("broadcasts:delayed") }, 5*time.Second, 20*time.Millisecond)

	members, err := mr.ZMembers("broadcasts:delayed")
	require.NoError(t, err)
	var task Task
	require.NoError(t, json.Unmarshal([]byte(members[0]), &task))
	assert.Equal(t, 1, task.Attempts)
	assert.False(t, mr.Exists("broadcasts:dead"))
}

func TestPool_PromotesDelayedTasks(t *testing.T) {
	q, _ := setupQueue(t)
	done := make(chan string, 1)

	runPool(t, q, func(ctx context.Context, task *Task) error {
		done <- task.ID
		return nil
	})

	id, err := q.EnqueueAt(context.Background(), "broadcast-dispatch", samplePayload{BroadcastID: 1}, time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task was not promoted")
	}
}
