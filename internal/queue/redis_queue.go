// Package queue is a Redis backed task queue with delayed delivery and a dead letter list.
//
// Keys for a queue named "broadcasts":
//
//	broadcasts:ready       LIST  tasks waiting for a worker
//	broadcasts:processing  LIST  tasks claimed by a worker and not yet acknowledged
//	broadcasts:delayed     ZSET  tasks scored by their due time in unix milliseconds
//	broadcasts:dead        LIST  tasks that failed permanently
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"wa-broadcast-workers/internal/common/errors"
)

// ErrEmpty is returned by Dequeue when no task arrived within the poll timeout.
var ErrEmpty = stderrors.New("queue: empty")

// promoteBatch bounds how many due tasks one PromoteDue call moves.
const promoteBatch = 100

type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// Delivery is a claimed task together with the exact bytes held in the processing list.
type Delivery struct {
	Task *Task
	raw  string
}

type Depth struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

type RedisQueue struct {
	client redis.Cmdable
	name   string
}

func NewRedisQueue(client redis.Cmdable, name string) *RedisQueue {
	return &RedisQueue{client: client, name: name}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) readyKey() string      { return q.name + ":ready" }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) deadKey() string       { return q.name + ":dead" }

func newTask(taskType string, payload interface{}) (*Task, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}
	task := &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, "", fmt.Errorf("encode task: %w", err)
	}
	return task, string(raw), nil
}

// Enqueue makes a task available to workers immediately and returns its id.
func (q *RedisQueue) Enqueue(ctx context.Context, taskType string, payload interface{}) (string, error) {
	task, raw, err := newTask(taskType, payload)
	if err != nil {
		return "", errors.NewQueueOperationError("enqueue", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return "", errors.NewQueueOperationError("enqueue", err)
	}
	return task.ID, nil
}

// EnqueueAt holds a task until at. Times that are already due go straight to the ready list.
func (q *RedisQueue) EnqueueAt(ctx context.Context, taskType string, payload interface{}, at time.Time) (string, error) {
	if !at.After(time.Now()) {
		return q.Enqueue(ctx, taskType, payload)
	}

	task, raw, err := newTask(taskType, payload)
	if err != nil {
		return "", errors.NewQueueOperationError("enqueue_at", err)
	}
	if err := q.schedule(ctx, raw, at); err != nil {
		return "", errors.NewQueueOperationError("enqueue_at", err)
	}
	return task.ID, nil
}

func (q *RedisQueue) schedule(ctx context.Context, raw string, at time.Time) error {
	return q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: raw,
	}).Err()
}

// Dequeue claims the oldest ready task, blocking for up to timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.NewQueueOperationError("dequeue", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// unreadable entries are parked so they do not block the list
		if dlErr := q.moveToDead(ctx, raw, raw); dlErr != nil {
			return nil, errors.NewQueueOperationError("dequeue", dlErr)
		}
		return nil, errors.NewQueueOperationError("dequeue", fmt.Errorf("decode task: %w", err))
	}
	return &Delivery{Task: &task, raw: raw}, nil
}

// Ack removes a finished task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err(); err != nil {
		return errors.NewQueueOperationError("ack", err)
	}
	return nil
}

// Retry puts a claimed task back on the delayed set with its attempt counter bumped.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, reason string, at time.Time) error {
	d.Task.Attempts++
	d.Task.LastError = reason
	raw, err := json.Marshal(d.Task)
	if err != nil {
		return errors.NewQueueOperationError("retry", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, d.raw)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: string(raw)})
		return nil
	})
	if err != nil {
		return errors.NewQueueOperationError("retry", err)
	}
	return nil
}

// DeadLetter moves a claimed task to the dead list, recording why it failed.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	d.Task.LastError = reason
	raw, err := json.Marshal(d.Task)
	if err != nil {
		return errors.NewQueueOperationError("dead_letter", err)
	}
	if err := q.moveToDead(ctx, d.raw, string(raw)); err != nil {
		return errors.NewQueueOperationError("dead_letter", err)
	}
	return nil
}

func (q *RedisQueue) moveToDead(ctx context.Context, claimed, entry string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, claimed)
		pipe.LPush(ctx, q.deadKey(), entry)
		return nil
	})
	return err
}

// PromoteDue moves delayed tasks whose due time is at or before now onto the ready list.
// Several promoters may race; only the one whose ZREM succeeds pushes the task.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, errors.NewQueueOperationError("promote", err)
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return promoted, errors.NewQueueOperationError("promote", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return promoted, errors.NewQueueOperationError("promote", err)
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	var ready, processing, delayed, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.readyKey())
		processing = pipe.LLen(ctx, q.processingKey())
		delayed = pipe.ZCard(ctx, q.delayedKey())
		dead = pipe.LLen(ctx, q.deadKey())
		return nil
	})
	if err != nil {
		return Depth{}, errors.NewQueueOperationError("depth", err)
	}
	return Depth{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
