package queue

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"wa-broadcast-workers/internal/common/errors"
	"wa-broadcast-workers/internal/common/logger"
	"wa-broadcast-workers/internal/common/metrics"
)

// Handler processes one task. A nil error acknowledges it.
type Handler func(ctx context.Context, task *Task) error

type PoolConfig struct {
	Workers         int
	PollTimeout     time.Duration
	PromoteInterval time.Duration
	// RetryBackoff is multiplied by the attempt number before a retryable task is requeued.
	RetryBackoff time.Duration
}

// Pool runs a fixed number of workers against one queue plus a promoter for delayed tasks.
// Each worker handles one task at a time, so a dispatch run never shares its worker.
type Pool struct {
	queue   *RedisQueue
	handler Handler
	cfg     PoolConfig
	logger  logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(q *RedisQueue, handler Handler, cfg PoolConfig, log logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, logger: log}
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.promote(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	p.logger.Info("Queue pool started", map[string]interface{}{
		"queue":   p.queue.Name(),
		"workers": p.cfg.Workers,
	})
}

// Stop cancels polling and waits for in-flight tasks to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Queue pool stopped", map[string]interface{}{"queue": p.queue.Name()})
}

func (p *Pool) promote(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.queue.PromoteDue(ctx, now)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("Failed to promote delayed tasks", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				p.logger.Debug("Promoted delayed tasks", map[string]interface{}{"count": n})
			}
			p.recordDepth(ctx)
		}
	}
}

func (p *Pool) recordDepth(ctx context.Context) {
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		return
	}
	name := p.queue.Name()
	metrics.QueueDepth.WithLabelValues(name + ":ready").Set(float64(depth.Ready))
	metrics.QueueDepth.WithLabelValues(name + ":processing").Set(float64(depth.Processing))
	metrics.QueueDepth.WithLabelValues(name + ":delayed").Set(float64(depth.Delayed))
	metrics.QueueDepth.WithLabelValues(name + ":dead").Set(float64(depth.Dead))
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	for ctx.Err() == nil {
		d, err := p.queue.Dequeue(ctx, p.cfg.PollTimeout)
		if stderrors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to dequeue task", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(ctx, d)
	}
}

// process runs the handler detached from pool cancellation so a dispatch run in
// progress reaches its commit point during shutdown.
func (p *Pool) process(ctx context.Context, d *Delivery) {
	taskCtx := context.WithoutCancel(ctx)
	fields := map[string]interface{}{
		"taskId":   d.Task.ID,
		"taskType": d.Task.Type,
		"attempt":  d.Task.Attempts + 1,
	}

	err := p.handler(taskCtx, d.Task)
	if err == nil {
		if ackErr := p.queue.Ack(taskCtx, d); ackErr != nil {
			p.logger.Error("Failed to ack task", mergeFields(fields, "error", ackErr.Error()))
		}
		return
	}

	maxRetries := errors.GetRetryCount(errors.CodeOf(err))
	if d.Task.Attempts < maxRetries {
		at := time.Now().Add(time.Duration(d.Task.Attempts+1) * p.cfg.RetryBackoff)
		if retryErr := p.queue.Retry(taskCtx, d, err.Error(), at); retryErr != nil {
			p.logger.Error("Failed to requeue task", mergeFields(fields, "error", retryErr.Error()))
			return
		}
		p.logger.Warn("Task failed, retry scheduled", mergeFields(fields, "error", err.Error()))
		return
	}

	if dlErr := p.queue.DeadLetter(taskCtx, d, err.Error()); dlErr != nil {
		p.logger.Error("Failed to dead letter task", mergeFields(fields, "error", dlErr.Error()))
		return
	}
	p.logger.Error("Task moved to dead letter list", mergeFields(fields, "error", err.Error()))
}

func mergeFields(base map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}
