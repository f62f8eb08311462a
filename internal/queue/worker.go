package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuenly/invoice-ingest/internal/ai"
	"github.com/cuenly/invoice-ingest/internal/pkg/logger"
)

// HandlerFunc executes one job. The returned string becomes the job result.
type HandlerFunc func(ctx context.Context, job *Job) (string, error)

// ErrStopped is returned by handlers that observed a cooperative stop.
var ErrStopped = errors.New("queue: job stopped by user")

const dequeueBlock = 5 * time.Second

// Worker consumes jobs from the high and default queues. high drains first.
type Worker struct {
	q           *Queue
	client      *redis.Client
	queues      []string
	concurrency int

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker over the standard queues.
func NewWorker(q *Queue, client *redis.Client, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		q:           q,
		client:      client,
		queues:      []string{QueueHigh, QueueDefault},
		concurrency: concurrency,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a function name. Panics on duplicates, which
// are always a wiring bug.
func (w *Worker) Register(funcName string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.handlers[funcName]; dup {
		panic(fmt.Sprintf("queue: duplicate handler for %s", funcName))
	}
	w.handlers[funcName] = h
}

// Start launches the consumer goroutines.
func (w *Worker) Start(parent context.Context) {
	w.ctx, w.cancel = context.WithCancel(parent)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	logger.Info("worker", "started", "concurrency", w.concurrency)
}

// Stop cancels the consumers and waits for in-flight jobs.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	logger.Info("worker", "stopped",
		"processed", w.processed.Load(), "failed", w.failed.Load())
}

// Counts returns the processed/failed totals since start.
func (w *Worker) Counts() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

func (w *Worker) loop(n int) {
	defer w.wg.Done()

	keys := make([]string, len(w.queues))
	for i, q := range w.queues {
		keys[i] = queueKey(q)
	}

	for {
		if w.ctx.Err() != nil {
			return
		}
		res, err := w.client.BLPop(w.ctx, dequeueBlock, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || w.ctx.Err() != nil {
				continue
			}
			logger.Warn("worker", "dequeue error", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		// res = [key, jobID]
		if len(res) == 2 {
			w.execute(n, res[1])
		}
	}
}

func (w *Worker) execute(n int, jobID string) {
	job, err := w.q.Load(w.ctx, jobID)
	if err != nil || job == nil {
		logger.Warn("worker", "dequeued unknown job", "job_id", jobID)
		return
	}

	w.mu.Lock()
	handler := w.handlers[job.FuncName]
	w.mu.Unlock()
	if handler == nil {
		w.finishFailed(job, fmt.Sprintf("no handler registered for %s", job.FuncName))
		return
	}

	job.Status = StatusStarted
	job.StartedAt = time.Now().UTC()
	if err := w.q.writeJob(w.ctx, job); err != nil {
		logger.Warn("worker", "job start write failed", "job_id", job.ID, "error", err.Error())
	}
	w.client.ZAdd(w.ctx, wipKey(job.Origin), redis.Z{
		Score:  float64(job.StartedAt.Unix()),
		Member: job.ID,
	})
	defer w.client.ZRem(context.Background(), wipKey(job.Origin), job.ID)

	logger.Info("worker", "job started",
		"goroutine", n, "job_id", job.ID, "func", job.FuncName, "owner", job.OwnerEmail())

	ctx, cancel := context.WithTimeout(w.ctx, TimeoutFor(job.Origin))
	defer cancel()

	result, err := w.runSafely(ctx, handler, job)
	switch {
	case err == nil:
		w.finishOK(job, result)

	case errors.Is(err, ErrStopped):
		w.finishStopped(job)

	case errors.Is(err, ai.ErrFatal):
		// Provider credentials or billing are broken; retrying burns jobs.
		w.finishFailed(job, err.Error())
		logger.Error("worker", "job aborted on fatal AI error",
			"job_id", job.ID, "error", err.Error())

	case job.retries() < maxRetries-1:
		w.requeue(job, err)

	default:
		w.finishFailed(job, err.Error())
	}
}

func (w *Worker) runSafely(ctx context.Context, handler HandlerFunc, job *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) finishOK(job *Job, result string) {
	job.Status = StatusFinished
	job.EndedAt = time.Now().UTC()
	job.Result = result
	if err := w.q.writeJob(context.Background(), job); err != nil {
		logger.Warn("worker", "job finish write failed", "job_id", job.ID, "error", err.Error())
	}
	w.processed.Add(1)
	logger.Info("worker", "job finished",
		"job_id", job.ID, "func", job.FuncName,
		"duration_ms", time.Since(job.StartedAt).Milliseconds())
}

func (w *Worker) finishFailed(job *Job, excInfo string) {
	job.Status = StatusFailed
	job.EndedAt = time.Now().UTC()
	job.ExcInfo = excInfo
	if err := w.q.writeJob(context.Background(), job); err != nil {
		logger.Warn("worker", "job fail write failed", "job_id", job.ID, "error", err.Error())
	}
	w.client.ZAdd(context.Background(), failedKey(job.Origin), redis.Z{
		Score:  float64(job.EndedAt.Unix()),
		Member: job.ID,
	})
	w.failed.Add(1)
	logger.Warn("worker", "job failed", "job_id", job.ID, "func", job.FuncName, "error", excInfo)
}

func (w *Worker) finishStopped(job *Job) {
	job.Status = StatusStopped
	job.EndedAt = time.Now().UTC()
	if err := w.q.writeJob(context.Background(), job); err != nil {
		logger.Warn("worker", "job stop write failed", "job_id", job.ID, "error", err.Error())
	}
	w.client.Del(context.Background(), stopKey(job.ID))
	logger.Info("worker", "job stopped by user", "job_id", job.ID)
}

// requeue pushes the job back with an incremented retry count.
func (w *Worker) requeue(job *Job, cause error) {
	job.Meta["retries"] = job.retries() + 1
	job.Status = StatusQueued
	job.StartedAt = time.Time{}
	job.ExcInfo = ""
	if err := w.q.writeJob(context.Background(), job); err != nil {
		logger.Warn("worker", "job requeue write failed", "job_id", job.ID, "error", err.Error())
		return
	}
	w.client.RPush(context.Background(), queueKey(job.Origin), job.ID)
	logger.Warn("worker", "job requeued",
		"job_id", job.ID, "attempt", job.retries()+1, "error", cause.Error())
}

// CheckStop is the cooperative cancellation checkpoint for handlers. It
// returns ErrStopped when the user cancelled the job.
func (w *Worker) CheckStop(ctx context.Context, job *Job) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.q.IsStopped(ctx, job.ID) || job.CancelledByUser() {
		return ErrStopped
	}
	// Refresh meta so a cancel that only set the flag is also observed.
	if fresh, err := w.q.Load(ctx, job.ID); err == nil && fresh != nil && fresh.CancelledByUser() {
		return ErrStopped
	}
	return nil
}
