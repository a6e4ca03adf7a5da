package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
)

var (
	ErrQueueFull    = errors.New("queue is full")
	ErrQueueStopped = errors.New("queue is not accepting work")
)

// WorkItem asks a worker to drive the pipeline of one job.
type WorkItem struct {
	JobID      string
	EnqueuedAt time.Time
}

// Processor runs the pipeline for one WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is a bounded in-memory job queue drained by a fixed worker pool.
// A job id waits in the queue at most once; the store stays the source of truth
// and anything lost on exit is recovered through Store.ListActive.
type Queue struct {
	log     *slog.Logger
	items   chan WorkItem
	workers int
	wg      sync.WaitGroup

	mu      sync.Mutex
	waiting map[string]struct{}
	running bool
	closed  bool
	stop    context.CancelFunc
	once    sync.Once
}

// NewQueue creates a Queue holding up to capacity waiting jobs, served by workers goroutines.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		items:   make(chan WorkItem, capacity),
		workers: workers,
		waiting: make(map[string]struct{}, capacity),
	}
}

// Start launches the workers. Cancelling ctx (or Shutdown) cancels in-flight pipelines.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.closed {
		return errors.New("queue already started")
	}
	ctx, q.stop = context.WithCancel(ctx)
	for i := range q.workers {
		q.wg.Add(1)
		go q.work(ctx, p, q.log.With("worker", i))
	}
	q.running = true
	return nil
}

func (q *Queue) work(ctx context.Context, p Processor, log *slog.Logger) {
	defer q.wg.Done()
	for {
		var item WorkItem
		select {
		case <-ctx.Done():
			log.Debug("worker stopping", "reason", ctx.Err())
			return
		case next, ok := <-q.items:
			if !ok {
				return
			}
			item = next
		}

		q.mu.Lock()
		delete(q.waiting, item.JobID)
		q.mu.Unlock()

		jobLog := log.With("job_id", item.JobID)
		jobLog.Info("pipeline picked up", "waited", time.Since(item.EnqueuedAt).Round(time.Millisecond))
		start := time.Now()
		err := p.Process(ctx, item)
		elapsed := time.Since(start)
		switch code := common.CodeOf(err); {
		case err == nil:
			jobLog.Info("pipeline returned", "duration", elapsed)
		case code != "":
			// The failure is already recorded on the job.
			jobLog.Warn("pipeline stopped at a failed stage", "code", code, "err", err, "duration", elapsed)
		case errors.Is(err, context.Canceled):
			jobLog.Info("pipeline interrupted, job left resumable", "duration", elapsed)
		default:
			jobLog.Error("pipeline aborted", "err", err, "duration", elapsed)
		}
	}
}

// Enqueue schedules jobID without blocking. Enqueueing a job that is already
// waiting is a no-op. It fails with ErrQueueFull when at capacity.
func (q *Queue) Enqueue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running || q.closed {
		return ErrQueueStopped
	}
	if _, dup := q.waiting[jobID]; dup {
		return nil
	}
	select {
	case q.items <- WorkItem{JobID: jobID, EnqueuedAt: time.Now()}:
		q.waiting[jobID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Waiting returns how many jobs are queued but not yet picked up.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Shutdown stops accepting work, cancels in-flight pipelines and waits up to
// deadline for workers to return. A cancelled pipeline stops at its next stage
// boundary and its job stays RUNNING for recovery on the next start.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		if q.stop != nil {
			q.stop()
		}
		close(q.items)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		if deadline <= 0 {
			<-done
			return
		}
		select {
		case <-done:
		case <-time.After(deadline):
			q.log.Warn("queue shutdown deadline reached; workers may still be running", "waiting", q.Waiting())
		}
	})
}
