package reconciler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var runTracer = otel.Tracer("concilia.reconciler")

// Job is one unit of reconciliation work
type Job interface {
	Execute(ctx context.Context) error
	MovementID() string
}

// WorkerPool fans reconciliation jobs out over a fixed set of goroutines.
// Jobs are independent per movement, so ordering across workers does not
// matter; ordering per movement is preserved because each movement is
// submitted once per run.
type WorkerPool struct {
	workerCount int
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      logger.Logger
	jobTimeout  time.Duration
}

// NewWorkerPool creates a worker pool with the given concurrency and queue
// depth
func NewWorkerPool(workerCount, queueSize int, log logger.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = workerCount * 2
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		jobs:        make(chan Job, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithComponent("worker_pool"),
		jobTimeout:  60 * time.Second,
	}
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() {
	wp.logger.WithField("workers", wp.workerCount).Debug("Starting worker pool")

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processJob(id, job)
		}
	}
}

func (wp *WorkerPool) processJob(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(wp.ctx, wp.jobTimeout)
	defer cancel()

	ctx, span := runTracer.Start(ctx, "reconcile.movement",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("movement.id", job.MovementID()),
		),
	)
	defer span.End()

	if err := job.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Submit queues a job, blocking until there is room or the pool shuts down
func (wp *WorkerPool) Submit(job Job) error {
	select {
	case <-wp.ctx.Done():
		return errors.InternalError("submit job", wp.ctx.Err())
	case wp.jobs <- job:
		return nil
	}
}

// Shutdown closes the queue and waits for in-flight jobs to finish
func (wp *WorkerPool) Shutdown() {
	close(wp.jobs)
	wp.wg.Wait()
	wp.cancel()
}

// ShutdownWithTimeout waits for in-flight jobs up to the timeout, then
// cancels whatever is still running
func (wp *WorkerPool) ShutdownWithTimeout(timeout time.Duration) {
	close(wp.jobs)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		wp.logger.Warn("Worker pool shutdown timed out, cancelling remaining jobs")
		wp.cancel()
		<-done
	}
}
