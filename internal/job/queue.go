// Package job is the durable, Postgres-backed job queue: delayed jobs,
// per-queue concurrency, retries with backoff and a dead letter state.
package job

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/transfer-indexer/internal/errors"
	"github.com/transfer-indexer/internal/logging"
	"github.com/transfer-indexer/internal/metrics"
	"github.com/transfer-indexer/internal/models"
)

// Store persists job records. storage.JobRepository implements it.
type Store interface {
	Insert(ctx context.Context, job *models.JobRecord) (bool, error)
	Claim(ctx context.Context, queue string, limit int) ([]*models.JobRecord, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id, lastError string, runAt time.Time) error
	Bury(ctx context.Context, id, lastError string) error
	RequeueStale(ctx context.Context, queue string, before time.Time) (int64, error)
	DeleteCompleted(ctx context.Context, before time.Time) (int64, error)
}

// Handler processes one job. A nil return completes it; an error schedules a
// retry unless the error is permanent or the attempts are exhausted.
type Handler func(ctx context.Context, j *Job) error

// Enqueuer is the producer side of the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, j *Job) (bool, error)
}

// Queue runs workers for every configured queue
type Queue struct {
	store        Store
	pollInterval time.Duration
	logger       *logging.Logger
	now          func() time.Time
	retention    time.Duration
	pruneEvery   time.Duration

	mu       sync.Mutex
	handlers map[Kind]Handler
	lanes    map[string]*lane
	started  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// lane is the in-process state of one named queue
type lane struct {
	name      string
	settings  Settings
	pending   priorityQueue
	workerSem chan struct{}
}

// NewQueue creates a queue over store with the given per-queue settings
func NewQueue(store Store, settings map[string]Settings, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	lanes := make(map[string]*lane, len(settings))
	for name, s := range settings {
		if s.Concurrency <= 0 {
			s.Concurrency = 1
		}
		if s.Attempts <= 0 {
			s.Attempts = 1
		}
		lanes[name] = &lane{
			name:      name,
			settings:  s,
			workerSem: make(chan struct{}, s.Concurrency),
		}
	}

	return &Queue{
		store:        store,
		pollInterval: pollInterval,
		logger:       logging.Component("job-queue"),
		now:          time.Now,
		handlers:     make(map[Kind]Handler),
		lanes:        lanes,
		stopCh:       make(chan struct{}),
	}
}

// KeepCompleted turns on pruning: every interval, completed jobs older than
// retention are deleted. A pruned id can be enqueued again, so retention must
// outlast the longest delay used with deterministic ids. Call before Start.
func (q *Queue) KeepCompleted(retention, every time.Duration) {
	q.retention = retention
	q.pruneEvery = every
}

// Prune deletes completed jobs older than the retention window
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	if q.retention <= 0 {
		return 0, nil
	}
	n, err := q.store.DeleteCompleted(ctx, q.now().Add(-q.retention))
	if err != nil {
		return 0, err
	}
	metrics.QueueJobsPruned.Add(float64(n))
	return n, nil
}

// Register installs the handler for a kind. Call before Start.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue stores a job. Jobs without an id get a random one. It returns false
// when a job with the same id already exists.
func (q *Queue) Enqueue(ctx context.Context, j *Job) (bool, error) {
	queueName, err := QueueFor(j.Kind)
	if err != nil {
		return false, apperrors.NewValidationError("kind", err.Error())
	}
	l, ok := q.lanes[queueName]
	if !ok {
		return false, fmt.Errorf("queue %s is not configured", queueName)
	}

	payload, err := j.Encode()
	if err != nil {
		return false, apperrors.NewValidationError("payload", err.Error())
	}

	if j.ID == "" {
		j.ID = uuid.New().String()
	}

	rec := &models.JobRecord{
		ID:          j.ID,
		Queue:       queueName,
		Kind:        string(j.Kind),
		Payload:     payload,
		Priority:    j.Priority,
		MaxAttempts: l.settings.Attempts,
		Status:      models.JobQueued,
		RunAt:       q.now().Add(j.Delay),
	}

	inserted, err := q.store.Insert(ctx, rec)
	if err != nil {
		return false, err
	}
	if inserted {
		metrics.QueueJobsEnqueued.WithLabelValues(queueName).Inc()
	}
	return inserted, nil
}

// Start recovers jobs abandoned by a previous process and begins polling
// every queue.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return fmt.Errorf("queue already started")
	}
	q.started = true
	q.mu.Unlock()

	for _, l := range q.lanes {
		cutoff := q.now().Add(-2 * l.settings.Timeout)
		n, err := q.store.RequeueStale(ctx, l.name, cutoff)
		if err != nil {
			return fmt.Errorf("failed to recover jobs in %s: %w", l.name, err)
		}
		if n > 0 {
			q.logger.WithFields(map[string]interface{}{"queue": l.name, "jobs": n}).Info("Requeued abandoned jobs")
		}

		q.wg.Add(1)
		go q.processJobs(ctx, l)
	}

	if q.retention > 0 && q.pruneEvery > 0 {
		q.wg.Add(1)
		go q.pruneLoop(ctx)
	}
	return nil
}

func (q *Queue) pruneLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			n, err := q.Prune(ctx)
			if err != nil {
				q.logger.WithError(err).Warn("Failed to prune completed jobs")
				continue
			}
			if n > 0 {
				q.logger.WithField("jobs", n).Debug("Pruned completed jobs")
			}
		}
	}
}

// Stop stops polling and waits for running jobs to finish
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
}

// processJobs is the polling loop of one queue
func (q *Queue) processJobs(ctx context.Context, l *lane) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.poll(ctx, l)

		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// poll claims as many ready jobs as there are idle workers, then dispatches
func (q *Queue) poll(ctx context.Context, l *lane) {
	q.mu.Lock()
	free := cap(l.workerSem) - len(l.workerSem) - l.pending.Len()
	q.mu.Unlock()

	if free > 0 {
		records, err := q.store.Claim(ctx, l.name, free)
		if err != nil {
			q.logger.WithError(err).WithField("queue", l.name).Warn("Failed to claim jobs")
		}
		q.mu.Lock()
		for _, rec := range records {
			heap.Push(&l.pending, &queueItem{record: rec, priority: rec.Priority, index: -1})
		}
		metrics.QueueDepth.WithLabelValues(l.name).Set(float64(l.pending.Len()))
		q.mu.Unlock()
	}

	q.dispatch(ctx, l)
}

// dispatch starts a worker for each pending job while slots are free
func (q *Queue) dispatch(ctx context.Context, l *lane) {
	for {
		select {
		case l.workerSem <- struct{}{}:
		default:
			return
		}

		q.mu.Lock()
		if l.pending.Len() == 0 {
			q.mu.Unlock()
			<-l.workerSem
			return
		}
		item := heap.Pop(&l.pending).(*queueItem)
		q.mu.Unlock()

		q.wg.Add(1)
		go func(rec *models.JobRecord) {
			defer q.wg.Done()
			defer func() { <-l.workerSem }()
			q.run(ctx, l, rec)
		}(item.record)
	}
}

// run executes one claimed job and records its outcome
func (q *Queue) run(ctx context.Context, l *lane, rec *models.JobRecord) {
	logger := q.logger.WithFields(map[string]interface{}{
		"queue":   l.name,
		"jobId":   rec.ID,
		"attempt": rec.Attempts,
	})
	// bookkeeping must land even when shutdown cancels ctx
	bookCtx := context.WithoutCancel(ctx)

	j, err := Decode(rec)
	if err != nil {
		logger.WithError(err).Error("Undecodable job payload")
		q.bury(bookCtx, l, rec, err)
		return
	}

	q.mu.Lock()
	handler := q.handlers[j.Kind]
	q.mu.Unlock()
	if handler == nil {
		q.bury(bookCtx, l, rec, fmt.Errorf("no handler registered for %s", j.Kind))
		return
	}

	jobCtx, cancel := context.WithTimeout(logging.WithLogger(ctx, logger), l.settings.Timeout)
	defer cancel()

	start := q.now()
	err = safeCall(jobCtx, handler, j)
	metrics.QueueJobLatency.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := q.store.Complete(bookCtx, rec.ID); cerr != nil {
			logger.WithError(cerr).Error("Failed to mark job completed")
		}
		metrics.QueueJobsProcessed.WithLabelValues(l.name, "completed").Inc()
		return
	}

	switch {
	case ctx.Err() != nil:
		// shutting down: hand the job back to run again right away
		q.retry(bookCtx, l, rec, err, q.now())
	case !apperrors.IsRetryable(err) || rec.Attempts >= rec.MaxAttempts:
		logger.WithError(err).Error("Job failed permanently")
		q.bury(bookCtx, l, rec, err)
	default:
		delay := l.settings.Backoff.Next(rec.Attempts)
		logger.WithError(err).WithField("retryIn", delay.String()).Warn("Job failed, retrying")
		q.retry(bookCtx, l, rec, err, q.now().Add(delay))
	}
}

func (q *Queue) retry(ctx context.Context, l *lane, rec *models.JobRecord, cause error, runAt time.Time) {
	if err := q.store.Retry(ctx, rec.ID, cause.Error(), runAt); err != nil {
		q.logger.WithError(err).WithField("jobId", rec.ID).Error("Failed to reschedule job")
	}
	metrics.QueueJobsProcessed.WithLabelValues(l.name, "retried").Inc()
}

func (q *Queue) bury(ctx context.Context, l *lane, rec *models.JobRecord, cause error) {
	if err := q.store.Bury(ctx, rec.ID, cause.Error()); err != nil {
		q.logger.WithError(err).WithField("jobId", rec.ID).Error("Failed to move job to dead letter")
	}
	metrics.QueueJobsProcessed.WithLabelValues(l.name, "dead").Inc()
}

// safeCall converts a handler panic into an error so one bad job cannot take
// down the worker.
func safeCall(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return h(ctx, j)
}
