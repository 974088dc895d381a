// Package scheduler runs request tasks on a pool of workers.
//
// Workers pull jobs from the partitioned queue and claim tasks with a
// compare-and-set transition, so duplicate deliveries and concurrent
// workers never execute the same task twice. All coordination goes through
// the task store; workers share no other mutable state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/engine"
	"github.com/polisai/polis-privacy/pkg/queue"
	"github.com/polisai/polis-privacy/pkg/storage"
)

// Pipeline is the part of the orchestrator the workers drive.
// *engine.Orchestrator implements it.
type Pipeline interface {
	Run(ctx context.Context, requestID string) error
	NodeRun(ctx context.Context, task domain.RequestTask) (engine.NodeRun, error)
	Forget(requestID string)
}

// Options configures a Scheduler.
type Options struct {
	Queue    queue.Queue
	Store    *storage.Store
	Pipeline Pipeline
	Executor *engine.Executor
	// Workers is the number of workers per partition.
	Workers int
	Retry   governance.RetryConfig
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Scheduler moves request tasks through the queue.
type Scheduler struct {
	queue    queue.Queue
	store    *storage.Store
	pipeline Pipeline
	executor *engine.Executor
	retry    *governance.RetryPolicy
	workers  int
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]string // task ID -> queued job ID
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Queue == nil || opts.Store == nil || opts.Pipeline == nil || opts.Executor == nil {
		return nil, errors.New("scheduler requires queue, store, pipeline and executor")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Scheduler{
		queue:    opts.Queue,
		store:    opts.Store,
		pipeline: opts.Pipeline,
		executor: opts.Executor,
		retry:    governance.NewRetryPolicy(opts.Retry, domain.IsRetryable),
		workers:  max(opts.Workers, 1),
		metrics:  metrics,
		logger:   logger,
		now:      now,
		jobs:     make(map[string]string),
	}, nil
}

// Metrics returns the scheduler's metrics.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// Dispatch implements engine.Dispatcher.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []domain.RequestTask) error {
	for _, task := range tasks {
		if err := s.Enqueue(ctx, task, 0, true); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleRun implements engine.Dispatcher. A request has at most one
// pending run; scheduling again replaces it.
func (s *Scheduler) ScheduleRun(ctx context.Context, requestID string, at time.Time) error {
	_, err := s.push(ctx, queue.Job{
		ID:        runJobID(requestID),
		Partition: queue.PartitionRequests,
		Kind:      queue.KindRun,
		RequestID: requestID,
		NotBefore: at,
	})
	return err
}

func runJobID(requestID string) string { return "run:" + requestID }

// Enqueue queues a task for execution after delay. A task already queued is
// not queued twice. With proceed set, the worker unblocks downstream tasks
// and resumes the pipeline once the task settles.
func (s *Scheduler) Enqueue(ctx context.Context, task domain.RequestTask, delay time.Duration, proceed bool) error {
	s.mu.Lock()
	_, queued := s.jobs[task.ID]
	s.mu.Unlock()
	if queued && delay == 0 {
		return nil
	}

	job := queue.Job{
		Partition: queue.ForAction(task.ActionType),
		Kind:      queue.KindTask,
		RequestID: task.PrivacyRequestID,
		TaskID:    task.ID,
		Proceed:   proceed,
	}
	if delay > 0 {
		job.NotBefore = s.now().Add(delay)
	}
	s.mu.Lock()
	if previous, ok := s.jobs[task.ID]; ok {
		s.queue.Remove(previous)
	}
	s.mu.Unlock()

	id, err := s.push(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	s.mu.Lock()
	s.jobs[task.ID] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) push(ctx context.Context, job queue.Job) (string, error) {
	id, err := s.queue.Push(ctx, job)
	if err != nil {
		return "", err
	}
	s.metrics.UpdateQueueDepth(job.Partition, s.queue.Len(job.Partition))
	return id, nil
}

// Run starts the workers and blocks until ctx is canceled or the queue closes.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range queue.Partitions() {
		for id := range s.workers {
			g.Go(func() error {
				return s.work(ctx, partition, id)
			})
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (s *Scheduler) work(ctx context.Context, partition queue.Partition, id int) error {
	logger := s.logger.With("partition", partition, "worker", id)
	logger.Debug("Worker started")
	for {
		job, err := s.queue.Pop(ctx, partition)
		if err != nil {
			logger.Debug("Worker stopped", "reason", err)
			return err
		}
		s.metrics.UpdateQueueDepth(partition, s.queue.Len(partition))
		if err := s.Process(ctx, job); err != nil {
			logger.Error("Queue job failed", "job_id", job.ID, "task_id", job.TaskID, "privacy_request_id", job.RequestID, "error", err)
		}
	}
}

// Process handles one job. Workers call it for every popped job.
func (s *Scheduler) Process(ctx context.Context, job queue.Job) error {
	if job.TaskID != "" {
		s.mu.Lock()
		if s.jobs[job.TaskID] == job.ID {
			delete(s.jobs, job.TaskID)
		}
		s.mu.Unlock()
	}

	start := time.Now()
	var err error
	switch job.Kind {
	case queue.KindRun:
		err = s.pipeline.Run(ctx, job.RequestID)
	case queue.KindTask:
		err = s.runTask(ctx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordJob(job, result, time.Since(start))
	return err
}

func (s *Scheduler) runTask(ctx context.Context, job queue.Job) error {
	task, err := s.store.Tasks.Get(ctx, job.TaskID)
	if err != nil {
		return err
	}
	// Terminal or claimed by another worker.
	if task.Status.IsTerminal() || task.Status == domain.TaskInProcessing {
		return nil
	}
	if canceled, err := s.canceled(ctx, task.PrivacyRequestID); err != nil || canceled {
		return err
	}

	logger := s.logger.With("privacy_request_id", task.PrivacyRequestID, "task_id", task.ID,
		"collection", task.CollectionAddress.String(), "action", task.ActionType)

	run, err := s.pipeline.NodeRun(ctx, task)
	if err != nil {
		logger.Error("Cannot build task input", "error", err)
		return s.settle(ctx, task, domain.TaskError, domain.TaskUpdate{ErrorMessage: domain.Ptr(err.Error())}, job.Proceed)
	}

	if task.Status == domain.TaskPending {
		if reason := s.executor.SkipReason(run); reason != "" {
			logger.Info("Skipping task", "reason", reason)
			return s.settle(ctx, task, domain.TaskSkipped, domain.TaskUpdate{ErrorMessage: domain.Ptr(reason)}, job.Proceed)
		}
	}

	if ac, ok := s.executor.AsyncConnector(run); ok {
		return s.runAsync(ctx, job, task, run, ac)
	}

	claimed, ok, err := s.claim(ctx, task)
	if !ok {
		return err
	}
	run.Retries = claimed.RetryCount
	res, execErr := s.executor.Execute(ctx, run)
	return s.complete(ctx, job, claimed, res, execErr)
}

// claim moves a task to in_processing. ok is false when another worker got
// there first.
func (s *Scheduler) claim(ctx context.Context, task domain.RequestTask) (domain.RequestTask, bool, error) {
	claimed, err := s.store.Tasks.Transition(ctx, task, domain.TaskInProcessing, domain.TaskUpdate{})
	switch {
	case errors.Is(err, domain.ErrStaleTask):
		return task, false, nil
	case err != nil:
		return task, false, err
	}
	s.metrics.RecordTransition(string(task.ActionType), string(domain.TaskInProcessing))
	return claimed, true, nil
}

// asyncRun is one claimed invocation of an async task.
type asyncRun struct {
	job  queue.Job
	task domain.RequestTask
	run  engine.NodeRun
	ac   connector.AsyncConnector
}

// runAsync advances an async task. A started job is polled right away; the
// task is parked for one poll interval only while the job is pending, and a
// ready job is fetched in the same invocation.
func (s *Scheduler) runAsync(ctx context.Context, job queue.Job, task domain.RequestTask, run engine.NodeRun, ac connector.AsyncConnector) error {
	claimed, ok, err := s.claim(ctx, task)
	if !ok {
		return err
	}
	run.Retries = claimed.RetryCount
	a := &asyncRun{job: job, task: claimed, run: run, ac: ac}

	switch claimed.PollPhase {
	case domain.PollNone, domain.PollStart:
		spec, done, err := s.executor.PlanAsync(ctx, run)
		if err != nil {
			return s.complete(ctx, job, claimed, engine.ExecutionResult{}, err)
		}
		if done != nil {
			return s.complete(ctx, job, claimed, *done, nil)
		}
		ref, err := ac.Start(ctx, *spec)
		if err != nil {
			return s.asyncFailed(ctx, a, err)
		}
		return s.poll(ctx, a, ref, s.now())
	case domain.PollPolling:
		return s.poll(ctx, a, claimed.ExternalJobRef, claimed.PollStartedAt)
	case domain.PollFetchResult:
		return s.fetch(ctx, a, claimed.ExternalJobRef)
	default:
		return fmt.Errorf("task %s has unknown poll phase %q", claimed.ID, claimed.PollPhase)
	}
}

func (s *Scheduler) poll(ctx context.Context, a *asyncRun, ref string, started time.Time) error {
	status, err := a.ac.Poll(ctx, ref)
	if err != nil {
		return s.asyncFailed(ctx, a, err)
	}
	s.metrics.RecordPoll(string(status))
	switch status {
	case connector.PollPending:
		limit := s.executor.MaxPollDuration()
		if elapsed := s.now().Sub(started); elapsed > limit {
			return s.complete(ctx, a.job, a.task, engine.ExecutionResult{}, &domain.PollTimeoutError{
				Address: a.task.CollectionAddress,
				JobRef:  ref,
				Elapsed: elapsed,
				Limit:   limit,
			})
		}
		return s.suspend(ctx, a.job, a.task, domain.TaskUpdate{
			PollPhase:      domain.Ptr(domain.PollPolling),
			ExternalJobRef: domain.Ptr(ref),
			PollStartedAt:  &started,
		}, s.executor.PollInterval())
	case connector.PollReady:
		return s.fetch(ctx, a, ref)
	default:
		return s.complete(ctx, a.job, a.task, engine.ExecutionResult{}, &domain.FatalConnectorError{
			Address: a.task.CollectionAddress,
			Err:     fmt.Errorf("async job %s failed", ref),
		})
	}
}

func (s *Scheduler) fetch(ctx context.Context, a *asyncRun, ref string) error {
	result, err := a.ac.FetchResult(ctx, ref)
	if err != nil {
		return s.asyncFailed(ctx, a, err)
	}
	res, err := s.executor.FinishAsync(ctx, a.run, result)
	return s.complete(ctx, a.job, a.task, res, err)
}

func (s *Scheduler) asyncFailed(ctx context.Context, a *asyncRun, cause error) error {
	res, err := s.executor.ClassifyAsyncError(a.run, cause)
	return s.complete(ctx, a.job, a.task, res, err)
}

// suspend parks an in-flight task and requeues it after delay.
func (s *Scheduler) suspend(ctx context.Context, job queue.Job, task domain.RequestTask, update domain.TaskUpdate, delay time.Duration) error {
	paused, err := s.store.Tasks.Transition(ctx, task, domain.TaskPaused, update)
	if err != nil {
		return err
	}
	s.metrics.RecordTransition(string(task.ActionType), string(domain.TaskPaused))
	return s.Enqueue(ctx, paused, delay, job.Proceed)
}

// complete settles a claimed task with the execution outcome. Results of a
// canceled request are discarded.
func (s *Scheduler) complete(ctx context.Context, job queue.Job, task domain.RequestTask, res engine.ExecutionResult, execErr error) error {
	if canceled, err := s.canceled(ctx, task.PrivacyRequestID); err != nil || canceled {
		return err
	}
	if execErr == nil {
		to := domain.TaskComplete
		if res.Skipped {
			to = domain.TaskSkipped
		}
		return s.settle(ctx, task, to, res.Update(task.ActionType), job.Proceed)
	}

	if s.retry.ShouldRetry(execErr, task.RetryCount) {
		delay := s.retry.CalculateBackoff(task.RetryCount)
		next, err := s.store.Tasks.Transition(ctx, task, domain.TaskRetrying, domain.TaskUpdate{
			ErrorMessage:   domain.Ptr(execErr.Error()),
			IncrementRetry: true,
		})
		if err != nil {
			return err
		}
		s.metrics.RecordTransition(string(task.ActionType), string(domain.TaskRetrying))
		s.metrics.RecordRetry(string(task.ActionType))
		s.logger.Warn("Retrying task",
			"privacy_request_id", task.PrivacyRequestID,
			"task_id", task.ID,
			"retry", next.RetryCount,
			"backoff", delay,
			"error", execErr)
		return s.Enqueue(ctx, next, delay, job.Proceed)
	}

	if domain.IsRetryable(execErr) {
		execErr = &domain.FatalConnectorError{
			Address: task.CollectionAddress,
			Err:     fmt.Errorf("%w after %d retries: %w", governance.ErrMaxRetriesExceeded, task.RetryCount, execErr),
		}
	}
	return s.settle(ctx, task, domain.TaskError, domain.TaskUpdate{ErrorMessage: domain.Ptr(execErr.Error())}, job.Proceed)
}

// settle moves a task to a terminal status and, with proceed, runs the
// completion handler.
func (s *Scheduler) settle(ctx context.Context, task domain.RequestTask, to domain.TaskStatus, update domain.TaskUpdate, proceed bool) error {
	done, err := s.store.Tasks.Transition(ctx, task, to, update)
	switch {
	case errors.Is(err, domain.ErrStaleTask):
		return nil
	case err != nil:
		return err
	}
	s.metrics.RecordTransition(string(task.ActionType), string(to))
	if !proceed {
		return nil
	}
	return s.OnTaskComplete(ctx, done)
}

// OnTaskComplete reacts to a settled task: a failure is propagated to every
// pending descendant, newly ready tasks are enqueued, and the pipeline is
// resumed once the phase is terminal.
func (s *Scheduler) OnTaskComplete(ctx context.Context, task domain.RequestTask) error {
	requestID, action := task.PrivacyRequestID, task.ActionType
	if task.Status == domain.TaskError {
		if err := s.propagateFailure(ctx, task); err != nil {
			return err
		}
	}

	ready, err := s.store.Tasks.GetReadyTasks(ctx, requestID, action)
	if err != nil {
		return err
	}
	for _, t := range ready {
		if err := s.Enqueue(ctx, t, 0, true); err != nil {
			return err
		}
	}

	state, err := s.store.Tasks.PhaseState(ctx, requestID, action)
	if err != nil {
		return err
	}
	if !state.Done() {
		return nil
	}
	s.logger.Info("Action phase finished", "privacy_request_id", requestID, "action", action, "state", state)
	return s.ScheduleRun(ctx, requestID, time.Time{})
}

// propagateFailure fails every pending task strictly downstream of failed.
func (s *Scheduler) propagateFailure(ctx context.Context, failed domain.RequestTask) error {
	reason := fmt.Sprintf("upstream collection %s failed", failed.CollectionAddress)
	pending := slices.Clone(failed.DownstreamAddresses)
	seen := make(map[domain.CollectionAddress]bool)
	for len(pending) > 0 {
		addr := pending[0]
		pending = pending[1:]
		if seen[addr] {
			continue
		}
		seen[addr] = true

		t, err := s.store.Tasks.GetByAddress(ctx, failed.PrivacyRequestID, failed.ActionType, addr)
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			continue
		case err != nil:
			return err
		}
		if t.Status != domain.TaskPending {
			continue
		}
		if _, err := s.store.Tasks.Transition(ctx, t, domain.TaskError, domain.TaskUpdate{ErrorMessage: domain.Ptr(reason)}); err != nil {
			if errors.Is(err, domain.ErrStaleTask) {
				continue
			}
			return err
		}
		s.metrics.RecordTransition(string(t.ActionType), string(domain.TaskError))
		s.metrics.RecordPropagatedFailure()
		pending = append(pending, t.DownstreamAddresses...)
	}
	return nil
}

// RequeueAsync puts a parked task back on the queue immediately, e.g. when
// the external system reports its job finished.
func (s *Scheduler) RequeueAsync(ctx context.Context, taskID string) error {
	task, err := s.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskPaused && task.Status != domain.TaskPending {
		return fmt.Errorf("%w: task %s is %s; only paused or pending tasks can be requeued", domain.ErrInvalidState, taskID, task.Status)
	}
	s.drop(taskID)
	return s.Enqueue(ctx, task, 0, true)
}

// Cancel marks the request canceled, purges its stored access rows, fails
// its unfinished tasks and drops their queued jobs. In-flight workers notice
// the status and discard their results.
func (s *Scheduler) Cancel(ctx context.Context, requestID string) error {
	_, err := s.store.Requests.Update(ctx, requestID, func(r *domain.PrivacyRequest) error {
		if r.Status.IsTerminal() {
			return fmt.Errorf("%w: request %s is already %s", domain.ErrInvalidState, requestID, r.Status)
		}
		r.Status = domain.RequestCanceled
		r.FinishedAt = s.now()
		r.UpdatedAt = r.FinishedAt
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.RecordCancellation()
	s.queue.Remove(runJobID(requestID))
	if err := s.store.Results.DeleteRequest(ctx, requestID); err != nil {
		return fmt.Errorf("purge results of %s: %w", requestID, err)
	}

	for _, action := range []domain.ActionType{domain.ActionAccess, domain.ActionConsent, domain.ActionErasure} {
		tasks, err := s.store.Tasks.ListTasks(ctx, requestID, action)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			s.drop(task.ID)
			if err := s.cancelTask(ctx, task); err != nil {
				return err
			}
		}
	}
	s.pipeline.Forget(requestID)
	s.logger.Info("Privacy request canceled", "privacy_request_id", requestID)
	return nil
}

// cancelTask fails a non-terminal task, re-reading it if a worker moved it meanwhile.
func (s *Scheduler) cancelTask(ctx context.Context, task domain.RequestTask) error {
	for !task.Status.IsTerminal() {
		_, err := s.store.Tasks.Transition(ctx, task, domain.TaskError, domain.TaskUpdate{ErrorMessage: domain.Ptr("canceled")})
		if err == nil {
			s.metrics.RecordTransition(string(task.ActionType), string(domain.TaskError))
			return nil
		}
		if !errors.Is(err, domain.ErrStaleTask) {
			return err
		}
		if task, err = s.store.Tasks.Get(ctx, task.ID); err != nil {
			return err
		}
	}
	return nil
}

// drop removes the queued job of a task, if any.
func (s *Scheduler) drop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID, ok := s.jobs[taskID]; ok {
		s.queue.Remove(jobID)
		delete(s.jobs, taskID)
	}
}

func (s *Scheduler) canceled(ctx context.Context, requestID string) (bool, error) {
	req, err := s.store.Requests.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status == domain.RequestCanceled {
		s.logger.Info("Discarding work of canceled request", "privacy_request_id", requestID)
		return true, nil
	}
	return false, nil
}

var _ engine.Dispatcher = (*Scheduler)(nil)
