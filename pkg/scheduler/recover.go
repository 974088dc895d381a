package scheduler

import (
	"context"
	"errors"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// Recover re-enqueues the work of unfinished requests, typically after a
// restart against a persistent store. Tasks left in_processing by a dead
// worker move to retrying without spending retry budget. Every unfinished
// request also gets a pipeline run, which dispatches its ready tasks.
// It returns the number of requests recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	requests, err := s.store.Requests.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, req := range requests {
		if req.Status.IsTerminal() {
			continue
		}
		for _, action := range []domain.ActionType{domain.ActionAccess, domain.ActionConsent, domain.ActionErasure} {
			tasks, err := s.store.Tasks.ListTasks(ctx, req.ID, action)
			if err != nil {
				return recovered, err
			}
			for _, task := range tasks {
				if err := s.recoverTask(ctx, task); err != nil {
					return recovered, err
				}
			}
		}
		if err := s.ScheduleRun(ctx, req.ID, s.now()); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("Recovered unfinished privacy requests", "count", recovered)
	}
	return recovered, nil
}

func (s *Scheduler) recoverTask(ctx context.Context, task domain.RequestTask) error {
	if task.Status.IsTerminal() || task.Status == domain.TaskPending {
		// Pending tasks are dispatched by the pipeline run once ready.
		return nil
	}
	s.drop(task.ID)
	switch task.Status {
	case domain.TaskInProcessing:
		next, err := s.store.Tasks.Transition(ctx, task, domain.TaskRetrying, domain.TaskUpdate{})
		if errors.Is(err, domain.ErrStaleTask) {
			return nil
		}
		if err != nil {
			return err
		}
		s.metrics.RecordTransition(string(task.ActionType), string(domain.TaskRetrying))
		return s.Enqueue(ctx, next, 0, true)
	default:
		return s.Enqueue(ctx, task, 0, true)
	}
}
