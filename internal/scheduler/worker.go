package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetplane/internal/store"
)

// WorkerConfig holds configuration for the fire worker pool.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum backoff when the queue is empty (default: 30s)
}

// Worker is the in-process pull loop that claims due fire tasks and hands
// them to the scheduler.
type Worker struct {
	scheduler *Scheduler
	queue     store.TaskQueue
	config    WorkerConfig
	log       *slog.Logger
	done      chan struct{}
}

// NewWorker creates a fire worker pool.
func NewWorker(s *Scheduler, q store.TaskQueue, config WorkerConfig, log *slog.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	return &Worker{
		scheduler: s,
		queue:     q,
		config:    config,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Run starts the pull loop. It blocks until the context is cancelled, then
// drains in-flight fires before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("scheduler worker starting", "concurrency", w.config.Concurrency)

	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup

	// Signals an immediate re-poll when a slot frees up.
	pollNow := make(chan struct{}, 1)

	// Grows on empty polls, resets when work is found.
	currentBackoff := w.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("scheduler worker stopping, draining in-flight fires")
			wg.Wait()
			close(w.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := w.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			tasks, err := w.queue.Claim(ctx, QueueKey, availableSlots)
			if err != nil {
				w.log.Error("failed to claim fire tasks", "err", err)
				continue
			}

			if len(tasks) == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > w.config.MaxBackoff {
					currentBackoff = w.config.MaxBackoff
				}
				continue
			}

			currentBackoff = w.config.PollInterval

			for _, task := range tasks {
				sem <- struct{}{}
				wg.Add(1)
				go func(task store.Task) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					w.process(ctx, task)
				}(task)
			}

			if len(tasks) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel closed once the worker has fully drained.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// process handles one claimed fire. On failure the task is left in the
// queue; it becomes visible again after its backoff with one fewer attempt.
func (w *Worker) process(ctx context.Context, task store.Task) {
	if err := w.scheduler.OnFire(ctx, task.Payload); err != nil {
		w.log.Error("fire failed", "task_id", task.ID, "attempts_left", task.AttemptsLeft, "err", err)
		return
	}
	if err := w.queue.Complete(ctx, task.ID); err != nil {
		w.log.Warn("failed to complete fire task", "task_id", task.ID, "err", err)
	}
}
