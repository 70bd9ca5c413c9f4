// Package dispatcher fans mirror tasks out to workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/substack-mirror/internal/crawler"
	"github.com/JakeFAU/substack-mirror/internal/metrics"
	"github.com/JakeFAU/substack-mirror/internal/worker"
)

// Processor mirrors one task. *worker.Worker satisfies it.
type Processor interface {
	Process(ctx context.Context, task worker.Task) (worker.Result, error)
}

// Report is the completion record of one task.
type Report struct {
	Task   worker.Task
	Result worker.Result
	Err    error
}

// Executor runs tasks under some concurrency substrate. report is called once
// per completed task and never concurrently. Tasks abandoned because the run
// was canceled are not reported. Execute returns crawler.ErrUnauthorized (wrapped)
// when a credential failure aborted the run.
type Executor interface {
	Name() string
	Execute(ctx context.Context, tasks []worker.Task, report func(Report)) error
}

// Factory builds the Processor owned by one isolated slot. The returned
// cleanup, when non-nil, runs after the slot drains.
type Factory func(slot int) (Processor, func(), error)

// Cooperative runs tasks on a bounded goroutine group sharing one Processor,
// and with it one connection pool and throttler.
type Cooperative struct {
	processor Processor
	limit     int
	logger    *zap.Logger
}

// NewCooperative builds a Cooperative executor running at most limit tasks at once.
func NewCooperative(processor Processor, limit int, logger *zap.Logger) *Cooperative {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cooperative{processor: processor, limit: max(limit, 1), logger: logger}
}

// Name implements Executor.
func (c *Cooperative) Name() string { return "cooperative" }

// Execute implements Executor.
func (c *Cooperative) Execute(ctx context.Context, tasks []worker.Task, report func(Report)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	sink := serialize(report)

	for _, task := range tasks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return runOne(gctx, c.processor, task, sink, c.logger)
		})
	}
	return g.Wait()
}

// Isolated runs a fixed number of slots, each draining a shared queue with a
// Processor of its own built by the factory.
type Isolated struct {
	factory Factory
	workers int
	logger  *zap.Logger
}

// NewIsolated builds an Isolated executor with the given number of slots.
func NewIsolated(factory Factory, workers int, logger *zap.Logger) *Isolated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Isolated{factory: factory, workers: max(workers, 1), logger: logger}
}

// Name implements Executor.
func (e *Isolated) Name() string { return "isolated" }

// Execute implements Executor.
func (e *Isolated) Execute(ctx context.Context, tasks []worker.Task, report func(Report)) error {
	if len(tasks) == 0 {
		return nil
	}
	slots := min(e.workers, len(tasks))
	processors := make([]Processor, 0, slots)
	for i := range slots {
		proc, cleanup, err := e.factory(i)
		if err != nil {
			return fmt.Errorf("build worker %d: %w", i, err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		processors = append(processors, proc)
	}

	g, gctx := errgroup.WithContext(ctx)
	sink := serialize(report)
	queue := make(chan worker.Task)

	g.Go(func() error {
		defer close(queue)
		for _, task := range tasks {
			select {
			case queue <- task:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for slot, proc := range processors {
		log := e.logger.With(zap.Int("slot", slot))
		g.Go(func() error {
			for task := range queue {
				if err := runOne(gctx, proc, task, sink, log); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func serialize(report func(Report)) func(Report) {
	var mu sync.Mutex
	return func(r Report) {
		if report == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		report(r)
	}
}

// runOne processes a task and reports it. Only a credential failure is
// returned, which cancels the group.
func runOne(ctx context.Context, proc Processor, task worker.Task, report func(Report), logger *zap.Logger) error {
	if ctx.Err() != nil {
		return nil
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	res, err := proc.Process(ctx, task)
	switch {
	case errors.Is(err, crawler.ErrUnauthorized):
		logger.Error("credentials rejected, aborting run", zap.String("slug", task.Ref.Slug), zap.Error(err))
		report(Report{Task: task, Err: err})
		return fmt.Errorf("post %s: %w", task.Ref.Slug, err)
	case err != nil && ctx.Err() != nil:
		logger.Debug("task abandoned", zap.String("slug", task.Ref.Slug), zap.Error(err))
		return nil
	}
	report(Report{Task: task, Result: res, Err: err})
	return nil
}
