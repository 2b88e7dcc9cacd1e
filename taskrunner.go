package segstore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency caps the number of sub-operations a single engine call runs at once.
const DefaultConcurrency = 7

// TaskRunner is a thin wrapper around errgroup.Group that carries a context for convenience.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner creates a new TaskRunner. maxThreadCount > 0 limits the number of concurrent goroutines.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{
		eg:      eg,
		context: ctx2,
	}
}

// GetContext returns the TaskRunner's context.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go runs the provided task function in a new goroutine managed by the underlying errgroup.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait waits for all launched tasks to complete and returns the first encountered error, if any.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}

// Result is the outcome of one task launched by RunAll.
type Result[T any] struct {
	Value T
	Err   error
}

// RunAll runs n tasks on a TaskRunner with at most limit in flight and returns one Result
// per task, in task order. A failing task does not cancel its siblings; the caller inspects
// every Result. RunAll always joins: when ctx is done, tasks not yet started carry ctx.Err()
// and started ones are waited for, so nothing a task touches is used after RunAll returns.
func RunAll[T any](ctx context.Context, limit int, n int, task func(ctx context.Context, i int) (T, error)) []Result[T] {
	results := make([]Result[T], n)
	if n == 0 {
		return results
	}
	tr := NewTaskRunner(ctx, limit)
	for i := 0; i < n; i++ {
		i := i
		tr.Go(func() error {
			// Tasks report through results and never fail the group, so its context
			// stays live until Wait.
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			v, err := task(tr.GetContext(), i)
			results[i] = Result[T]{Value: v, Err: err}
			return nil
		})
	}
	tr.Wait()
	return results
}

// FailedCount returns how many results carry an error.
func FailedCount[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
