// Package threadpool provides the parallel-for abstraction the pipeline uses
// to fan tile and code-block work out across goroutines.
//
// The shape is grounded on the worker pool the teacher codec builds inline in
// its tile encoder (a job channel, a fixed set of workers draining it, and a
// result channel collected back into submission order): this package lifts
// that pattern out into something reusable at both the tile level and the
// code-block level, per the codestream's two units of parallelism.
package threadpool

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

// Registry tracks the tile or code-block task IDs currently in flight
// across a pool's workers. It exists so a caller that observes
// cancellation can report which tasks were still running, rather than
// only that cancellation happened.
type Registry struct {
	mu     sync.Mutex
	active map[int]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[int]struct{})}
}

func (r *Registry) add(id int) {
	r.mu.Lock()
	r.active[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// ActiveIDs returns a sorted snapshot of the task IDs currently running.
func (r *Registry) ActiveIDs() []int {
	r.mu.Lock()
	ids := maps.Keys(r.active)
	r.mu.Unlock()
	sort.Ints(ids)
	return ids
}

// Pool runs a bounded number of goroutines against a stream of jobs.
// A Pool is safe for concurrent use by multiple callers of Run.
type Pool struct {
	workers int
}

// New creates a Pool sized to workers. workers <= 0 selects
// runtime.GOMAXPROCS(0), the caller-overridable default described in
// spec.md §5 ("a pool sized to available cores").
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{workers: workers}
}

// Task is one unit of work submitted to the pool. ID is a caller-assigned
// identifier (typically a tile or code-block index) used to reassemble
// results in submission order and to correlate log lines with the task that
// produced them.
type Task struct {
	ID  int
	Run func(ctx context.Context) (any, error)
}

// Result pairs a Task's ID with its outcome.
type Result struct {
	ID    int
	Value any
	Err   error
}

// RunID is a per-invocation correlation id surfaced to loggers; it has no
// bearing on scheduling.
func RunID() string { return uuid.NewString() }

// Run executes tasks across the pool's workers and returns their results
// indexed by submission order (not completion order), mirroring the
// teacher's "collect results in order" step. If ctx is cancelled
// mid-flight, every task not yet started gets ctx.Err() as its Result.Err
// and is never run, and Run returns ctx.Err() once the running tasks have
// finished.
//
// Each worker checks ctx before starting each task (spec.md §5:
// "cancellation is advisory... checked between tiles and between
// code-blocks"), so an already-running task always finishes but no new one
// starts once cancellation is observed.
//
// reg, when non-nil, is kept updated with the IDs of tasks currently
// executing, so a caller that sees Run return a cancellation error can
// report via reg.ActiveIDs() (read before Run returns) which tasks were
// still in flight.
func Run(ctx context.Context, pool *Pool, tasks []Task, reg *Registry) ([]Result, error) {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	workers := pool.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(tasks))
	for i := range tasks {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	var cancelled bool
	var mu sync.Mutex

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				select {
				case <-ctx.Done():
					mu.Lock()
					cancelled = true
					mu.Unlock()
					results[idx] = Result{ID: tasks[idx].ID, Err: ctx.Err()}
					continue
				default:
				}
				id := tasks[idx].ID
				if reg != nil {
					reg.add(id)
				}
				v, err := tasks[idx].Run(ctx)
				if reg != nil {
					reg.remove(id)
				}
				results[idx] = Result{ID: id, Value: v, Err: err}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if cancelled {
		return results, ctx.Err()
	}
	return results, nil
}

// RunSequential runs tasks on the caller's goroutine, honoring the same
// cancellation contract as Run. Used for small job counts or single-threaded
// mode, mirroring the teacher's "sequential encoding for small job counts"
// fast path.
func RunSequential(ctx context.Context, tasks []Task) ([]Result, error) {
	results := make([]Result, len(tasks))
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			results[i] = Result{ID: t.ID, Err: err}
			return results, err
		}
		v, err := t.Run(ctx)
		results[i] = Result{ID: t.ID, Value: v, Err: err}
	}
	return results, nil
}
