// Package workerpool runs CPU-bound or isolable work on a fixed number of
// goroutines fed from a FIFO queue, keeping the dispatch path free. At most N
// tasks run simultaneously, no submitted task is dropped, and Close drains
// the queue before stopping the workers. A task that panics settles its
// caller with ErrWorkerFault instead of leaving it waiting; the worker is
// respawned.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrWorkerFault settles a task whose worker died mid-flight.
var ErrWorkerFault = errors.New("workerpool: worker died executing task")

// ErrPoolClosed rejects submissions made after Close began.
var ErrPoolClosed = errors.New("workerpool: pool is closed")

// Task is a unit of work. Fn is consumed exactly once by exactly one worker.
type Task struct {
	// ID identifies the task in results and logs. Assigned when empty.
	ID string
	// Name labels the task for stats and diagnostics.
	Name string
	// Fn performs the work.
	Fn func(ctx context.Context) (any, error)
}

// Result is the settled outcome of one task. Err is non-nil for failures,
// including ErrWorkerFault; a failed element never aborts a batch.
type Result struct {
	TaskID   string
	Value    any
	Err      error
	Duration time.Duration
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers      int   `json:"workers"`
	Busy         int64 `json:"busy"`
	Queued       int   `json:"queued"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	WorkerFaults int64 `json:"workerFaults"`
}

type submission struct {
	ctx  context.Context
	task Task
	done chan Result
}

// Pool is safe for concurrent use.
type Pool struct {
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*submission
	closing bool
	stopped bool

	busy         atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	workerFaults atomic.Int64

	wg sync.WaitGroup
}

// New starts a pool with n workers (minimum 1). logger may be nil.
func New(n int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{size: n, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Execute submits a single task and waits for it to settle. The returned
// error is the task's own error; ctx expiring abandons the wait but not the
// task.
func (p *Pool) Execute(ctx context.Context, task Task) (any, error) {
	done, err := p.submit(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.Value, res.Err
	}
}

// ExecuteBatch submits every task and returns one settled Result per input,
// in input order. It never fails as a whole: per-task errors live in the
// corresponding Result.
func (p *Pool) ExecuteBatch(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	waiters := make([]chan Result, len(tasks))
	for i, task := range tasks {
		done, err := p.submit(ctx, task)
		if err != nil {
			results[i] = Result{TaskID: task.ID, Err: err}
			continue
		}
		waiters[i] = done
	}
	for i, done := range waiters {
		if done == nil {
			continue
		}
		select {
		case <-ctx.Done():
			results[i] = Result{TaskID: tasks[i].ID, Err: ctx.Err()}
		case res := <-done:
			results[i] = res
		}
	}
	return results
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Workers:      p.size,
		Busy:         p.busy.Load(),
		Queued:       queued,
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		WorkerFaults: p.workerFaults.Load(),
	}
}

// Close drains the pool: it rejects new submissions, blocks until the queue
// is empty and every worker is idle, then terminates the workers. No
// accepted task is abandoned mid-flight.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closing = true
	for len(p.queue) > 0 || p.busy.Load() > 0 {
		p.cond.Wait()
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) submit(ctx context.Context, task Task) (chan Result, error) {
	if task.Fn == nil {
		return nil, errors.New("workerpool: task has no function")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &submission{ctx: ctx, task: task, done: make(chan Result, 1)}
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.queue = append(p.queue, sub)
	p.cond.Signal()
	p.mu.Unlock()
	return sub.done, nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		sub := p.next()
		if sub == nil {
			return
		}
		p.run(id, sub)
	}
}

func (p *Pool) next() *submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil
	}
	sub := p.queue[0]
	p.queue = p.queue[1:]
	// Busy must be raised before the queue slot is released so the
	// drain condition in Close never observes an in-between state.
	p.busy.Add(1)
	return sub
}

func (p *Pool) run(workerID int, sub *submission) {
	start := time.Now()
	res := Result{TaskID: sub.task.ID}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.workerFaults.Add(1)
				p.logger.Error("worker died executing task",
					"worker", workerID, "task", sub.task.ID, "name", sub.task.Name, "panic", r)
				res.Err = fmt.Errorf("%w: %v", ErrWorkerFault, r)
			}
		}()
		res.Value, res.Err = sub.task.Fn(sub.ctx)
	}()
	res.Duration = time.Since(start)
	if res.Err != nil {
		p.failed.Add(1)
	}
	p.completed.Add(1)
	sub.done <- res

	p.mu.Lock()
	p.busy.Add(-1)
	p.cond.Broadcast()
	p.mu.Unlock()
}
