package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusyWorkersNeverExceedPoolSize(t *testing.T) {
	const size = 3
	const total = 20
	p := New(size, nil)
	defer p.Close()

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
				now := active.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			}})
			if err != nil {
				t.Errorf("task failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > size {
		t.Fatalf("observed %d simultaneously busy workers, pool size is %d", peak.Load(), size)
	}
}

func TestExecuteBatchSettlesInInputOrder(t *testing.T) {
	p := New(2, nil)
	defer p.Close()

	boom := errors.New("boom")
	tasks := []Task{
		{ID: "a", Fn: func(context.Context) (any, error) { return "ok-a", nil }},
		{ID: "b", Fn: func(context.Context) (any, error) { return nil, boom }},
		{ID: "c", Fn: func(context.Context) (any, error) { return "ok-c", nil }},
	}
	results := p.ExecuteBatch(context.Background(), tasks)
	if len(results) != 3 {
		t.Fatalf("expected 3 settled results, got %d", len(results))
	}
	if results[0].TaskID != "a" || results[0].Err != nil || results[0].Value != "ok-a" {
		t.Fatalf("unexpected first result: %+v", results[0])
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("expected boom in second slot, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Value != "ok-c" {
		t.Fatalf("unexpected third result: %+v", results[2])
	}
}

func TestPanickingTaskSettlesWithWorkerFault(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	_, err := p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
		panic("worker crash")
	}})
	if !errors.Is(err, ErrWorkerFault) {
		t.Fatalf("expected ErrWorkerFault, got %v", err)
	}

	// The pool must keep serving after the fault.
	val, err := p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
		return 42, nil
	}})
	if err != nil || val != 42 {
		t.Fatalf("pool unusable after worker fault: %v %v", val, err)
	}
	if p.Stats().WorkerFaults != 1 {
		t.Fatalf("expected 1 worker fault, got %d", p.Stats().WorkerFaults)
	}
}

func TestCloseDrainsQueueBeforeStopping(t *testing.T) {
	p := New(2, nil)

	const total = 10
	var completed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
				time.Sleep(2 * time.Millisecond)
				completed.Add(1)
				return nil, nil
			}})
		}()
	}

	// Give submissions a head start, then drain.
	time.Sleep(5 * time.Millisecond)
	p.Close()

	stats := p.Stats()
	if stats.Queued != 0 || stats.Busy != 0 {
		t.Fatalf("close returned with work outstanding: %+v", stats)
	}
	wg.Wait()

	if _, err := p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
		return nil, nil
	}}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after Close, got %v", err)
	}
}

func TestFIFOAssignmentOrder(t *testing.T) {
	p := New(1, nil)
	defer p.Close()

	gate := make(chan struct{})
	var order []string
	var mu sync.Mutex

	// Occupy the single worker so subsequent tasks queue up.
	blockerDone := make(chan struct{})
	go func() {
		_, _ = p.Execute(context.Background(), Task{Fn: func(context.Context) (any, error) {
			<-gate
			return nil, nil
		}})
		close(blockerDone)
	}()
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for _, id := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = p.Execute(context.Background(), Task{ID: id, Fn: func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
				return nil, nil
			}})
		}(id)
		time.Sleep(5 * time.Millisecond) // force a deterministic queue order
	}

	close(gate)
	<-blockerDone
	wg.Wait()

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO order, got %v", order)
	}
}
