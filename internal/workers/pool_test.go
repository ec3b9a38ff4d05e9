package workers

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	pool := NewPool(zap.NewNop(), &PoolConfig{
		Name:            "test",
		NumWorkers:      workers,
		QueueSize:       queue,
		ShutdownTimeout: 2 * time.Second,
	})
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func TestPoolFanOutRunsAllTasks(t *testing.T) {
	pool := newTestPool(t, 4, 16)

	var ran atomic.Int64
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = TaskFunc(func() error {
			ran.Add(1)
			return nil
		})
	}

	errs := pool.FanOut(tasks)
	if got := ran.Load(); got != 8 {
		t.Errorf("ran %d tasks, want 8", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("task %d: unexpected error %v", i, err)
		}
	}
}

func TestPoolFanOutIsolatesFailures(t *testing.T) {
	pool := newTestPool(t, 2, 8)

	boom := errors.New("boom")
	var succeeded atomic.Int64
	tasks := []Task{
		TaskFunc(func() error { return boom }),
		TaskFunc(func() error { succeeded.Add(1); return nil }),
		TaskFunc(func() error { succeeded.Add(1); return nil }),
	}

	errs := pool.FanOut(tasks)
	if !errors.Is(errs[0], boom) {
		t.Errorf("errs[0] = %v, want boom", errs[0])
	}
	if errs[1] != nil || errs[2] != nil {
		t.Errorf("sibling tasks failed: %v %v", errs[1], errs[2])
	}
	if succeeded.Load() != 2 {
		t.Errorf("succeeded = %d, want 2", succeeded.Load())
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	done := make(chan struct{})
	if err := pool.SubmitFunc(func() error {
		defer close(done)
		panic("kaboom")
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never ran")
	}

	// The worker must survive the panic.
	ok := make(chan struct{})
	if err := pool.SubmitFunc(func() error {
		close(ok)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}

	if pool.Stats().PanicsRecovered == 0 {
		t.Error("panic was not counted")
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(zap.NewNop(), DefaultPoolConfig("stopped"))
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("submit after stop = %v, want ErrPoolStopped", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(zap.NewNop(), &PoolConfig{
		Name:            "tiny",
		NumWorkers:      1,
		QueueSize:       1,
		ShutdownTimeout: 2 * time.Second,
	})
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	pool.SubmitFunc(func() error { <-block; return nil })

	// Fill the queue, then overflow it.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := pool.SubmitFunc(func() error { <-block; return nil }); errors.Is(err, ErrQueueFull) {
			sawFull = true
			break
		}
	}
	close(block)
	if !sawFull {
		t.Error("never saw ErrQueueFull")
	}
}
