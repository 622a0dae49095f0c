package lua

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"
)

func startExecutor(t *testing.T, queueSize int) (*Executor, context.CancelFunc) {
	t.Helper()

	L := glua.NewState()
	exec := NewExecutor(L, queueSize)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		exec.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		L.Close()
	})
	return exec, cancel
}

func TestExecutorDefaultQueueSize(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	exec := NewExecutor(L, 0)
	if cap(exec.queue) != DefaultQueueSize {
		t.Errorf("queue capacity = %d, want %d", cap(exec.queue), DefaultQueueSize)
	}
}

func TestExecutorExecute(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	var executed bool
	err := exec.Execute(context.Background(), func(L *glua.LState) error {
		executed = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !executed {
		t.Error("Execute() did not run the call")
	}
}

func TestExecutorSerializes(t *testing.T) {
	exec, _ := startExecutor(t, 100)

	// The counter is unsynchronized on purpose: every call runs on the
	// single worker goroutine, and each Execute return establishes
	// ordering with the caller.
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := exec.Execute(context.Background(), func(L *glua.LState) error {
					counter++
					return nil
				})
				if err != nil {
					t.Errorf("Execute() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if counter != 200 {
		t.Errorf("counter = %d, want 200", counter)
	}
}

func TestExecutorQueueFull(t *testing.T) {
	exec, _ := startExecutor(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})

	// Occupy the worker so the queue state is deterministic.
	blocked := exec.ExecuteAsync(func(L *glua.LState) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// Fills the single queue slot.
	queued := exec.ExecuteAsync(func(L *glua.LState) error { return nil })

	err := exec.Execute(context.Background(), func(L *glua.LState) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Execute() with full queue error = %v, want ErrQueueFull", err)
	}

	close(release)
	if err := <-blocked; err != nil {
		t.Errorf("blocked call error = %v", err)
	}
	if err := <-queued; err != nil {
		t.Errorf("queued call error = %v", err)
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	err := exec.Execute(context.Background(), func(L *glua.LState) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("Execute() with panicking call should return error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Execute() error = %v, want panic message", err)
	}

	// The worker survives the panic.
	err = exec.Execute(context.Background(), func(L *glua.LState) error { return nil })
	if err != nil {
		t.Errorf("Execute() after panic error = %v", err)
	}
}

func TestExecutorCloseRejects(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	exec.Close()

	err := exec.Execute(context.Background(), func(L *glua.LState) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Execute() after Close error = %v, want ErrClosed", err)
	}

	if err := <-exec.ExecuteAsync(func(L *glua.LState) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecuteAsync() after Close error = %v, want ErrClosed", err)
	}
}

func TestExecutorDrainsPendingOnShutdown(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	exec := NewExecutor(L, 10)

	// Queue a call before the worker ever runs, then run it with a
	// canceled context so it drains instead of executing.
	pending := exec.ExecuteAsync(func(L *glua.LState) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.Run(ctx)

	if err := <-pending; !errors.Is(err, ErrClosed) {
		t.Errorf("pending call error = %v, want ErrClosed", err)
	}
	if got := exec.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestExecutorWaitCanceledWhileQueued(t *testing.T) {
	exec, _ := startExecutor(t, 10)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocked := exec.ExecuteAsync(func(L *glua.LState) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, func(L *glua.LState) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}

	_ = blocked
}
