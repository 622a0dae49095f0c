package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultQueueSize is the default capacity of an executor's call queue.
const DefaultQueueSize = 64

// luaCall is one operation waiting for the worker goroutine.
type luaCall struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all interpreter access through a single worker
// goroutine.
//
// gopher-lua's LState is not goroutine-safe, so every operation on a
// plugin's interpreter is funneled through its executor. Plugin code is
// never re-entered: a second evaluation queues until the first returns,
// and a blocking host call suspends only the plugin that made it.
type Executor struct {
	state   *lua.LState
	queue   chan *luaCall
	pending atomic.Int64

	closeMu sync.Mutex
	closed  bool
}

// NewExecutor creates an executor for the given interpreter. queueSize
// determines how many calls may wait before Execute fails fast; zero or
// negative selects DefaultQueueSize.
func NewExecutor(state *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		state: state,
		queue: make(chan *luaCall, queueSize),
	}
}

// Run processes queued calls until ctx is canceled. It must be called
// exactly once, on its own goroutine. Pending calls are failed with
// ErrClosed on shutdown; cancellation wins over queued work.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainQueue()
			return
		default:
		}

		select {
		case <-ctx.Done():
			e.drainQueue()
			return
		case call := <-e.queue:
			e.executeCall(call)
		}
	}
}

// executeCall runs a single call on the worker goroutine, converting
// panics into errors.
func (e *Executor) executeCall(call *luaCall) {
	defer e.pending.Add(-1)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("lua panic: %v", r)
			}
		}()
		err = call.fn(e.state)
	}()

	call.result <- err
	close(call.result)
}

// Execute runs fn on the worker goroutine and waits for its result. It
// returns ErrClosed if the executor is shut down, ErrQueueFull if the
// call queue is at capacity, or the context error if ctx is canceled
// while waiting.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return ErrClosed
	}
	call := &luaCall{
		fn:     fn,
		result: make(chan error, 1),
	}
	select {
	case e.queue <- call:
		e.pending.Add(1)
		e.closeMu.Unlock()
	default:
		e.closeMu.Unlock()
		return ErrQueueFull
	}

	select {
	case err := <-call.result:
		return err
	case <-ctx.Done():
		// The call may still run; its result is discarded.
		return ctx.Err()
	}
}

// ExecuteAsync queues fn without waiting. The returned channel receives
// the result and is then closed. It fails immediately with ErrClosed or
// ErrQueueFull when the call cannot be queued.
func (e *Executor) ExecuteAsync(fn func(L *lua.LState) error) <-chan error {
	result := make(chan error, 1)

	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		result <- ErrClosed
		close(result)
		return result
	}
	call := &luaCall{fn: fn, result: result}
	select {
	case e.queue <- call:
		e.pending.Add(1)
		e.closeMu.Unlock()
	default:
		e.closeMu.Unlock()
		result <- ErrQueueFull
		close(result)
	}
	return result
}

// Pending reports how many calls are queued or running.
func (e *Executor) Pending() int {
	return int(e.pending.Load())
}

// Close marks the executor closed. New calls are rejected; the worker
// goroutine keeps running until its Run context is canceled.
func (e *Executor) Close() {
	e.closeMu.Lock()
	e.closed = true
	e.closeMu.Unlock()
}

// drainQueue fails all pending calls with ErrClosed.
func (e *Executor) drainQueue() {
	for {
		select {
		case call := <-e.queue:
			e.pending.Add(-1)
			call.result <- ErrClosed
			close(call.result)
		default:
			return
		}
	}
}
