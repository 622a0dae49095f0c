// Package lua runs untrusted plugin code in isolated gopher-lua
// interpreters with enforced resource ceilings.
package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lua "github.com/yuin/gopher-lua"
)

// Default ceilings for a sandbox.
const (
	DefaultMemoryLimit = 10 * 1024 * 1024 // interpreter registry budget
	DefaultStackDepth  = 256              // maximum Lua call frames
	DefaultTimeout     = 5 * time.Second  // wall clock per evaluation
)

// Registry sizing. The registry holds every live Lua value, so its slot
// count is the enforceable proxy for the memory ceiling. A slot is
// costed at 64 bytes of interpreter overhead.
const (
	registrySlotCost = 64
	registryGrowStep = 256
	minRegistrySlots = 4096
	maxRegistrySlots = 1 << 22
)

// Sandbox is one plugin's isolated interpreter. Plugins never share a
// Sandbox, and a Sandbox runs at most one evaluation at a time; calls
// made while one is in flight queue behind it.
//
// The memory and stack ceilings are enforced by the interpreter itself:
// exceeding them aborts the evaluation with an error the caller gets
// back as an ExecError. The wall-clock timeout and Interrupt use the
// interpreter's context support, so a runaway loop stops at the next
// instruction boundary without tearing down the interpreter.
type Sandbox struct {
	pluginID string

	memoryLimit int64
	stackDepth  int
	timeout     time.Duration
	queueSize   int
	log         zerolog.Logger

	L    *lua.LState
	exec *Executor

	runCancel  context.CancelFunc
	workerDone chan struct{}

	mu        sync.Mutex
	interrupt context.CancelFunc
	closed    bool
	closeOnce sync.Once
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithMemoryLimit sets the interpreter memory budget in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(s *Sandbox) {
		if bytes > 0 {
			s.memoryLimit = bytes
		}
	}
}

// WithStackDepth sets the maximum number of Lua call frames.
func WithStackDepth(depth int) Option {
	return func(s *Sandbox) {
		if depth > 0 {
			s.stackDepth = depth
		}
	}
}

// WithTimeout sets the wall-clock limit per evaluation. Zero disables
// the timeout; Interrupt still works.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		s.timeout = d
	}
}

// WithQueueSize sets how many calls may wait for the interpreter.
func WithQueueSize(n int) Option {
	return func(s *Sandbox) {
		s.queueSize = n
	}
}

// WithLogger sets the logger used for plugin print output and sandbox
// diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sandbox) {
		s.log = log
	}
}

// New creates a sandbox for the given plugin. The interpreter starts
// with only the safe standard libraries open and its worker goroutine
// running; it must be released with Close.
func New(pluginID string, opts ...Option) (*Sandbox, error) {
	if pluginID == "" {
		return nil, errors.New("plugin id required")
	}

	s := &Sandbox{
		pluginID:    pluginID,
		memoryLimit: DefaultMemoryLimit,
		stackDepth:  DefaultStackDepth,
		timeout:     DefaultTimeout,
		queueSize:   DefaultQueueSize,
		log:         zerolog.Nop(),
		workerDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	initial, maxSlots := registryBounds(s.memoryLimit)
	s.L = lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     initial,
		RegistryMaxSize:  maxSlots,
		RegistryGrowStep: registryGrowStep,
		CallStackSize:    s.stackDepth,
	})

	openSafeLibraries(s.L)
	s.restrict()

	s.exec = NewExecutor(s.L, s.queueSize)
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	go func() {
		defer close(s.workerDone)
		s.exec.Run(runCtx)
	}()

	return s, nil
}

// registryBounds derives the interpreter registry sizes from the memory
// budget.
func registryBounds(memoryLimit int64) (initial, maxSlots int) {
	slots := int(memoryLimit / registrySlotCost)
	if slots < minRegistrySlots {
		slots = minRegistrySlots
	}
	if slots > maxRegistrySlots {
		slots = maxRegistrySlots
	}
	initial = minRegistrySlots
	if initial > slots {
		initial = slots
	}
	return initial, slots
}

// PluginID returns the owning plugin's id.
func (s *Sandbox) PluginID() string {
	return s.pluginID
}

// Do runs fn on the interpreter's worker goroutine with the evaluation
// guard installed: the wall-clock timeout, the interrupt hook, and the
// caller's ctx all abort the evaluation cooperatively. op names the
// operation in any resulting ExecError.
func (s *Sandbox) Do(ctx context.Context, op string, fn func(L *lua.LState) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.exec.Execute(ctx, func(L *lua.LState) error {
		return s.runGuarded(ctx, L, fn)
	})
	return wrapExec(s.pluginID, op, err)
}

// runGuarded installs the per-evaluation context on the interpreter,
// runs fn, and maps cancellation to ErrInterrupted. Always called on
// the worker goroutine.
func (s *Sandbox) runGuarded(ctx context.Context, L *lua.LState, fn func(L *lua.LState) error) error {
	base := ctx
	if s.timeout > 0 {
		var cancelTimeout context.CancelFunc
		base, cancelTimeout = context.WithTimeout(base, s.timeout)
		defer cancelTimeout()
	}
	evalCtx, cancel := context.WithCancel(base)
	defer cancel()

	s.mu.Lock()
	s.interrupt = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.interrupt = nil
		s.mu.Unlock()
	}()

	L.SetContext(evalCtx)
	defer L.RemoveContext()

	err := fn(L)
	if err != nil && evalCtx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, evalCtx.Err())
	}
	return err
}

// DoString evaluates source on the interpreter.
func (s *Sandbox) DoString(ctx context.Context, source string) error {
	return s.Do(ctx, "execute", func(L *lua.LState) error {
		return L.DoString(source)
	})
}

// Execute compiles and runs source as a named chunk and returns the
// chunk's first return value, or LNil if it returns nothing. The
// returned value stays owned by the worker goroutine; only use it
// inside a later Do call.
func (s *Sandbox) Execute(ctx context.Context, name, source string) (lua.LValue, error) {
	ret := lua.LValue(lua.LNil)
	err := s.Do(ctx, "execute", func(L *lua.LState) error {
		fn, err := L.Load(strings.NewReader(source), name)
		if err != nil {
			return err
		}
		top := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			return err
		}
		if L.GetTop() > top {
			ret = L.Get(top + 1)
			L.SetTop(top)
		}
		return nil
	})
	if err != nil {
		return lua.LNil, err
	}
	return ret, nil
}

// Call invokes a previously resolved Lua function with bridged Go
// arguments and returns its bridged results.
func (s *Sandbox) Call(ctx context.Context, fn *lua.LFunction, args ...any) ([]any, error) {
	var results []any
	err := s.Do(ctx, "call", func(L *lua.LState) error {
		r, err := NewBridge(L).CallFunc(fn, args...)
		if err != nil {
			return err
		}
		results = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Interrupt aborts the evaluation currently running, if any. The
// sandbox stays usable for later calls.
func (s *Sandbox) Interrupt() {
	s.mu.Lock()
	cancel := s.interrupt
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Closed reports whether Close has been called.
func (s *Sandbox) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close disposes the sandbox: pending calls fail with ErrClosed, a
// running evaluation is interrupted, and the interpreter is released.
// Close is idempotent.
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.exec.Close()
		s.Interrupt()
		s.runCancel()
		<-s.workerDone
		s.L.Close()
	})
	return nil
}
