package security

import (
	"sync"
	"time"
)

// ResourceLimits defines the resource ceilings for one plugin sandbox.
// Values are host policy, not constants: the host tunes them per trust
// level and passes them down when the sandbox is built.
type ResourceLimits struct {
	// MemoryLimit is the interpreter memory ceiling in bytes.
	MemoryLimit int64

	// StackDepth is the maximum interpreter call-stack depth.
	StackDepth int

	// ExecutionTimeout bounds a single evaluation before the interrupt
	// aborts it.
	ExecutionTimeout time.Duration

	// NetworkPerSecond caps outbound requests per second. Zero means
	// unlimited.
	NetworkPerSecond int

	// MaxFetchBytes caps the size of a fetched response body.
	MaxFetchBytes int64
}

// DefaultResourceLimits returns sensible default limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimit:      10 * 1024 * 1024, // 10 MB
		StackDepth:       256,
		ExecutionTimeout: 5 * time.Second,
		NetworkPerSecond: 10,
		MaxFetchBytes:    1 * 1024 * 1024, // 1 MB
	}
}

// StrictResourceLimits returns stricter limits for untrusted plugins.
func StrictResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimit:      5 * 1024 * 1024, // 5 MB
		StackDepth:       128,
		ExecutionTimeout: 2 * time.Second,
		NetworkPerSecond: 1,
		MaxFetchBytes:    256 * 1024, // 256 KB
	}
}

// RelaxedResourceLimits returns relaxed limits for trusted plugins.
func RelaxedResourceLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimit:      50 * 1024 * 1024, // 50 MB
		StackDepth:       1024,
		ExecutionTimeout: 30 * time.Second,
		NetworkPerSecond: 100,
		MaxFetchBytes:    10 * 1024 * 1024, // 10 MB
	}
}

// Monitor tracks per-plugin resource consumption that the interpreter
// ceilings cannot see, currently the outbound request rate.
type Monitor struct {
	mu sync.RWMutex

	limits         ResourceLimits
	networkLimiter *RateLimiter

	exceeded bool
	reason   string
}

// NewMonitor creates a monitor enforcing the given limits.
func NewMonitor(limits ResourceLimits) *Monitor {
	return &Monitor{
		limits:         limits,
		networkLimiter: NewRateLimiter(limits.NetworkPerSecond),
	}
}

// TryNetworkRequest reports whether an outbound request is allowed now.
func (m *Monitor) TryNetworkRequest() bool {
	if !m.networkLimiter.Allow() {
		m.setExceeded("network request rate limit exceeded")
		return false
	}
	return true
}

// Limits returns the limits this monitor enforces.
func (m *Monitor) Limits() ResourceLimits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// Exceeded returns true if any limit was exceeded.
func (m *Monitor) Exceeded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exceeded
}

// Reason returns the reason a limit was exceeded, if any.
func (m *Monitor) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

func (m *Monitor) setExceeded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceeded = true
	m.reason = reason
}

// Reset clears counters and the exceeded state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkLimiter.Reset()
	m.exceeded = false
	m.reason = ""
}

// RateLimiter implements a simple token bucket rate limiter.
type RateLimiter struct {
	mu sync.Mutex

	rate       int       // operations per second
	tokens     int       // current tokens
	maxTokens  int       // maximum tokens (burst size)
	lastRefill time.Time // last token refill time
}

// NewRateLimiter creates a new rate limiter. A rate of zero or less means
// no limit.
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		return &RateLimiter{rate: 0, tokens: 1, maxTokens: 1}
	}
	return &RateLimiter{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		maxTokens:  ratePerSecond,
		lastRefill: time.Now(),
	}
}

// Allow returns true if an operation is allowed.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.rate == 0 {
		return true
	}

	// Refill tokens based on elapsed time.
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}

	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	return true
}

// Reset restores the rate limiter to full capacity.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.maxTokens
	rl.lastRefill = time.Now()
}
