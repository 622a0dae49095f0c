// Package hook implements the ordered filter and action dispatch that
// plugins extend the platform through.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// FilterFunc transforms a value. It receives the value produced by the
// previous callback in the chain plus the fixed extra arguments, and
// returns the value to hand to the next callback.
type FilterFunc func(ctx context.Context, value any, args ...any) (any, error)

// ActionFunc observes an event. Its return error is logged, never
// propagated.
type ActionFunc func(ctx context.Context, args ...any) error

// registration is one callback on one hook name.
type registration struct {
	owner    string
	priority int
	seq      uint64
	filter   FilterFunc
	action   ActionFunc
}

// Bus is the registry of filter and action callbacks, keyed by hook
// name. Callbacks run in ascending priority order with ties broken by
// registration order, and that order is stable across invocations.
// Every registration records its owning plugin id so deactivation can
// retract exactly that plugin's entries.
//
// Only the manager mutates the Bus; plugins reach it through their
// filtered API surface.
type Bus struct {
	mu      sync.RWMutex
	seq     uint64
	filters map[string][]*registration
	actions map[string][]*registration
	log     zerolog.Logger
}

// NewBus creates an empty hook bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		filters: make(map[string][]*registration),
		actions: make(map[string][]*registration),
		log:     log,
	}
}

// AddFilter registers a filter callback on the named hook for the given
// owner.
func (b *Bus) AddFilter(name, owner string, priority int, fn FilterFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.filters[name] = insertOrdered(b.filters[name], &registration{
		owner:    owner,
		priority: priority,
		seq:      b.seq,
		filter:   fn,
	})
}

// AddAction registers an action callback on the named hook for the
// given owner.
func (b *Bus) AddAction(name, owner string, priority int, fn ActionFunc) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.actions[name] = insertOrdered(b.actions[name], &registration{
		owner:    owner,
		priority: priority,
		seq:      b.seq,
		action:   fn,
	})
}

// insertOrdered keeps the slice sorted by (priority, seq).
func insertOrdered(regs []*registration, r *registration) []*registration {
	i := sort.Search(len(regs), func(i int) bool {
		if regs[i].priority != r.priority {
			return regs[i].priority > r.priority
		}
		return regs[i].seq > r.seq
	})
	regs = append(regs, nil)
	copy(regs[i+1:], regs[i:])
	regs[i] = r
	return regs
}

// RemoveFilter removes all of owner's filter callbacks from the named
// hook and reports how many were removed.
func (b *Bus) RemoveFilter(name, owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeOwned(b.filters, name, owner)
}

// RemoveAction removes all of owner's action callbacks from the named
// hook and reports how many were removed.
func (b *Bus) RemoveAction(name, owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeOwned(b.actions, name, owner)
}

func (b *Bus) removeOwned(hooks map[string][]*registration, name, owner string) int {
	regs, ok := hooks[name]
	if !ok {
		return 0
	}
	kept := regs[:0]
	removed := 0
	for _, r := range regs {
		if r.owner == owner {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(hooks, name)
	} else {
		hooks[name] = kept
	}
	return removed
}

// RemoveOwner retracts every registration owned by the plugin across
// all hook names. Deactivation calls this.
func (b *Bus) RemoveOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for _, hooks := range []map[string][]*registration{b.filters, b.actions} {
		for name := range hooks {
			removed += b.removeOwned(hooks, name, owner)
		}
	}
	return removed
}

// ApplyFilter runs the named hook's filter chain as a left fold over
// value. Each callback receives the previous callback's result; a
// callback that fails or panics is logged with its owner and skipped,
// passing the prior value through unchanged.
func (b *Bus) ApplyFilter(ctx context.Context, name string, value any, args ...any) any {
	b.mu.RLock()
	regs := make([]*registration, len(b.filters[name]))
	copy(regs, b.filters[name])
	b.mu.RUnlock()

	for _, r := range regs {
		next, err := b.invokeFilter(ctx, r, value, args)
		if err != nil {
			b.log.Warn().
				Str("hook", name).
				Str("plugin_id", r.owner).
				Err(err).
				Msg("filter callback failed, value passed through")
			continue
		}
		value = next
	}
	return value
}

func (b *Bus) invokeFilter(ctx context.Context, r *registration, value any, args []any) (next any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("filter panic: %v", rec)
		}
	}()
	return r.filter(ctx, value, args...)
}

// DoAction invokes every callback on the named hook with identical
// arguments, in priority order. Return values are discarded; a failing
// or panicking callback is logged with its owner and does not stop the
// remaining callbacks.
func (b *Bus) DoAction(ctx context.Context, name string, args ...any) {
	b.mu.RLock()
	regs := make([]*registration, len(b.actions[name]))
	copy(regs, b.actions[name])
	b.mu.RUnlock()

	for _, r := range regs {
		if err := b.invokeAction(ctx, r, args); err != nil {
			b.log.Warn().
				Str("hook", name).
				Str("plugin_id", r.owner).
				Err(err).
				Msg("action callback failed")
		}
	}
}

func (b *Bus) invokeAction(ctx context.Context, r *registration, args []any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("action panic: %v", rec)
		}
	}()
	return r.action(ctx, args...)
}

// FilterCount reports how many filter callbacks the named hook has.
func (b *Bus) FilterCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.filters[name])
}

// ActionCount reports how many action callbacks the named hook has.
func (b *Bus) ActionCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.actions[name])
}

// OwnerRegistrations reports how many registrations the plugin holds
// across all hooks.
func (b *Bus) OwnerRegistrations(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, hooks := range []map[string][]*registration{b.filters, b.actions} {
		for _, regs := range hooks {
			for _, r := range regs {
				if r.owner == owner {
					count++
				}
			}
		}
	}
	return count
}

// HookNames returns the names of all hooks with at least one
// registration, filters and actions combined, sorted.
func (b *Bus) HookNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool, len(b.filters)+len(b.actions))
	for name := range b.filters {
		seen[name] = true
	}
	for name := range b.actions {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
