package plugin

import (
	"context"
	"sync"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/api"
	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// entryPoints holds the optional lifecycle functions resolved from the
// plugin's entry module. Any of them may be nil.
type entryPoints struct {
	activate   *glua.LFunction
	deactivate *glua.LFunction
	execute    *glua.LFunction
}

// Instance is a single loaded plugin: its manifest, sandbox, API
// context, resolved entry points, and settings overlay. Instances are
// created and owned by the Manager.
type Instance struct {
	id      string
	sandbox *lua.Sandbox
	checker *security.Checker
	apiCtx  *api.Context

	mu       sync.RWMutex
	manifest *Manifest
	state    State
	entries  entryPoints
	settings map[string]any
	loadedAt time.Time
}

// Info is a read-only snapshot of a plugin used for listings.
type Info struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Author      string                `json:"author"`
	Category    string                `json:"category"`
	State       string                `json:"state"`
	Permissions []security.Capability `json:"permissions"`
	LoadedAt    time.Time             `json:"loadedAt"`
}

// ID returns the plugin identifier.
func (inst *Instance) ID() string {
	return inst.id
}

// Manifest returns a deep copy of the plugin's manifest.
func (inst *Instance) Manifest() *Manifest {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.manifest.Clone()
}

// State returns the current lifecycle state.
func (inst *Instance) State() State {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.state
}

// LoadedAt returns the time the plugin finished loading.
func (inst *Instance) LoadedAt() time.Time {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.loadedAt
}

// APIContext returns the plugin's host API context. Hosts use it to
// make permission-checked calls on the plugin's behalf.
func (inst *Instance) APIContext() *api.Context {
	return inst.apiCtx
}

// HasExecute reports whether the plugin exported an execute entry.
func (inst *Instance) HasExecute() bool {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.entries.execute != nil
}

// Info returns a listing snapshot of the plugin.
func (inst *Instance) Info() Info {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	perms := make([]security.Capability, len(inst.manifest.Permissions))
	copy(perms, inst.manifest.Permissions)
	return Info{
		ID:          inst.id,
		Name:        inst.manifest.Name,
		Version:     inst.manifest.Version,
		Author:      inst.manifest.Author,
		Category:    inst.manifest.Category,
		State:       inst.state.String(),
		Permissions: perms,
		LoadedAt:    inst.loadedAt,
	}
}

func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

// resolveEntries picks the lifecycle functions out of the value the
// entry module returned. Plugins written as plain scripts can export
// them as globals instead; the returned table takes precedence.
func (inst *Instance) resolveEntries(ctx context.Context, ret glua.LValue) error {
	return inst.sandbox.Do(ctx, "resolve entries", func(L *glua.LState) error {
		var e entryPoints
		if tbl, ok := ret.(*glua.LTable); ok {
			e.activate = tableFunc(tbl, "activate")
			e.deactivate = tableFunc(tbl, "deactivate")
			e.execute = tableFunc(tbl, "execute")
		}
		if e.activate == nil {
			e.activate = globalFunc(L, "activate")
		}
		if e.deactivate == nil {
			e.deactivate = globalFunc(L, "deactivate")
		}
		if e.execute == nil {
			e.execute = globalFunc(L, "execute")
		}
		inst.mu.Lock()
		inst.entries = e
		inst.mu.Unlock()
		return nil
	})
}

func tableFunc(t *glua.LTable, name string) *glua.LFunction {
	if fn, ok := t.RawGetString(name).(*glua.LFunction); ok {
		return fn
	}
	return nil
}

func globalFunc(L *glua.LState, name string) *glua.LFunction {
	if fn, ok := L.GetGlobal(name).(*glua.LFunction); ok {
		return fn
	}
	return nil
}

// runActivate invokes the plugin's activate entry with the API table.
// Plugins without one activate trivially.
func (inst *Instance) runActivate(ctx context.Context) error {
	inst.mu.RLock()
	fn := inst.entries.activate
	inst.mu.RUnlock()
	if fn == nil {
		return nil
	}
	var args []any
	if tbl := inst.apiCtx.Table(); tbl != nil {
		args = append(args, tbl)
	}
	_, err := inst.sandbox.Call(ctx, fn, args...)
	return err
}

// runDeactivate invokes the plugin's deactivate entry, if any.
func (inst *Instance) runDeactivate(ctx context.Context) error {
	inst.mu.RLock()
	fn := inst.entries.deactivate
	inst.mu.RUnlock()
	if fn == nil {
		return nil
	}
	_, err := inst.sandbox.Call(ctx, fn)
	return err
}

// runExecute dispatches an action to the plugin's execute entry and
// returns its first result.
func (inst *Instance) runExecute(ctx context.Context, action string, data any) (any, error) {
	inst.mu.RLock()
	fn := inst.entries.execute
	st := inst.state
	inst.mu.RUnlock()

	if st != StateActive {
		return nil, lifecycleErr(inst.id, "execute", ErrPluginInactive, nil)
	}
	if fn == nil {
		return nil, lifecycleErr(inst.id, "execute", ErrNoExecute, nil)
	}

	results, err := inst.sandbox.Call(ctx, fn, action, data)
	if err != nil {
		return nil, lifecycleErr(inst.id, "execute", ErrExecutionFailed, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// effectiveSettings merges manifest defaults with the stored overlay.
func (inst *Instance) effectiveSettings() map[string]any {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return mergeSettings(inst.manifest.Settings, inst.settings)
}

// applySettings validates changes against the manifest's setting specs
// and folds them into the overlay.
func (inst *Instance) applySettings(changes map[string]any) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if err := validateSettings(inst.manifest.Settings, changes); err != nil {
		return err
	}
	if inst.settings == nil {
		inst.settings = make(map[string]any, len(changes))
	}
	for k, v := range changes {
		inst.settings[k] = v
	}
	return nil
}
