package api

import (
	"context"

	"github.com/rs/zerolog"
	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/hook"
	"github.com/graft-dev/graft/pkg/plugin/lua"
)

// DefaultPriority is used when a registration names none. Lower runs
// earlier.
const DefaultPriority = 10

// HooksAPI lets a plugin register filter and action callbacks under its
// own id. The callbacks are Go closures that route back through the
// plugin's sandbox executor, so a filter chain crossing several plugins
// hops between their interpreters without sharing state.
//
// The surface registers and removes; it cannot dispatch. Dispatch stays
// host-side, which keeps a callback from re-entering its own sandbox in
// the middle of an evaluation.
type HooksAPI struct {
	pluginID string
	hooks    HookRegistrar
	sandbox  *lua.Sandbox
	log      zerolog.Logger
}

func newHooksAPI(pluginID string, hooks HookRegistrar, sandbox *lua.Sandbox, log zerolog.Logger) *HooksAPI {
	return &HooksAPI{
		pluginID: pluginID,
		hooks:    hooks,
		sandbox:  sandbox,
		log:      log,
	}
}

// RemoveAll retracts every registration owned by the plugin for the
// given hook name.
func (h *HooksAPI) RemoveAll(name string) int {
	return h.hooks.RemoveFilter(name, h.pluginID) + h.hooks.RemoveAction(name, h.pluginID)
}

func (h *HooksAPI) wrapFilter(fn *glua.LFunction) hook.FilterFunc {
	return func(ctx context.Context, value any, args ...any) (any, error) {
		callArgs := make([]any, 0, len(args)+1)
		callArgs = append(callArgs, value)
		callArgs = append(callArgs, args...)

		results, err := h.sandbox.Call(ctx, fn, callArgs...)
		if err != nil {
			return value, err
		}
		if len(results) == 0 {
			return value, nil
		}
		return results[0], nil
	}
}

func (h *HooksAPI) wrapAction(fn *glua.LFunction) hook.ActionFunc {
	return func(ctx context.Context, args ...any) error {
		_, err := h.sandbox.Call(ctx, fn, args...)
		return err
	}
}

func (h *HooksAPI) installLua(L *glua.LState, _ *lua.Bridge) glua.LValue {
	t := L.NewTable()

	addFilter := L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		priority := L.OptInt(3, DefaultPriority)
		h.hooks.AddFilter(name, h.pluginID, priority, h.wrapFilter(fn))
		return 0
	})
	addAction := L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		fn := L.CheckFunction(2)
		priority := L.OptInt(3, DefaultPriority)
		h.hooks.AddAction(name, h.pluginID, priority, h.wrapAction(fn))
		return 0
	})

	L.SetField(t, "addFilter", addFilter)
	L.SetField(t, "addAction", addAction)
	L.SetField(t, "on", addAction)
	L.SetField(t, "removeFilter", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		L.Push(glua.LNumber(h.hooks.RemoveFilter(name, h.pluginID)))
		return 1
	}))
	L.SetField(t, "removeAction", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		L.Push(glua.LNumber(h.hooks.RemoveAction(name, h.pluginID)))
		return 1
	}))

	return t
}
