package api

import (
	"context"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
	"github.com/graft-dev/graft/pkg/plugin/storage"
)

// StorageAPI is the permission-gated view of the plugin's own storage
// namespaces. The plugin id is fixed at construction, so no call can name
// another plugin's namespace; the capability check is per scope.
type StorageAPI struct {
	pluginID string
	checker  *security.Checker
	store    *storage.Store
}

func newStorageAPI(pluginID string, checker *security.Checker, store *storage.Store) *StorageAPI {
	return &StorageAPI{pluginID: pluginID, checker: checker, store: store}
}

func scopeCapability(scope storage.Scope) security.Capability {
	if scope == storage.ScopeSession {
		return security.CapabilityStorageSession
	}
	return security.CapabilityStorageLocal
}

// Get reads a key. The bool reports presence.
func (a *StorageAPI) Get(scope storage.Scope, key string) (any, bool, error) {
	if err := a.checker.Require(scopeCapability(scope), "storage get"); err != nil {
		return nil, false, err
	}
	value, ok := a.store.Get(a.pluginID, scope, key)
	return value, ok, nil
}

// Set writes a key.
func (a *StorageAPI) Set(scope storage.Scope, key string, value any) error {
	if err := a.checker.Require(scopeCapability(scope), "storage set"); err != nil {
		return err
	}
	return a.store.Set(a.pluginID, scope, key, value)
}

// Remove deletes a key.
func (a *StorageAPI) Remove(scope storage.Scope, key string) error {
	if err := a.checker.Require(scopeCapability(scope), "storage remove"); err != nil {
		return err
	}
	return a.store.Remove(a.pluginID, scope, key)
}

// Clear empties the scope's namespace.
func (a *StorageAPI) Clear(scope storage.Scope) error {
	if err := a.checker.Require(scopeCapability(scope), "storage clear"); err != nil {
		return err
	}
	a.store.Clear(a.pluginID, scope)
	return nil
}

// Keys lists the scope's top-level keys.
func (a *StorageAPI) Keys(scope storage.Scope) ([]string, error) {
	if err := a.checker.Require(scopeCapability(scope), "storage keys"); err != nil {
		return nil, err
	}
	return a.store.Keys(a.pluginID, scope), nil
}

// installLua exposes the local namespace at the module top level and the
// session namespace under .session, mirroring the browser localStorage /
// sessionStorage split.
func (a *StorageAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := a.scopeTable(L, b, storage.ScopeLocal)
	L.SetField(t, "session", a.scopeTable(L, b, storage.ScopeSession))
	return t
}

func (a *StorageAPI) scopeTable(L *glua.LState, b *lua.Bridge, scope storage.Scope) *glua.LTable {
	t := L.NewTable()

	L.SetField(t, "get", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		key, err := requireString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		value, ok, err := a.Get(scope, key)
		if err != nil || !ok {
			return nil, err
		}
		return value, nil
	})))
	L.SetField(t, "set", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		key, err := requireString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		var value any
		if len(args) > 1 {
			value = args[1]
		}
		return nil, a.Set(scope, key, value)
	})))
	L.SetField(t, "remove", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		key, err := requireString(args, 0, "key")
		if err != nil {
			return nil, err
		}
		return nil, a.Remove(scope, key)
	})))
	L.SetField(t, "clear", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		return nil, a.Clear(scope)
	})))
	L.SetField(t, "keys", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		keys, err := a.Keys(scope)
		if err != nil {
			return nil, err
		}
		return keys, nil
	})))

	return t
}
