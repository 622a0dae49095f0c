package api

import (
	"context"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// SettingsAPI reads and writes the plugin's own settings. Reading needs
// no capability since the values were declared by the plugin's manifest;
// writing is gated so review can flag plugins that reconfigure
// themselves.
type SettingsAPI struct {
	pluginID string
	checker  *security.Checker
	settings SettingsAccess
}

func newSettingsAPI(pluginID string, checker *security.Checker, settings SettingsAccess) *SettingsAPI {
	return &SettingsAPI{pluginID: pluginID, checker: checker, settings: settings}
}

// Get reads one effective setting. Absent keys return nil.
func (a *SettingsAPI) Get(name string) any {
	return a.settings.EffectiveSettings(a.pluginID)[name]
}

// GetAll returns the full effective settings map.
func (a *SettingsAPI) GetAll() map[string]any {
	return a.settings.EffectiveSettings(a.pluginID)
}

// Set updates one setting, running the manifest's declared validation.
func (a *SettingsAPI) Set(name string, value any) error {
	if err := a.checker.Require(security.CapabilityWriteSettings, "settings set"); err != nil {
		return err
	}
	return a.settings.UpdateSettings(a.pluginID, map[string]any{name: value})
}

// Update applies several settings at once.
func (a *SettingsAPI) Update(changes map[string]any) error {
	if err := a.checker.Require(security.CapabilityWriteSettings, "settings update"); err != nil {
		return err
	}
	return a.settings.UpdateSettings(a.pluginID, changes)
}

func (a *SettingsAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	L.SetField(t, "get", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		name, err := requireString(args, 0, "setting name")
		if err != nil {
			return nil, err
		}
		return a.Get(name), nil
	})))
	L.SetField(t, "getAll", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		return a.GetAll(), nil
	})))
	L.SetField(t, "set", L.NewFunction(b.WrapGoFuncCtx(func(_ context.Context, args []any) (any, error) {
		name, err := requireString(args, 0, "setting name")
		if err != nil {
			return nil, err
		}
		var value any
		if len(args) > 1 {
			value = args[1]
		}
		return nil, a.Set(name, value)
	})))

	return t
}
