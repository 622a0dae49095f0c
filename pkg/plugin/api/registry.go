package api

import (
	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// Module is one named group of functions injected under the graft global
// and reachable as require("graft.<name>").
type Module struct {
	// Name keys the module's table in the graft global.
	Name string

	// Capabilities gates injection. Empty means always injected;
	// otherwise the module is injected when any one is held. Injection
	// gating is an optimization for discoverability, not the enforcement
	// point: injected functions still check per call.
	Capabilities []security.Capability

	// Build constructs the module's Lua table inside the sandbox.
	Build func(L *glua.LState, b *lua.Bridge) glua.LValue
}

var dataCapabilities = []security.Capability{
	security.CapabilityReadProducts,
	security.CapabilityWriteProducts,
	security.CapabilityReadPosts,
	security.CapabilityWritePosts,
	security.CapabilityReadAnalytics,
	security.CapabilityWriteAnalytics,
	security.CapabilityReadSettings,
}

var storageCapabilities = []security.Capability{
	security.CapabilityStorageLocal,
	security.CapabilityStorageSession,
}

var uiCapabilities = []security.Capability{
	security.CapabilityUIModal,
	security.CapabilityUINotification,
	security.CapabilityUISidebar,
}

// modules lists the built-in surface in injection order.
func (c *Context) modules() []Module {
	mods := []Module{
		{Name: "data", Capabilities: dataCapabilities, Build: c.data.installLua},
		{Name: "http", Capabilities: []security.Capability{security.CapabilityNetworkFetch}, Build: c.http.installLua},
		{Name: "ui", Capabilities: uiCapabilities, Build: c.ui.installLua},
		{Name: "external", Capabilities: []security.Capability{security.CapabilityExternalAPI}, Build: c.external.installLua},
	}

	if c.storage != nil {
		mods = append(mods, Module{Name: "storage", Capabilities: storageCapabilities, Build: c.storage.installLua})
	}
	if c.settings != nil {
		mods = append(mods, Module{Name: "settings", Build: c.settings.installLua})
	}
	if c.hooks != nil {
		mods = append(mods, Module{Name: "hooks", Build: c.hooks.installLua})
	}

	mods = append(mods,
		Module{Name: "util", Build: installUtilLua},
		Module{Name: "log", Build: func(L *glua.LState, _ *lua.Bridge) glua.LValue {
			return installLogLua(L, c.log)
		}},
	)
	return mods
}

func (c *Context) granted(m Module) bool {
	if len(m.Capabilities) == 0 {
		return true
	}
	for _, capability := range m.Capabilities {
		if c.checker.Has(capability) {
			return true
		}
	}
	return false
}
