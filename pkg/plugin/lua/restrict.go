package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// HostModule is the namespace plugins use to reach host functionality,
// both as a global table and through require("graft.xxx").
const HostModule = "graft"

// openSafeLibraries opens the standard libraries plugins may use. The
// package library goes first so the ones after it register into
// package.loaded, which require and PreloadModule depend on.
//
// io, os, and debug stay closed. Plugins reach the outside world only
// through the host modules, never through interpreter built-ins.
func openSafeLibraries(L *lua.LState) {
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// restrict removes the escape hatches the base library ships with and
// replaces require and print with sandboxed versions.
func (s *Sandbox) restrict() {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.redirectPrint()
	s.installSafeRequire()
}

// redirectPrint routes print output to the sandbox logger instead of
// the host's stdout.
func (s *Sandbox) redirectPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.log.Debug().Str("plugin_id", s.pluginID).Msg(strings.Join(parts, "\t"))
		return 0
	}))
}

// installSafeRequire empties the module search paths and wraps require
// with a whitelist. Plugins can load the libraries opened above plus
// the preloaded host modules; everything else raises a Lua error they
// may pcall.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	allowed := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	original := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if !allowed[name] && name != HostModule && !strings.HasPrefix(name, HostModule+".") {
			L.RaiseError("module %q is not available", name)
			return 0
		}

		L.Push(original)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}
