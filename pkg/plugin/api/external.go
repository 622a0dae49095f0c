package api

import (
	"context"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// ExternalAPI is the escape hatch to host-mediated external services.
// The host decides which (service, method) pairs exist; the core only
// enforces the capability and attributes the call to the plugin.
type ExternalAPI struct {
	pluginID string
	checker  *security.Checker
	external ExternalService
}

func newExternalAPI(pluginID string, checker *security.Checker, host Host) *ExternalAPI {
	return &ExternalAPI{pluginID: pluginID, checker: checker, external: host}
}

// Call invokes method on the named external service.
func (a *ExternalAPI) Call(ctx context.Context, service, method string, params map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityExternalAPI, "callExternal"); err != nil {
		return nil, err
	}
	return a.external.CallExternal(ctx, a.pluginID, service, method, params)
}

func (a *ExternalAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	L.SetField(t, "call", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		service, err := requireString(args, 0, "service")
		if err != nil {
			return nil, err
		}
		method, err := requireString(args, 1, "method")
		if err != nil {
			return nil, err
		}
		result, err := a.Call(ctx, service, method, optionalMap(args, 2))
		return anyRecord(result), err
	})))

	return t
}
