package api

import (
	"context"
	"fmt"

	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
)

// Notification levels the UI surface accepts.
const (
	NotifyInfo    = "info"
	NotifySuccess = "success"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// UIAPI is the permission-gated UI surface. Each of its three operations
// has its own capability, so a plugin approved for notifications cannot
// open modals.
type UIAPI struct {
	pluginID string
	checker  *security.Checker
	ui       UIService
}

func newUIAPI(pluginID string, checker *security.Checker, host Host) *UIAPI {
	return &UIAPI{pluginID: pluginID, checker: checker, ui: host}
}

// ShowModal opens a host-rendered modal and resolves to its result
// payload once the user dismisses it.
func (a *UIAPI) ShowModal(ctx context.Context, opts map[string]any) (map[string]any, error) {
	if err := a.checker.Require(security.CapabilityUIModal, "showModal"); err != nil {
		return nil, err
	}
	return a.ui.ShowModal(ctx, a.pluginID, opts)
}

// ShowNotification shows a transient host notification.
func (a *UIAPI) ShowNotification(ctx context.Context, message, level string) error {
	if err := a.checker.Require(security.CapabilityUINotification, "showNotification"); err != nil {
		return err
	}
	switch level {
	case "":
		level = NotifyInfo
	case NotifyInfo, NotifySuccess, NotifyWarning, NotifyError:
	default:
		return fmt.Errorf("unknown notification level %q", level)
	}
	return a.ui.ShowNotification(ctx, a.pluginID, message, level)
}

// AddSidebarItem contributes an entry to the host sidebar.
func (a *UIAPI) AddSidebarItem(ctx context.Context, item map[string]any) error {
	if err := a.checker.Require(security.CapabilityUISidebar, "addSidebarItem"); err != nil {
		return err
	}
	return a.ui.AddSidebarItem(ctx, a.pluginID, item)
}

func (a *UIAPI) installLua(L *glua.LState, b *lua.Bridge) glua.LValue {
	t := L.NewTable()

	L.SetField(t, "showModal", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		result, err := a.ShowModal(ctx, optionalMap(args, 0))
		return anyRecord(result), err
	})))
	L.SetField(t, "showNotification", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		message, err := requireString(args, 0, "message")
		if err != nil {
			return nil, err
		}
		level, _ := argString(args, 1)
		return nil, a.ShowNotification(ctx, message, level)
	})))
	L.SetField(t, "addSidebarItem", L.NewFunction(b.WrapGoFuncCtx(func(ctx context.Context, args []any) (any, error) {
		item, ok := argMap(args, 0)
		if !ok {
			return nil, fmt.Errorf("addSidebarItem wants an item table")
		}
		return nil, a.AddSidebarItem(ctx, item)
	})))

	return t
}
