// Package api builds the permission-gated surface a plugin sees. Every
// host capability crosses one of the typed wrappers here, and every
// wrapper re-checks the plugin's capability set on each call before
// delegating to the host implementation.
//
// A Context has two faces. Install injects it into the plugin's sandbox
// as the graft global, so Lua code calls graft.data.getPosts and friends.
// The same wrappers are exported as Go methods, so the host can invoke an
// operation on a plugin's behalf and get the identical permission
// enforcement.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/hook"
	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
	"github.com/graft-dev/graft/pkg/plugin/storage"
)

// ErrNotSupported is returned by UnimplementedHost for every operation.
// Hosts embed UnimplementedHost and override what they actually provide.
var ErrNotSupported = errors.New("not supported by host")

// ProductService is the host's commerce data plane.
type ProductService interface {
	GetProducts(ctx context.Context, query map[string]any) ([]map[string]any, error)
	GetProduct(ctx context.Context, id string) (map[string]any, error)
	UpdateProduct(ctx context.Context, id string, fields map[string]any) (map[string]any, error)
}

// PostService is the host's content data plane.
type PostService interface {
	GetPosts(ctx context.Context, query map[string]any) ([]map[string]any, error)
	GetPost(ctx context.Context, id string) (map[string]any, error)
	CreatePost(ctx context.Context, fields map[string]any) (map[string]any, error)
	UpdatePost(ctx context.Context, id string, fields map[string]any) (map[string]any, error)
}

// AnalyticsService queries and records analytics data.
type AnalyticsService interface {
	GetAnalytics(ctx context.Context, query map[string]any) (map[string]any, error)
	TrackEvent(ctx context.Context, name string, props map[string]any) error
}

// PlatformService exposes tenant identity and platform settings.
type PlatformService interface {
	GetTenant(ctx context.Context) (map[string]any, error)
	GetSettings(ctx context.Context) (map[string]any, error)
}

// UIService renders plugin-initiated UI. Calls are fire-and-forget except
// ShowModal, which resolves to the modal's result payload.
type UIService interface {
	ShowModal(ctx context.Context, pluginID string, opts map[string]any) (map[string]any, error)
	ShowNotification(ctx context.Context, pluginID, message, level string) error
	AddSidebarItem(ctx context.Context, pluginID string, item map[string]any) error
}

// ExternalService mediates calls to services outside the platform.
type ExternalService interface {
	CallExternal(ctx context.Context, pluginID, service, method string, params map[string]any) (map[string]any, error)
}

// Host is everything a platform provides to plugins. The core adds the
// permission gate in front of each method and nothing else.
type Host interface {
	ProductService
	PostService
	AnalyticsService
	PlatformService
	UIService
	ExternalService
}

// UnimplementedHost returns ErrNotSupported from every method. Embed it
// to satisfy Host while providing only part of the surface.
type UnimplementedHost struct{}

func (UnimplementedHost) GetProducts(context.Context, map[string]any) ([]map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) GetProduct(context.Context, string) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) UpdateProduct(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) GetPosts(context.Context, map[string]any) ([]map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) GetPost(context.Context, string) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) CreatePost(context.Context, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) UpdatePost(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) GetAnalytics(context.Context, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) TrackEvent(context.Context, string, map[string]any) error {
	return ErrNotSupported
}

func (UnimplementedHost) GetTenant(context.Context) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) GetSettings(context.Context) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) ShowModal(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

func (UnimplementedHost) ShowNotification(context.Context, string, string, string) error {
	return ErrNotSupported
}

func (UnimplementedHost) AddSidebarItem(context.Context, string, map[string]any) error {
	return ErrNotSupported
}

func (UnimplementedHost) CallExternal(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	return nil, ErrNotSupported
}

// HookRegistrar is the slice of the hook bus plugins may drive:
// registration and owner-scoped removal, never dispatch. Keeping dispatch
// host-side means a callback can never re-enter its own sandbox from
// inside an evaluation. Satisfied by hook.Bus.
type HookRegistrar interface {
	AddFilter(name, owner string, priority int, fn hook.FilterFunc)
	AddAction(name, owner string, priority int, fn hook.ActionFunc)
	RemoveFilter(name, owner string) int
	RemoveAction(name, owner string) int
}

// SettingsAccess reads and writes a plugin's effective settings. The
// plugin manager implements it; updates run the manifest's declared
// validation.
type SettingsAccess interface {
	EffectiveSettings(pluginID string) map[string]any
	UpdateSettings(pluginID string, changes map[string]any) error
}

// Config wires a Context to one plugin's sandbox and the shared services.
type Config struct {
	PluginID string
	Checker  *security.Checker
	Sandbox  *lua.Sandbox
	Hooks    HookRegistrar
	Store    *storage.Store
	Settings SettingsAccess
	Host     Host
	Fetcher  Fetcher
	Limits   security.ResourceLimits
	Log      zerolog.Logger
}

// Context is one plugin's view of the host.
type Context struct {
	pluginID string
	checker  *security.Checker
	sandbox  *lua.Sandbox

	data     *DataAPI
	http     *HTTPAPI
	ui       *UIAPI
	storage  *StorageAPI
	settings *SettingsAPI
	hooks    *HooksAPI
	external *ExternalAPI

	log   zerolog.Logger
	table *glua.LTable
}

// NewContext assembles the permission-gated surface for one plugin.
func NewContext(cfg Config) (*Context, error) {
	if cfg.PluginID == "" {
		return nil, errors.New("api: plugin id is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("api: permission checker is required")
	}
	if cfg.Sandbox == nil {
		return nil, errors.New("api: sandbox is required")
	}
	if cfg.Host == nil {
		cfg.Host = UnimplementedHost{}
	}

	log := cfg.Log.With().Str("plugin_id", cfg.PluginID).Logger()

	c := &Context{
		pluginID: cfg.PluginID,
		checker:  cfg.Checker,
		sandbox:  cfg.Sandbox,
		log:      log,
	}
	c.data = newDataAPI(cfg.PluginID, cfg.Checker, cfg.Host)
	c.http = newHTTPAPI(cfg.PluginID, cfg.Checker, cfg.Fetcher, cfg.Limits)
	c.ui = newUIAPI(cfg.PluginID, cfg.Checker, cfg.Host)
	c.external = newExternalAPI(cfg.PluginID, cfg.Checker, cfg.Host)
	if cfg.Store != nil {
		c.storage = newStorageAPI(cfg.PluginID, cfg.Checker, cfg.Store)
	}
	if cfg.Settings != nil {
		c.settings = newSettingsAPI(cfg.PluginID, cfg.Checker, cfg.Settings)
	}
	if cfg.Hooks != nil {
		c.hooks = newHooksAPI(cfg.PluginID, cfg.Hooks, cfg.Sandbox, log)
	}
	return c, nil
}

// PluginID returns the plugin this context belongs to.
func (c *Context) PluginID() string {
	return c.pluginID
}

// Data returns the gated data API, for host-driven calls on the plugin's
// behalf.
func (c *Context) Data() *DataAPI {
	return c.data
}

// HTTP returns the gated fetch API.
func (c *Context) HTTP() *HTTPAPI {
	return c.http
}

// UI returns the gated UI API.
func (c *Context) UI() *UIAPI {
	return c.ui
}

// Storage returns the gated storage API, or nil when the context was
// built without a store.
func (c *Context) Storage() *StorageAPI {
	return c.storage
}

// Settings returns the gated settings API, or nil when the context was
// built without settings access.
func (c *Context) Settings() *SettingsAPI {
	return c.settings
}

// Hooks returns the registration surface, or nil when the context was
// built without a hook bus.
func (c *Context) Hooks() *HooksAPI {
	return c.hooks
}

// External returns the gated external call API.
func (c *Context) External() *ExternalAPI {
	return c.external
}

// Table returns the installed graft table, or nil before Install. The
// manager passes it to the plugin's activate entry.
func (c *Context) Table() *glua.LTable {
	return c.table
}

// Install injects the surface into the sandbox as the graft global and
// preloads it and its modules for require. Must run before the plugin
// source is evaluated so top-level code already sees the API.
//
// Modules are doubly gated: one whose capabilities are all absent is not
// injected at all, and the functions of an injected module still check
// the capability on every call.
func (c *Context) Install(ctx context.Context) error {
	return c.sandbox.Do(ctx, "install api", func(L *glua.LState) error {
		b := lua.NewBridge(L)

		root := L.NewTable()
		L.SetField(root, "id", glua.LString(c.pluginID))

		for _, mod := range c.modules() {
			if !c.granted(mod) {
				continue
			}
			table := mod.Build(L, b)
			L.SetField(root, mod.Name, table)
			preload(L, lua.HostModule+"."+mod.Name, table)
		}

		// The WordPress-style shorthand: graft.on(name, fn) registers an
		// action callback.
		if hooks := L.GetField(root, "hooks"); hooks != glua.LNil {
			L.SetField(root, "on", L.GetField(hooks, "on"))
		}

		L.SetGlobal(lua.HostModule, root)
		preload(L, lua.HostModule, root)

		c.table = root
		return nil
	})
}

func preload(L *glua.LState, name string, value glua.LValue) {
	L.PreloadModule(name, func(L *glua.LState) int {
		L.Push(value)
		return 1
	})
}

// Argument helpers for WrapGoFunc closures. Missing and nil arguments
// report as absent rather than as conversion failures.

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argMap(args []any, i int) (map[string]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

func requireString(args []any, i int, what string) (string, error) {
	s, ok := argString(args, i)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return s, nil
}

func optionalMap(args []any, i int) map[string]any {
	m, _ := argMap(args, i)
	return m
}
