package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/graft-dev/graft/internal/logger"
	"github.com/graft-dev/graft/pkg/event"
	"github.com/graft-dev/graft/pkg/plugin/api"
	"github.com/graft-dev/graft/pkg/plugin/hook"
	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
	"github.com/graft-dev/graft/pkg/plugin/storage"
)

// Manager owns the plugin lifecycle end to end: validating manifests,
// evaluating plugin code in sandboxes, activation and deactivation,
// action dispatch, settings, and teardown. All methods are safe for
// concurrent use.
type Manager struct {
	host    api.Host
	fetcher api.Fetcher
	log     zerolog.Logger

	hooks  *hook.Bus
	events *event.Bus
	store  *storage.Store

	limits          security.ResourceLimits
	networkAllow    []string
	networkBlock    []string
	platformVersion string
	storageQuota    int

	mu        sync.RWMutex
	plugins   map[string]*Instance
	loadOrder []string
	closed    bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Components derive per-plugin
// child loggers from it.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithLimits sets the resource ceilings applied to every sandbox.
func WithLimits(limits security.ResourceLimits) Option {
	return func(m *Manager) {
		m.limits = limits
	}
}

// WithNetworkPolicy sets the host allowlist and blocklist applied to
// plugin network access. An empty allowlist refuses every host, so
// network access stays deny-by-default even for plugins holding
// network:fetch.
func WithNetworkPolicy(allowed, blocked []string) Option {
	return func(m *Manager) {
		m.networkAllow = allowed
		m.networkBlock = blocked
	}
}

// WithPlatformVersion sets the version manifests declare compatibility
// against. Empty skips compatibility checks.
func WithPlatformVersion(version string) Option {
	return func(m *Manager) {
		m.platformVersion = version
	}
}

// WithStorageQuota sets the per-namespace storage quota in bytes.
func WithStorageQuota(bytes int) Option {
	return func(m *Manager) {
		m.storageQuota = bytes
	}
}

// WithFetcher replaces the HTTP transport behind the fetch API.
func WithFetcher(f api.Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// NewManager creates a Manager bound to the given host services. A nil
// host leaves every data and UI operation unsupported; permission checks
// still apply before the host is consulted.
func NewManager(host api.Host, opts ...Option) *Manager {
	m := &Manager{
		host:         host,
		log:          logger.Nop(),
		limits:       security.DefaultResourceLimits(),
		storageQuota: storage.DefaultQuota,
		plugins:      make(map[string]*Instance),
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.events = event.NewBus(m.log)
	m.hooks = hook.NewBus(m.log)
	m.store = storage.New(
		storage.WithQuota(m.storageQuota),
		storage.WithEvents(m.events),
		storage.WithLogger(m.log),
	)
	return m
}

// idLock returns the mutex serializing lifecycle transitions for one
// plugin id. Locks are kept for the manager's lifetime so identity
// survives unload and reload.
func (m *Manager) idLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.plugins[id]
	return inst, ok
}

// Load validates the manifest, evaluates the plugin source in a fresh
// sandbox, and registers the plugin in the Loaded state. The API surface
// is installed before evaluation so top-level code can register hooks.
// When any step fails nothing is registered: hook registrations made by
// the failing code are retracted, its storage writes dropped, and the
// sandbox closed.
func (m *Manager) Load(ctx context.Context, manifest *Manifest, source string, initialSettings map[string]any) (*Instance, error) {
	if m.isClosed() {
		return nil, lifecycleErr("", "load", ErrManagerClosed, nil)
	}
	if manifest == nil {
		return nil, lifecycleErr("", "load", ErrInvalidManifest, errors.New("manifest is nil"))
	}

	man := manifest.Clone()
	if err := man.Validate(); err != nil {
		return nil, &LifecycleError{PluginID: man.ID, Op: "load", Err: err}
	}
	if !man.CompatibleWith(m.platformVersion) {
		return nil, lifecycleErr(man.ID, "load", ErrIncompatible,
			fmt.Errorf("platform version %q outside declared range", m.platformVersion))
	}
	if err := validateSettings(man.Settings, initialSettings); err != nil {
		return nil, &LifecycleError{PluginID: man.ID, Op: "load", Err: err}
	}

	lock := m.idLock(man.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, exists := m.get(man.ID); exists {
		return nil, lifecycleErr(man.ID, "load", ErrPluginExists, nil)
	}

	inst, err := m.buildInstance(ctx, man, source, initialSettings)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(inst)
		return nil, lifecycleErr(man.ID, "load", ErrManagerClosed, nil)
	}
	m.plugins[man.ID] = inst
	m.loadOrder = append(m.loadOrder, man.ID)
	m.mu.Unlock()

	m.log.Info().
		Str("plugin", man.ID).
		Str("version", man.Version).
		Msg("plugin loaded")
	m.events.Publish(event.Event{
		Topic:    event.TopicPluginLoaded,
		PluginID: man.ID,
		Data:     map[string]any{"version": man.Version},
	})
	return inst, nil
}

// buildInstance creates the sandbox, installs the API surface, runs the
// plugin source, and resolves its entry points.
func (m *Manager) buildInstance(ctx context.Context, man *Manifest, source string, initialSettings map[string]any) (*Instance, error) {
	checker := security.NewChecker(man.ID, man.Permissions)
	checker.SetNetworkPolicy(m.networkAllow, m.networkBlock)

	sb, err := lua.New(man.ID,
		lua.WithMemoryLimit(m.limits.MemoryLimit),
		lua.WithStackDepth(m.limits.StackDepth),
		lua.WithTimeout(m.limits.ExecutionTimeout),
		lua.WithLogger(m.log),
	)
	if err != nil {
		return nil, lifecycleErr(man.ID, "load", ErrExecutionFailed, err)
	}

	inst := &Instance{
		id:       man.ID,
		manifest: man,
		sandbox:  sb,
		checker:  checker,
		state:    StateLoaded,
		loadedAt: time.Now(),
	}
	if len(initialSettings) > 0 {
		inst.settings = make(map[string]any, len(initialSettings))
		for k, v := range initialSettings {
			inst.settings[k] = v
		}
	}

	apiCtx, err := api.NewContext(api.Config{
		PluginID: man.ID,
		Checker:  checker,
		Sandbox:  sb,
		Hooks:    m.hooks,
		Store:    m.store,
		Settings: instanceSettings{m: m, inst: inst},
		Host:     m.host,
		Fetcher:  m.fetcher,
		Limits:   m.limits,
		Log:      logger.Component(m.log, "plugin."+man.ID),
	})
	if err != nil {
		m.discard(inst)
		return nil, lifecycleErr(man.ID, "load", ErrExecutionFailed, err)
	}
	inst.apiCtx = apiCtx

	if err := apiCtx.Install(ctx); err != nil {
		m.discard(inst)
		return nil, lifecycleErr(man.ID, "load", ErrExecutionFailed, err)
	}
	ret, err := sb.Execute(ctx, man.Main, source)
	if err != nil {
		m.discard(inst)
		return nil, lifecycleErr(man.ID, "load", ErrExecutionFailed, err)
	}
	if err := inst.resolveEntries(ctx, ret); err != nil {
		m.discard(inst)
		return nil, lifecycleErr(man.ID, "load", ErrExecutionFailed, err)
	}
	return inst, nil
}

// discard rolls back the side effects of a rejected load.
func (m *Manager) discard(inst *Instance) {
	m.hooks.RemoveOwner(inst.id)
	m.store.ClearAll(inst.id)
	if err := inst.sandbox.Close(); err != nil {
		m.log.Warn().Err(err).Str("plugin", inst.id).Msg("closing sandbox after failed load")
	}
}

// Activate transitions a plugin to Active, running its activate entry
// with the API table. Activating an already active plugin is a no-op.
// On failure the plugin keeps its previous state, and hook registrations
// made at load time survive.
func (m *Manager) Activate(ctx context.Context, id string) error {
	if m.isClosed() {
		return lifecycleErr(id, "activate", ErrManagerClosed, nil)
	}
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := m.get(id)
	if !ok {
		return lifecycleErr(id, "activate", ErrPluginNotFound, nil)
	}
	if inst.State() == StateActive {
		return nil
	}

	if err := inst.runActivate(ctx); err != nil {
		return lifecycleErr(id, "activate", ErrActivationFailed, err)
	}
	inst.setState(StateActive)

	m.log.Info().Str("plugin", id).Msg("plugin activated")
	m.events.Publish(event.Event{Topic: event.TopicPluginActivated, PluginID: id})
	return nil
}

// Deactivate runs a plugin's deactivate entry, retracts all of its hook
// registrations, clears its session storage, and transitions it to
// Inactive. Deactivating a plugin that is not active is a no-op; an
// unknown id is an error. When the deactivate entry fails the plugin
// stays active and its registrations stay in place.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	if m.isClosed() {
		return lifecycleErr(id, "deactivate", ErrManagerClosed, nil)
	}
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := m.get(id)
	if !ok {
		return lifecycleErr(id, "deactivate", ErrPluginNotFound, nil)
	}
	if inst.State() != StateActive {
		return nil
	}

	if err := inst.runDeactivate(ctx); err != nil {
		return lifecycleErr(id, "deactivate", ErrDeactivationFailed, err)
	}
	removed := m.hooks.RemoveOwner(id)
	m.store.Clear(id, storage.ScopeSession)
	inst.setState(StateInactive)

	m.log.Info().Str("plugin", id).Int("hooks_removed", removed).Msg("plugin deactivated")
	m.events.Publish(event.Event{Topic: event.TopicPluginDeactivated, PluginID: id})
	return nil
}

// Unload removes a plugin entirely. Active plugins are deactivated
// first; a failing deactivate entry is logged and does not stop the
// unload. Hook registrations are retracted, both storage scopes
// dropped, and the sandbox closed. Unloading an unknown id is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	if m.isClosed() {
		return lifecycleErr(id, "unload", ErrManagerClosed, nil)
	}
	lock := m.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.unloadLocked(ctx, id)
	return nil
}

func (m *Manager) unloadLocked(ctx context.Context, id string) {
	inst, ok := m.get(id)
	if !ok {
		return
	}

	if inst.State() == StateActive {
		if err := inst.runDeactivate(ctx); err != nil {
			m.log.Warn().Err(err).Str("plugin", id).Msg("deactivate entry failed during unload")
		}
	}

	m.hooks.RemoveOwner(id)
	m.store.ClearAll(id)
	if err := inst.sandbox.Close(); err != nil {
		m.log.Warn().Err(err).Str("plugin", id).Msg("closing sandbox")
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.loadOrder = slices.DeleteFunc(m.loadOrder, func(s string) bool { return s == id })
	m.mu.Unlock()

	m.log.Info().Str("plugin", id).Msg("plugin unloaded")
	m.events.Publish(event.Event{Topic: event.TopicPluginUnloaded, PluginID: id})
}

// Execute dispatches an action to a plugin's execute entry and returns
// its result. The plugin must be active and must export execute.
func (m *Manager) Execute(ctx context.Context, id, action string, data any) (any, error) {
	if m.isClosed() {
		return nil, lifecycleErr(id, "execute", ErrManagerClosed, nil)
	}
	inst, ok := m.get(id)
	if !ok {
		return nil, lifecycleErr(id, "execute", ErrPluginNotFound, nil)
	}
	return inst.runExecute(ctx, action, data)
}

// UpdateSettings validates a settings patch against the plugin's
// manifest and applies it, emitting plugin:settings:updated.
func (m *Manager) UpdateSettings(id string, changes map[string]any) error {
	inst, ok := m.get(id)
	if !ok {
		return lifecycleErr(id, "update settings", ErrPluginNotFound, nil)
	}
	return m.applyInstanceSettings(inst, changes)
}

// EffectiveSettings returns the plugin's manifest defaults overlaid with
// its stored values.
func (m *Manager) EffectiveSettings(id string) (map[string]any, error) {
	inst, ok := m.get(id)
	if !ok {
		return nil, lifecycleErr(id, "settings", ErrPluginNotFound, nil)
	}
	return inst.effectiveSettings(), nil
}

func (m *Manager) applyInstanceSettings(inst *Instance, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	if err := inst.applySettings(changes); err != nil {
		return &LifecycleError{PluginID: inst.id, Op: "update settings", Err: err}
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	m.events.Publish(event.Event{
		Topic:    event.TopicSettingsUpdated,
		PluginID: inst.id,
		Data:     map[string]any{"keys": keys},
	})
	return nil
}

// instanceSettings adapts one instance to api.SettingsAccess. It is
// bound per instance so settings resolve during load, before the plugin
// appears in the registry.
type instanceSettings struct {
	m    *Manager
	inst *Instance
}

func (s instanceSettings) EffectiveSettings(string) map[string]any {
	return s.inst.effectiveSettings()
}

func (s instanceSettings) UpdateSettings(_ string, changes map[string]any) error {
	return s.m.applyInstanceSettings(s.inst, changes)
}

// Get returns the loaded plugin with the given id.
func (m *Manager) Get(id string) (*Instance, bool) {
	return m.get(id)
}

// List returns snapshots of every loaded plugin in load order.
func (m *Manager) List() []Info {
	return m.list(func(*Instance) bool { return true })
}

// ListActive returns snapshots of active plugins in load order.
func (m *Manager) ListActive() []Info {
	return m.list(func(inst *Instance) bool { return inst.State() == StateActive })
}

func (m *Manager) list(keep func(*Instance) bool) []Info {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		if inst, ok := m.plugins[id]; ok {
			insts = append(insts, inst)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(insts))
	for _, inst := range insts {
		if keep(inst) {
			infos = append(infos, inst.Info())
		}
	}
	return infos
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// ApplyFilter runs value through the named filter chain and returns the
// final value.
func (m *Manager) ApplyFilter(ctx context.Context, name string, value any, args ...any) any {
	return m.hooks.ApplyFilter(ctx, name, value, args...)
}

// DoAction notifies every callback registered on the named action.
func (m *Manager) DoAction(ctx context.Context, name string, args ...any) {
	m.hooks.DoAction(ctx, name, args...)
}

// Hooks exposes the hook bus, letting the host register its own
// callbacks alongside plugin ones.
func (m *Manager) Hooks() *hook.Bus {
	return m.hooks
}

// Events exposes the lifecycle event bus.
func (m *Manager) Events() *event.Bus {
	return m.events
}

// Storage exposes the namespaced plugin store.
func (m *Manager) Storage() *storage.Store {
	return m.store
}

// Close unloads every plugin in reverse load order and rejects further
// lifecycle operations. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := slices.Clone(m.loadOrder)
	m.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		lock := m.idLock(ids[i])
		lock.Lock()
		m.unloadLocked(ctx, ids[i])
		lock.Unlock()
	}
	return nil
}
