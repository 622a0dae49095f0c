package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-dev/graft/pkg/event"
	"github.com/graft-dev/graft/pkg/plugin/api"
	"github.com/graft-dev/graft/pkg/plugin/lua"
	"github.com/graft-dev/graft/pkg/plugin/security"
	"github.com/graft-dev/graft/pkg/plugin/storage"
)

// fakeHost records the data and UI calls plugins make. Everything not
// overridden reports ErrNotSupported through UnimplementedHost.
type fakeHost struct {
	api.UnimplementedHost

	mu            sync.Mutex
	posts         []map[string]any
	getPostsCalls int
	updatedPosts  []string
	notifications []string
}

func (h *fakeHost) GetPosts(context.Context, map[string]any) ([]map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getPostsCalls++
	return h.posts, nil
}

func (h *fakeHost) UpdatePost(_ context.Context, id string, fields map[string]any) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updatedPosts = append(h.updatedPosts, id)
	return map[string]any{"id": id}, nil
}

func (h *fakeHost) ShowNotification(_ context.Context, _, message, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, message)
	return nil
}

func (h *fakeHost) postsCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.getPostsCalls
}

func (h *fakeHost) notified() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifications...)
}

func newTestManager(t *testing.T, host api.Host, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(host, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func testManifest(id string, perms ...security.Capability) *Manifest {
	return &Manifest{
		ID:          id,
		Name:        "Test " + id,
		Version:     "1.0.0",
		Author:      "test",
		Main:        "init.lua",
		Permissions: perms,
	}
}

func mustLoad(t *testing.T, m *Manager, man *Manifest, source string) *Instance {
	t.Helper()
	inst, err := m.Load(context.Background(), man, source, nil)
	require.NoError(t, err)
	return inst
}

func TestLoadActivateExecute(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("counter"), `
		local count = 0
		return {
			activate = function(g) count = count + 1 end,
			execute = function(action, data)
				if action == "bump" then
					count = count + data
				end
				return count
			end,
		}
	`)
	assert.Equal(t, StateLoaded, inst.State())
	assert.True(t, inst.HasExecute())

	require.NoError(t, m.Activate(ctx, "counter"))
	assert.Equal(t, StateActive, inst.State())

	got, err := m.Execute(ctx, "counter", "bump", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	info := inst.Info()
	assert.Equal(t, "counter", info.ID)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, 1, m.Count())
}

func TestGlobalEntryFunctions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("script-style"), `
		function activate(g)
			marker = "activated"
		end

		function execute(action)
			return marker .. ":" .. action
		end
	`)
	require.NoError(t, m.Activate(ctx, "script-style"))

	got, err := m.Execute(ctx, "script-style", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "activated:ping", got)
}

func TestLoadRejectsInvalidManifest(t *testing.T) {
	m := newTestManager(t, nil)

	man := testManifest("Bad ID!")
	_, err := m.Load(context.Background(), man, `return {}`, nil)
	assert.ErrorIs(t, err, ErrInvalidManifest)
	assert.Equal(t, 0, m.Count())

	_, err = m.Load(context.Background(), nil, `return {}`, nil)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	m := newTestManager(t, nil)

	mustLoad(t, m, testManifest("twice"), `return {}`)
	_, err := m.Load(context.Background(), testManifest("twice"), `return {}`, nil)
	assert.ErrorIs(t, err, ErrPluginExists)
	assert.Equal(t, 1, m.Count())
}

func TestLoadChecksCompatibility(t *testing.T) {
	m := newTestManager(t, nil, WithPlatformVersion("1.5.0"))

	man := testManifest("needs-v2")
	man.Compatibility = &Compatibility{Min: "2.0.0"}
	_, err := m.Load(context.Background(), man, `return {}`, nil)
	assert.ErrorIs(t, err, ErrIncompatible)

	ok := testManifest("fits")
	ok.Compatibility = &Compatibility{Min: "1.0.0", Max: "2.0.0"}
	mustLoad(t, m, ok, `return {}`)
}

func TestLoadRejectsBadInitialSettings(t *testing.T) {
	m := newTestManager(t, nil)

	man := testManifest("configurable")
	man.Settings = map[string]SettingSpec{
		"depth": {Type: SettingNumber, Min: floatPtr(1)},
	}

	_, err := m.Load(context.Background(), man, `return {}`, map[string]any{"depth": 0})
	assert.ErrorIs(t, err, ErrInvalidSettings)
	assert.Equal(t, 0, m.Count())
}

func TestLoadRollsBackFailedEvaluation(t *testing.T) {
	m := newTestManager(t, nil)

	man := testManifest("exploder", security.CapabilityStorageLocal)
	_, err := m.Load(context.Background(), man, `
		graft.on("post:created", function() end)
		graft.storage.set("marker", true)
		error("load exploded")
	`, nil)
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorContains(t, err, "load exploded")

	// Side effects of the failed evaluation are rolled back.
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, m.Hooks().ActionCount("post:created"))
	_, ok := m.Storage().Get("exploder", storage.ScopeLocal, "marker")
	assert.False(t, ok)
}

func TestActivateUnknownPlugin(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Activate(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestActivateTwiceRunsEntryOnce(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("once"), `
		local activations = 0
		return {
			activate = function() activations = activations + 1 end,
			execute = function() return activations end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "once"))
	require.NoError(t, m.Activate(ctx, "once"))

	got, err := m.Execute(ctx, "once", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestActivateFailureKeepsStateAndHooks(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("stubborn"), `
		graft.on("post:created", function() end)
		return {
			activate = function() error("not today") end,
		}
	`)
	require.Equal(t, 1, m.Hooks().ActionCount("post:created"))

	err := m.Activate(ctx, "stubborn")
	require.ErrorIs(t, err, ErrActivationFailed)
	assert.ErrorContains(t, err, "not today")

	// The failed transition leaves the plugin loaded with its load-time
	// registrations in place.
	assert.Equal(t, StateLoaded, inst.State())
	assert.Equal(t, 1, m.Hooks().ActionCount("post:created"))
}

func TestActivateEntryReceivesAPITable(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("introspect"), `
		local seen
		return {
			activate = function(g) seen = g.id end,
			execute = function() return seen end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "introspect"))

	got, err := m.Execute(ctx, "introspect", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "introspect", got)
}

func TestExecuteStateGuards(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Execute(ctx, "ghost", "run", nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)

	mustLoad(t, m, testManifest("dormant"), `
		return { execute = function() return 1 end }
	`)
	_, err = m.Execute(ctx, "dormant", "run", nil)
	assert.ErrorIs(t, err, ErrPluginInactive)

	mustLoad(t, m, testManifest("observer-only"), `
		return { activate = function() end }
	`)
	require.NoError(t, m.Activate(ctx, "observer-only"))
	_, err = m.Execute(ctx, "observer-only", "run", nil)
	assert.ErrorIs(t, err, ErrNoExecute)
}

func TestExecuteRuntimeErrorWrapped(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("faulty"), `
		return { execute = function() error("kaput") end }
	`)
	require.NoError(t, m.Activate(ctx, "faulty"))

	_, err := m.Execute(ctx, "faulty", "run", nil)
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorContains(t, err, "kaput")

	var lerr *LifecycleError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "faulty", lerr.PluginID)
}

func TestExecuteTimeoutAborts(t *testing.T) {
	limits := security.DefaultResourceLimits()
	limits.ExecutionTimeout = 150 * time.Millisecond

	m := newTestManager(t, nil, WithLimits(limits))
	ctx := context.Background()

	mustLoad(t, m, testManifest("runaway"), `
		return {
			execute = function(action)
				if action == "spin" then
					while true do end
				end
				return "pong"
			end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "runaway"))

	_, err := m.Execute(ctx, "runaway", "spin", nil)
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorIs(t, err, lua.ErrInterrupted)

	// The sandbox survives the aborted evaluation.
	got, err := m.Execute(ctx, "runaway", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestDeactivate(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("cycler",
		security.CapabilityStorageLocal, security.CapabilityStorageSession), `
		return {
			activate = function(g)
				g.hooks.addAction("report:run", function() end, 10)
				g.storage.session.set("cache", "warm")
				g.storage.set("keep", "durable")
			end,
		}
	`)

	require.NoError(t, m.Activate(ctx, "cycler"))
	require.Equal(t, 1, m.Hooks().ActionCount("report:run"))

	require.NoError(t, m.Deactivate(ctx, "cycler"))
	assert.Equal(t, StateInactive, inst.State())

	// Hooks are retracted and session storage dropped; local survives.
	assert.Equal(t, 0, m.Hooks().ActionCount("report:run"))
	_, ok := m.Storage().Get("cycler", storage.ScopeSession, "cache")
	assert.False(t, ok)
	v, ok := m.Storage().Get("cycler", storage.ScopeLocal, "keep")
	assert.True(t, ok)
	assert.Equal(t, "durable", v)

	// Deactivating again is a no-op; an unknown id is an error.
	assert.NoError(t, m.Deactivate(ctx, "cycler"))
	assert.ErrorIs(t, m.Deactivate(ctx, "ghost"), ErrPluginNotFound)

	// The plugin reactivates and re-registers through its entry.
	require.NoError(t, m.Activate(ctx, "cycler"))
	assert.Equal(t, StateActive, inst.State())
	assert.Equal(t, 1, m.Hooks().ActionCount("report:run"))
}

func TestDeactivateFailureKeepsActive(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("clingy"), `
		graft.on("tick", function() end)
		return {
			deactivate = function() error("refuses to stop") end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "clingy"))

	err := m.Deactivate(ctx, "clingy")
	require.ErrorIs(t, err, ErrDeactivationFailed)
	assert.ErrorContains(t, err, "refuses to stop")

	assert.Equal(t, StateActive, inst.State())
	assert.Equal(t, 1, m.Hooks().ActionCount("tick"))

	// Unload proceeds anyway: the failing entry is logged, not fatal.
	require.NoError(t, m.Unload(ctx, "clingy"))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, m.Hooks().ActionCount("tick"))
}

func TestUnloadRemovesEverything(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("tenant",
		security.CapabilityStorageLocal, security.CapabilityStorageSession), `
		graft.on("post:created", function() end)
		graft.storage.set("a", 1)
		graft.storage.session.set("b", 2)
	`)

	require.NoError(t, m.Unload(ctx, "tenant"))

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 0, m.Hooks().ActionCount("post:created"))
	_, ok := m.Storage().Get("tenant", storage.ScopeLocal, "a")
	assert.False(t, ok)
	_, ok = m.Storage().Get("tenant", storage.ScopeSession, "b")
	assert.False(t, ok)

	_, err := m.Execute(ctx, "tenant", "run", nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)

	// Unloading an absent plugin is a no-op.
	assert.NoError(t, m.Unload(ctx, "tenant"))
}

func TestUnloadActivePluginRunsDeactivateEntry(t *testing.T) {
	host := &fakeHost{}
	m := newTestManager(t, host)
	ctx := context.Background()

	mustLoad(t, m, testManifest("tidy", security.CapabilityUINotification), `
		return {
			deactivate = function()
				graft.ui.showNotification("cleaning up", "info")
			end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "tidy"))
	require.NoError(t, m.Unload(ctx, "tidy"))

	assert.Equal(t, []string{"cleaning up"}, host.notified())
}

func TestManagerSettings(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	man := testManifest("configurable")
	man.Settings = map[string]SettingSpec{
		"depth": {Type: SettingNumber, Default: 3, Min: floatPtr(1), Max: floatPtr(10)},
		"mode":  {Type: SettingSelect, Options: []string{"fast", "full"}, Default: "fast"},
	}

	var updates []event.Event
	m.Events().Subscribe(func(evt event.Event) {
		updates = append(updates, evt)
	}, event.TopicSettingsUpdated)

	_, err := m.Load(ctx, man, `
		return {
			execute = function(action) return graft.settings.get(action) end,
		}
	`, map[string]any{"mode": "full"})
	require.NoError(t, err)
	require.NoError(t, m.Activate(ctx, "configurable"))

	got, err := m.EffectiveSettings("configurable")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"depth": 3, "mode": "full"}, got)

	// The plugin reads the same effective view.
	v, err := m.Execute(ctx, "configurable", "depth", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	require.NoError(t, m.UpdateSettings("configurable", map[string]any{"depth": 7}))
	v, err = m.Execute(ctx, "configurable", "depth", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	require.Len(t, updates, 1)
	assert.Equal(t, "configurable", updates[0].PluginID)
	assert.Equal(t, map[string]any{"keys": []string{"depth"}}, updates[0].Data)

	assert.ErrorIs(t, m.UpdateSettings("configurable", map[string]any{"bogus": 1}), ErrInvalidSettings)
	assert.ErrorIs(t, m.UpdateSettings("ghost", nil), ErrPluginNotFound)
}

func TestSettingsWriteRequiresCapability(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	readonly := testManifest("readonly")
	readonly.Settings = map[string]SettingSpec{"mode": {Type: SettingString, Default: "a"}}
	mustLoad(t, m, readonly, `
		return { execute = function() graft.settings.set("mode", "b") end }
	`)
	require.NoError(t, m.Activate(ctx, "readonly"))

	_, err := m.Execute(ctx, "readonly", "run", nil)
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorContains(t, err, "write:settings")

	writer := testManifest("writer", security.CapabilityWriteSettings)
	writer.Settings = map[string]SettingSpec{"mode": {Type: SettingString, Default: "a"}}
	mustLoad(t, m, writer, `
		return { execute = function() graft.settings.set("mode", "b") end }
	`)
	require.NoError(t, m.Activate(ctx, "writer"))

	_, err = m.Execute(ctx, "writer", "run", nil)
	require.NoError(t, err)
	got, err := m.EffectiveSettings("writer")
	require.NoError(t, err)
	assert.Equal(t, "b", got["mode"])
}

func TestModuleInjectionFollowsPermissions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("unprivileged"), `
		return {
			execute = function()
				return {
					data = graft.data ~= nil,
					http = graft.http ~= nil,
					storage = graft.storage ~= nil,
					util = graft.util ~= nil,
					hooks = graft.hooks ~= nil,
					settings = graft.settings ~= nil,
				}
			end,
		}
	`)
	require.NoError(t, m.Activate(ctx, "unprivileged"))

	got, err := m.Execute(ctx, "unprivileged", "probe", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"data":     false,
		"http":     false,
		"storage":  false,
		"util":     true,
		"hooks":    true,
		"settings": true,
	}, got)
}

func TestHostDrivenCallsUseSamePermissions(t *testing.T) {
	host := &fakeHost{posts: []map[string]any{{"id": "post_1"}}}
	m := newTestManager(t, host)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("reader", security.CapabilityReadPosts), `return {}`)

	posts, err := inst.APIContext().Data().GetPosts(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, posts, 1)

	_, err = inst.APIContext().Data().UpdatePost(ctx, "post_1", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, security.ErrPermissionDenied)
	assert.Empty(t, host.updatedPosts)
}

func TestStorageIsolationAcrossPlugins(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	source := `
		return {
			execute = function(action, data)
				if action == "write" then
					graft.storage.set("k", data)
					return true
				end
				return graft.storage.get("k")
			end,
		}
	`
	for _, id := range []string{"p-one", "p-two"} {
		mustLoad(t, m, testManifest(id, security.CapabilityStorageLocal), source)
		require.NoError(t, m.Activate(ctx, id))
	}

	_, err := m.Execute(ctx, "p-one", "write", "alpha")
	require.NoError(t, err)
	_, err = m.Execute(ctx, "p-two", "write", "beta")
	require.NoError(t, err)

	v, err := m.Execute(ctx, "p-one", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", v)
	v, err = m.Execute(ctx, "p-two", "read", nil)
	require.NoError(t, err)
	assert.Equal(t, "beta", v)
}

func TestFilterChainAcrossPlugins(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("suffixer"), `
		graft.hooks.addFilter("post:title", function(v) return v .. "-s" end, 20)
	`)
	mustLoad(t, m, testManifest("prefixer"), `
		graft.hooks.addFilter("post:title", function(v) return "p-" .. v end, 10)
	`)

	got := m.ApplyFilter(ctx, "post:title", "draft")
	assert.Equal(t, "p-draft-s", got)
}

func TestLifecycleEvents(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	type seen struct {
		topic event.Topic
		id    string
	}
	var got []seen
	m.Events().Subscribe(func(evt event.Event) {
		got = append(got, seen{evt.Topic, evt.PluginID})
	})

	mustLoad(t, m, testManifest("observed"), `return {}`)
	require.NoError(t, m.Activate(ctx, "observed"))
	require.NoError(t, m.Deactivate(ctx, "observed"))
	require.NoError(t, m.Unload(ctx, "observed"))

	assert.Equal(t, []seen{
		{event.TopicPluginLoaded, "observed"},
		{event.TopicPluginActivated, "observed"},
		{event.TopicPluginDeactivated, "observed"},
		{event.TopicPluginUnloaded, "observed"},
	}, got)
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()

	mustLoad(t, m, testManifest("short-lived"), `return {}`)
	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Count())

	_, err := m.Load(ctx, testManifest("late"), `return {}`, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.Activate(ctx, "short-lived"), ErrManagerClosed)
	_, err = m.Execute(ctx, "short-lived", "run", nil)
	assert.ErrorIs(t, err, ErrManagerClosed)

	// Closing twice is fine.
	assert.NoError(t, m.Close(ctx))
}

// TestContentPluginScenario walks the full arc: a plugin that registers
// an action at load, activates, makes permitted and denied data calls,
// reacts to a host dispatch, and stops being invoked after deactivation.
func TestContentPluginScenario(t *testing.T) {
	host := &fakeHost{posts: []map[string]any{{"id": "post_1", "title": "Hello"}}}
	m := newTestManager(t, host)
	ctx := context.Background()

	inst := mustLoad(t, m, testManifest("content-helper", security.CapabilityReadPosts), `
		graft.on("post:created", function(id)
			graft.data.getPosts()
		end)
		return {
			activate = function() end,
		}
	`)
	require.Equal(t, 1, m.Hooks().ActionCount("post:created"))
	require.NoError(t, m.Activate(ctx, "content-helper"))

	// Host-driven read succeeds under read:posts.
	posts, err := inst.APIContext().Data().GetPosts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "post_1", posts[0]["id"])
	require.Equal(t, 1, host.postsCalls())

	// Writing was never granted; the host is not consulted.
	_, err = inst.APIContext().Data().UpdatePost(ctx, "post_1", map[string]any{"title": "Bye"})
	require.ErrorIs(t, err, security.ErrPermissionDenied)
	assert.Empty(t, host.updatedPosts)

	// A host dispatch reaches the plugin's callback.
	m.DoAction(ctx, "post:created", "post_9")
	assert.Equal(t, 2, host.postsCalls())

	// After deactivation the callback is gone.
	require.NoError(t, m.Deactivate(ctx, "content-helper"))
	m.DoAction(ctx, "post:created", "post_10")
	assert.Equal(t, 2, host.postsCalls())
}
