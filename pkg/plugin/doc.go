// Package plugin provides the plugin runtime for Graft: manifest
// validation, sandboxed execution of untrusted Lua code, lifecycle
// management, hook dispatch, per-plugin storage, and a permission-gated
// host API.
//
// # Architecture
//
// The Manager is the entry point. Every loaded plugin gets its own
// sandboxed interpreter, a permission checker derived from its
// manifest, and an API context exposing only the capabilities it
// declared:
//
//	┌────────────────────────────────────────────┐
//	│                  Manager                   │
//	│  manifests · lifecycle · settings · events │
//	└────────────────────────────────────────────┘
//	      │                │               │
//	      ▼                ▼               ▼
//	┌──────────┐    ┌────────────┐   ┌──────────┐
//	│ Instance │    │  hook.Bus  │   │ storage  │
//	│ sandbox +│    │ filters &  │   │  .Store  │
//	│ API ctx  │    │  actions   │   │namespaced│
//	└──────────┘    └────────────┘   └──────────┘
//
// # Lifecycle
//
// Plugins move through four states:
//
//	unloaded → loaded → active ⇄ inactive → unloaded
//
// Load validates the manifest, builds the sandbox, installs the API
// surface, and evaluates the plugin source, so top-level code can
// register hooks before activation. Activate runs the plugin's activate
// entry and enables execute dispatch. Deactivate retracts the plugin's
// hook registrations and clears its session storage. Unload tears
// everything down, local storage included.
//
// # Basic Usage
//
//	mgr := plugin.NewManager(host,
//	    plugin.WithLogger(log),
//	    plugin.WithPlatformVersion("2.4.0"),
//	)
//	defer mgr.Close(context.Background())
//
//	inst, err := mgr.Load(ctx, manifest, source, nil)
//	if err != nil {
//	    return err
//	}
//	if err := mgr.Activate(ctx, inst.ID()); err != nil {
//	    return err
//	}
//	result, err := mgr.Execute(ctx, inst.ID(), "sync", payload)
//
// # Hooks
//
// Plugins and the host share one hook bus. Filters pass a value through
// a priority-ordered chain of callbacks; actions are notifications:
//
//	title := mgr.ApplyFilter(ctx, "post:title", rawTitle)
//	mgr.DoAction(ctx, "post:created", postID)
//
// # Error Handling
//
// Manager operations return *LifecycleError wrapping a category
// sentinel, so callers branch with errors.Is:
//
//	_, err := mgr.Execute(ctx, id, action, data)
//	switch {
//	case errors.Is(err, plugin.ErrPluginNotFound):
//	case errors.Is(err, plugin.ErrPluginInactive):
//	case errors.Is(err, plugin.ErrExecutionFailed):
//	}
//
// # Subpackages
//
//   - lua: sandboxed interpreter with memory, stack, and time ceilings
//   - security: capability model, permission checks, resource limits
//   - hook: the filter and action bus
//   - storage: namespaced key-value persistence
//   - api: the host API surface installed into each sandbox
package plugin
