package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/graft-dev/graft/pkg/plugin/security"
)

// Manifest field errors. All wrap ErrInvalidManifest so callers can match
// the category without inspecting the field.
var (
	ErrMissingID      = fmt.Errorf("%w: id is required", ErrInvalidManifest)
	ErrInvalidID      = fmt.Errorf("%w: id must be lowercase alphanumeric with hyphens", ErrInvalidManifest)
	ErrMissingName    = fmt.Errorf("%w: name is required", ErrInvalidManifest)
	ErrMissingVersion = fmt.Errorf("%w: version is required", ErrInvalidManifest)
	ErrInvalidVersion = fmt.Errorf("%w: version must be semantic (MAJOR.MINOR.PATCH)", ErrInvalidManifest)
	ErrMissingAuthor  = fmt.Errorf("%w: author is required", ErrInvalidManifest)
	ErrMissingMain    = fmt.Errorf("%w: main is required", ErrInvalidManifest)
)

var (
	// idPattern matches lowercase names with optional hyphens, like
	// "sales-report" or "seo". No leading or trailing hyphen.
	idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

	// semverPattern matches semantic versions with optional pre-release
	// and build metadata.
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)

// HookType distinguishes the two hook dispatch disciplines.
type HookType string

const (
	// HookFilter callbacks transform a value as a chain.
	HookFilter HookType = "filter"

	// HookAction callbacks are notified with no return value.
	HookAction HookType = "action"
)

// HookDeclaration announces a hook the plugin intends to register. The
// declarations are advisory metadata for review tooling; registration
// happens at runtime through the plugin's API surface.
type HookDeclaration struct {
	// Name is the hook name, like "post:created".
	Name string `json:"name"`

	// Type is "filter" or "action".
	Type HookType `json:"type"`

	// Priority orders the callback among others on the same hook. Lower
	// runs earlier. Zero means the registration-time default applies.
	Priority int `json:"priority,omitempty"`
}

// Compatibility bounds the platform versions the plugin supports. Empty
// bounds are open.
type Compatibility struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// Manifest describes a plugin: identity, entry module, requested
// capabilities, declared hooks, and the settings it accepts. It is the
// only externally persisted artifact whose shape this package defines.
type Manifest struct {
	// ID uniquely identifies the plugin within a tenant.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Version is the plugin's semantic version.
	Version string `json:"version"`

	// Author identifies the plugin publisher.
	Author string `json:"author"`

	// Description explains what the plugin does.
	Description string `json:"description,omitempty"`

	// Category groups the plugin in catalog listings.
	Category string `json:"category,omitempty"`

	// Homepage links to the plugin's documentation.
	Homepage string `json:"homepage,omitempty"`

	// Main names the entry module whose evaluation yields the plugin's
	// exports, like "init.lua".
	Main string `json:"main"`

	// Permissions lists the capabilities the plugin requests. Every host
	// API call is gated on these at call time.
	Permissions []security.Capability `json:"permissions,omitempty"`

	// Hooks lists the hooks the plugin declares it will use.
	Hooks []HookDeclaration `json:"hooks,omitempty"`

	// Settings declares the configuration values the plugin accepts,
	// keyed by setting name.
	Settings map[string]SettingSpec `json:"settings,omitempty"`

	// Compatibility restricts the platform versions the plugin loads on.
	Compatibility *Compatibility `json:"compatibility,omitempty"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest JSON. The raw document is
// checked against the manifest schema first, so shape errors (a string
// where a list belongs, a missing required field) are reported against
// the document rather than surfacing as decode quirks.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := validateManifestSchema(data); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Category == "" {
		m.Category = "general"
	}
}

// Validate checks the manifest's semantic rules. It is called by
// ParseManifest and again by the manager before loading, so manifests
// built programmatically get the same checks as parsed ones.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: got %q", ErrInvalidID, m.ID)
	}
	if m.Name == "" {
		return ErrMissingName
	}
	if m.Version == "" {
		return ErrMissingVersion
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: got %q", ErrInvalidVersion, m.Version)
	}
	if m.Author == "" {
		return ErrMissingAuthor
	}
	if m.Main == "" {
		return ErrMissingMain
	}

	for _, c := range m.Permissions {
		if !security.IsValidCapability(c) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidManifest, c)
		}
	}

	for i, h := range m.Hooks {
		if h.Name == "" {
			return fmt.Errorf("%w: hooks[%d] has no name", ErrInvalidManifest, i)
		}
		if h.Type != HookFilter && h.Type != HookAction {
			return fmt.Errorf("%w: hooks[%d] type must be %q or %q, got %q",
				ErrInvalidManifest, i, HookFilter, HookAction, h.Type)
		}
	}

	for name, spec := range m.Settings {
		if err := spec.validate(name); err != nil {
			return err
		}
	}

	if m.Compatibility != nil {
		if err := validateVersionBound(m.Compatibility.Min, "compatibility.min"); err != nil {
			return err
		}
		if err := validateVersionBound(m.Compatibility.Max, "compatibility.max"); err != nil {
			return err
		}
	}
	return nil
}

func validateVersionBound(v, field string) error {
	if v == "" {
		return nil
	}
	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("%w: %s %q is not a version", ErrInvalidManifest, field, v)
	}
	return nil
}

// CompatibleWith reports whether the manifest's compatibility range
// admits the given platform version. An unparseable platform version is
// treated as admitting everything.
func (m *Manifest) CompatibleWith(platformVersion string) bool {
	if m.Compatibility == nil || platformVersion == "" {
		return true
	}
	current, err := semver.NewVersion(platformVersion)
	if err != nil {
		return true
	}
	if m.Compatibility.Min != "" {
		if min, err := semver.NewVersion(m.Compatibility.Min); err == nil && current.LessThan(min) {
			return false
		}
	}
	if m.Compatibility.Max != "" {
		if max, err := semver.NewVersion(m.Compatibility.Max); err == nil && current.GreaterThan(max) {
			return false
		}
	}
	return true
}

// HasPermission reports whether the manifest requests the capability.
func (m *Manifest) HasPermission(c security.Capability) bool {
	for _, granted := range m.Permissions {
		if granted == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Accessors hand out clones so a caller can
// never mutate the manifest a running plugin was granted.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m

	if m.Permissions != nil {
		out.Permissions = make([]security.Capability, len(m.Permissions))
		copy(out.Permissions, m.Permissions)
	}
	if m.Hooks != nil {
		out.Hooks = make([]HookDeclaration, len(m.Hooks))
		copy(out.Hooks, m.Hooks)
	}
	if m.Settings != nil {
		out.Settings = make(map[string]SettingSpec, len(m.Settings))
		for k, v := range m.Settings {
			out.Settings[k] = v.clone()
		}
	}
	if m.Compatibility != nil {
		compat := *m.Compatibility
		out.Compatibility = &compat
	}
	return &out
}
