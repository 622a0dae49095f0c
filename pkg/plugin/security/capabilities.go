// Package security provides the capability model and resource limits for
// sandboxed plugins.
package security

import (
	"errors"
	"fmt"
	"sort"
)

// Capability is a named grant allowing a plugin to call one category of
// host API. A capability is either held or not; there is no partial grant,
// and a plugin's set is fixed when it loads.
type Capability string

// Capabilities a plugin manifest may declare.
const (
	// CapabilityReadProducts allows reading product records.
	CapabilityReadProducts Capability = "read:products"

	// CapabilityWriteProducts allows updating product records.
	CapabilityWriteProducts Capability = "write:products"

	// CapabilityReadPosts allows reading posts.
	CapabilityReadPosts Capability = "read:posts"

	// CapabilityWritePosts allows creating and updating posts.
	CapabilityWritePosts Capability = "write:posts"

	// CapabilityReadAnalytics allows querying analytics data.
	CapabilityReadAnalytics Capability = "read:analytics"

	// CapabilityWriteAnalytics allows recording analytics events.
	CapabilityWriteAnalytics Capability = "write:analytics"

	// CapabilityReadSettings allows reading tenant and platform settings.
	CapabilityReadSettings Capability = "read:settings"

	// CapabilityWriteSettings allows a plugin to update its own settings.
	CapabilityWriteSettings Capability = "write:settings"

	// CapabilityNetworkFetch allows outbound HTTP requests, subject to the
	// host allow-list.
	CapabilityNetworkFetch Capability = "network:fetch"

	// CapabilityStorageLocal allows access to the plugin's local storage
	// namespace.
	CapabilityStorageLocal Capability = "storage:local"

	// CapabilityStorageSession allows access to the plugin's session storage
	// namespace.
	CapabilityStorageSession Capability = "storage:session"

	// CapabilityUIModal allows opening host-rendered modals.
	CapabilityUIModal Capability = "ui:modal"

	// CapabilityUINotification allows showing host notifications.
	CapabilityUINotification Capability = "ui:notification"

	// CapabilityUISidebar allows contributing sidebar items.
	CapabilityUISidebar Capability = "ui:sidebar"

	// CapabilityExternalAPI allows calls through the host's external API
	// escape hatch.
	CapabilityExternalAPI Capability = "api:external"
)

// RiskLevel indicates the security risk of a capability.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// CapabilityInfo provides metadata about a capability.
type CapabilityInfo struct {
	// Name is the capability identifier.
	Name Capability

	// DisplayName is a human-readable name.
	DisplayName string

	// Description explains what the capability allows.
	Description string

	// RiskLevel indicates how dangerous this capability is.
	RiskLevel RiskLevel

	// RequiresUserApproval indicates if a tenant admin must explicitly
	// approve the grant when installing the plugin.
	RequiresUserApproval bool
}

// capabilityRegistry holds metadata about all known capabilities.
var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityReadProducts: {
		Name:        CapabilityReadProducts,
		DisplayName: "Read Products",
		Description: "Read product records",
		RiskLevel:   RiskLow,
	},
	CapabilityWriteProducts: {
		Name:                 CapabilityWriteProducts,
		DisplayName:          "Write Products",
		Description:          "Update product records",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	CapabilityReadPosts: {
		Name:        CapabilityReadPosts,
		DisplayName: "Read Posts",
		Description: "Read posts",
		RiskLevel:   RiskLow,
	},
	CapabilityWritePosts: {
		Name:                 CapabilityWritePosts,
		DisplayName:          "Write Posts",
		Description:          "Create and update posts",
		RiskLevel:            RiskMedium,
		RequiresUserApproval: true,
	},
	CapabilityReadAnalytics: {
		Name:        CapabilityReadAnalytics,
		DisplayName: "Read Analytics",
		Description: "Query analytics data",
		RiskLevel:   RiskMedium,
	},
	CapabilityWriteAnalytics: {
		Name:        CapabilityWriteAnalytics,
		DisplayName: "Track Events",
		Description: "Record analytics events",
		RiskLevel:   RiskLow,
	},
	CapabilityReadSettings: {
		Name:        CapabilityReadSettings,
		DisplayName: "Read Settings",
		Description: "Read tenant and platform settings",
		RiskLevel:   RiskLow,
	},
	CapabilityWriteSettings: {
		Name:        CapabilityWriteSettings,
		DisplayName: "Write Settings",
		Description: "Update the plugin's own settings",
		RiskLevel:   RiskMedium,
	},
	CapabilityNetworkFetch: {
		Name:                 CapabilityNetworkFetch,
		DisplayName:          "Network Access",
		Description:          "Make outbound HTTP requests to allow-listed hosts",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
	CapabilityStorageLocal: {
		Name:        CapabilityStorageLocal,
		DisplayName: "Local Storage",
		Description: "Persist values in the plugin's local namespace",
		RiskLevel:   RiskLow,
	},
	CapabilityStorageSession: {
		Name:        CapabilityStorageSession,
		DisplayName: "Session Storage",
		Description: "Persist values for the current activation only",
		RiskLevel:   RiskLow,
	},
	CapabilityUIModal: {
		Name:        CapabilityUIModal,
		DisplayName: "Modals",
		Description: "Open host-rendered modal dialogs",
		RiskLevel:   RiskMedium,
	},
	CapabilityUINotification: {
		Name:        CapabilityUINotification,
		DisplayName: "Notifications",
		Description: "Show host notifications",
		RiskLevel:   RiskLow,
	},
	CapabilityUISidebar: {
		Name:        CapabilityUISidebar,
		DisplayName: "Sidebar",
		Description: "Contribute sidebar items",
		RiskLevel:   RiskLow,
	},
	CapabilityExternalAPI: {
		Name:                 CapabilityExternalAPI,
		DisplayName:          "External API",
		Description:          "Call host-mediated external services",
		RiskLevel:            RiskHigh,
		RequiresUserApproval: true,
	},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(c Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[c]
	return info, ok
}

// IsValidCapability returns true if the capability is known.
func IsValidCapability(c Capability) bool {
	_, ok := capabilityRegistry[c]
	return ok
}

// AllCapabilities returns all known capabilities in stable order.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for c := range capabilityRegistry {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// HighRiskCapabilities returns capabilities that require approval.
func HighRiskCapabilities() []Capability {
	var caps []Capability
	for _, c := range AllCapabilities() {
		if capabilityRegistry[c].RequiresUserApproval {
			caps = append(caps, c)
		}
	}
	return caps
}

// ErrPermissionDenied is the category every PermissionError unwraps to,
// so callers can match with errors.Is without caring which capability or
// operation failed.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionError reports a capability check failure. It always names the
// missing capability and the plugin the check ran for.
type PermissionError struct {
	PluginID   string
	Capability Capability
	Operation  string
	Message    string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("plugin %q: capability %q required for %s: %s", e.PluginID, e.Capability, e.Operation, e.Message)
	}
	return fmt.Sprintf("plugin %q: capability %q: %s", e.PluginID, e.Capability, e.Message)
}

// Unwrap makes every permission failure match ErrPermissionDenied.
func (e *PermissionError) Unwrap() error {
	return ErrPermissionDenied
}

// NewPermissionError creates a new permission error.
func NewPermissionError(pluginID string, c Capability, operation, message string) *PermissionError {
	return &PermissionError{
		PluginID:   pluginID,
		Capability: c,
		Operation:  operation,
		Message:    message,
	}
}
