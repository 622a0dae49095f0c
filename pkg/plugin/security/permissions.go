package security

import (
	"net"
	"strings"
	"sync"
)

// Checker validates permissions for one plugin's host API calls. The
// capability set is fixed at construction; network policy lists come from
// host configuration and may be replaced wholesale, never by the plugin.
type Checker struct {
	mu sync.RWMutex

	pluginID     string
	capabilities map[Capability]bool

	// Network restrictions, lowercased. An empty allow list refuses every
	// host: network access is deny-by-default even with the capability.
	allowedHosts []string
	blockedHosts []string
}

// NewChecker creates a checker holding exactly the given capabilities.
func NewChecker(pluginID string, caps []Capability) *Checker {
	granted := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		granted[c] = true
	}
	return &Checker{
		pluginID:     pluginID,
		capabilities: granted,
	}
}

// PluginID returns the plugin this checker guards.
func (c *Checker) PluginID() string {
	return c.pluginID
}

// Has returns true if the capability is held.
func (c *Checker) Has(capability Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities[capability]
}

// Require returns a PermissionError if the capability is not held.
// The check runs on every call, never only at injection time.
func (c *Checker) Require(capability Capability, operation string) error {
	if !c.Has(capability) {
		return NewPermissionError(c.pluginID, capability, operation, "not granted")
	}
	return nil
}

// Capabilities returns the held capabilities.
func (c *Checker) Capabilities() []Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]Capability, 0, len(c.capabilities))
	for capability := range c.capabilities {
		caps = append(caps, capability)
	}
	return caps
}

// SetNetworkPolicy replaces the host allow and block lists. Hosts are
// normalized to lowercase.
func (c *Checker) SetNetworkPolicy(allowed, blocked []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedHosts = lowerAll(allowed)
	c.blockedHosts = lowerAll(blocked)
}

// AllowHost appends a host to the allow list.
func (c *Checker) AllowHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedHosts = append(c.allowedHosts, strings.ToLower(host))
}

// BlockHost appends a host to the block list.
func (c *Checker) BlockHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedHosts = append(c.blockedHosts, strings.ToLower(host))
}

// CheckNetwork checks whether a request to host is permitted. The allow
// list is enforced independently of the capability: holding network:fetch
// does not bypass it.
func (c *Checker) CheckNetwork(host string) error {
	if err := c.Require(CapabilityNetworkFetch, "network request"); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hostOnly := strings.ToLower(extractHost(host))

	// Blocklist takes precedence.
	for _, blocked := range c.blockedHosts {
		if matchHost(hostOnly, blocked) {
			return NewPermissionError(c.pluginID, CapabilityNetworkFetch, "network request", "host is blocked")
		}
	}

	for _, allowed := range c.allowedHosts {
		if matchHost(hostOnly, allowed) {
			return nil
		}
	}
	return NewPermissionError(c.pluginID, CapabilityNetworkFetch, "network request", "host not in allowed list")
}

// extractHost extracts the host from a host:port string.
// Handles bracketed IPv6 addresses like [::1]:8080.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}

	// Bracketed IPv6 without a port: [::1]
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}

	return hostPort
}

// matchHost checks if a host matches a pattern (case-insensitive).
// Supports wildcard matching (e.g., "*.example.com").
func matchHost(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)

	if host == pattern {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(host, suffix)
	}

	return false
}

func lowerAll(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = strings.ToLower(h)
	}
	return out
}
