// Package config loads the host's plugin policy from a TOML file:
// sandbox resource ceilings, the network host policy, storage quotas,
// and logging. The ceilings are deliberately policy rather than
// constants so a host can tune them per deployment or trust tier.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/graft-dev/graft/internal/logger"
	"github.com/graft-dev/graft/pkg/plugin"
	"github.com/graft-dev/graft/pkg/plugin/security"
	"github.com/graft-dev/graft/pkg/plugin/storage"
)

// Duration decodes TOML duration strings like "5s" or "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Policy is the host's plugin policy file.
type Policy struct {
	// PlatformVersion is the version manifests declare compatibility
	// against. Empty disables compatibility checks.
	PlatformVersion string `toml:"platform_version"`

	Logging LoggingPolicy `toml:"logging"`
	Sandbox SandboxPolicy `toml:"sandbox"`
	Network NetworkPolicy `toml:"network"`
	Storage StoragePolicy `toml:"storage"`
}

// LoggingPolicy configures the shared logger.
type LoggingPolicy struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
	Pretty  bool   `toml:"pretty"`
}

// SandboxPolicy sets the resource ceilings applied to every sandbox.
type SandboxPolicy struct {
	MemoryLimitBytes int64    `toml:"memory_limit_bytes"`
	StackDepth       int      `toml:"stack_depth"`
	ExecutionTimeout Duration `toml:"execution_timeout"`
	NetworkPerSecond int      `toml:"network_per_second"`
	MaxFetchBytes    int64    `toml:"max_fetch_bytes"`
}

// NetworkPolicy is the host allowlist and blocklist for plugin fetches.
// An empty allowlist refuses every host; fetch access must be opted
// into per host.
type NetworkPolicy struct {
	AllowedHosts []string `toml:"allowed_hosts"`
	BlockedHosts []string `toml:"blocked_hosts"`
}

// StoragePolicy bounds per-plugin storage namespaces.
type StoragePolicy struct {
	QuotaBytes int `toml:"quota_bytes"`
}

// Default returns the policy used when the host provides no file.
func Default() Policy {
	limits := security.DefaultResourceLimits()
	return Policy{
		Logging: LoggingPolicy{
			Level:   "info",
			Console: true,
		},
		Sandbox: SandboxPolicy{
			MemoryLimitBytes: limits.MemoryLimit,
			StackDepth:       limits.StackDepth,
			ExecutionTimeout: Duration(limits.ExecutionTimeout),
			NetworkPerSecond: limits.NetworkPerSecond,
			MaxFetchBytes:    limits.MaxFetchBytes,
		},
		Storage: StoragePolicy{
			QuotaBytes: storage.DefaultQuota,
		},
	}
}

// Load reads a policy file. A missing file is not an error: it returns
// the defaults, so hosts can run without any configuration.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("reading policy file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes policy TOML over the defaults, so a file only has to
// state what it changes.
func Parse(data []byte) (Policy, error) {
	p := Default()
	if err := toml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parsing policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects values no sandbox could run under.
func (p Policy) Validate() error {
	if p.Sandbox.MemoryLimitBytes <= 0 {
		return fmt.Errorf("sandbox.memory_limit_bytes must be positive, got %d", p.Sandbox.MemoryLimitBytes)
	}
	if p.Sandbox.StackDepth <= 0 {
		return fmt.Errorf("sandbox.stack_depth must be positive, got %d", p.Sandbox.StackDepth)
	}
	if p.Sandbox.ExecutionTimeout < 0 {
		return fmt.Errorf("sandbox.execution_timeout must not be negative, got %s", time.Duration(p.Sandbox.ExecutionTimeout))
	}
	if p.Storage.QuotaBytes <= 0 {
		return fmt.Errorf("storage.quota_bytes must be positive, got %d", p.Storage.QuotaBytes)
	}
	return nil
}

// Limits maps the sandbox policy onto the security layer's limits.
func (p Policy) Limits() security.ResourceLimits {
	return security.ResourceLimits{
		MemoryLimit:      p.Sandbox.MemoryLimitBytes,
		StackDepth:       p.Sandbox.StackDepth,
		ExecutionTimeout: time.Duration(p.Sandbox.ExecutionTimeout),
		NetworkPerSecond: p.Sandbox.NetworkPerSecond,
		MaxFetchBytes:    p.Sandbox.MaxFetchBytes,
	}
}

// LoggerConfig maps the logging policy onto the logger package's config.
func (p Policy) LoggerConfig() logger.Config {
	return logger.Config{
		Level:   p.Logging.Level,
		File:    p.Logging.File,
		Console: p.Logging.Console,
		Pretty:  p.Logging.Pretty,
	}
}

// ManagerOptions translates the policy into plugin.Manager options, so
// host wiring is NewManager(host, policy.ManagerOptions()...).
func (p Policy) ManagerOptions() []plugin.Option {
	return []plugin.Option{
		plugin.WithLimits(p.Limits()),
		plugin.WithNetworkPolicy(p.Network.AllowedHosts, p.Network.BlockedHosts),
		plugin.WithPlatformVersion(p.PlatformVersion),
		plugin.WithStorageQuota(p.Storage.QuotaBytes),
	}
}
