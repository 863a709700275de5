// Package config loads gateway settings and the standalone child list
// via viper, and provides FileConfigSource, a concrete implementation
// of the gateway's config-source collaborator (C6) for running the
// gateway outside of its desktop-shell host.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChildSpec is an immutable child launch specification as seen by a
// supervisor: id, display name, executable, arguments, and
// environment. Supplied by a ConfigSource.
type ChildSpec struct {
	ID      string            `mapstructure:"id"`
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`

	// Runtime selects the launch backend: "process" (default) runs
	// Command directly; "docker" runs it inside a one-shot attached
	// container via internal/dockerlaunch.
	Runtime string `mapstructure:"runtime"`
	// Image is the container image to use when Runtime == "docker".
	Image string `mapstructure:"image"`
}

// GatewaySettings holds the HTTP front end and timeout configuration
// read from the gateway's own config file/environment, separate from
// the child list (which may come from a different ConfigSource
// entirely in production).
type GatewaySettings struct {
	Port                   int           `mapstructure:"port"`
	CORSAllowLocalhostOnly bool          `mapstructure:"corsAllowLocalhostOnly"`
	StartupTimeout         time.Duration `mapstructure:"startupTimeout"`
	RequestTimeout         time.Duration `mapstructure:"requestTimeout"`
	LogLevel               string        `mapstructure:"logLevel"`
}

// DefaultSettings returns the settings specified by spec.md §6: port
// 3999, loopback only, a 10s startup window, and a 30s request
// timeout.
func DefaultSettings() GatewaySettings {
	return GatewaySettings{
		Port:                   3999,
		CORSAllowLocalhostOnly: true,
		StartupTimeout:         10 * time.Second,
		RequestTimeout:         30 * time.Second,
		LogLevel:               "info",
	}
}

// fileConfig is the on-disk shape read by Load: gateway settings plus
// the standalone enabled-child list.
type fileConfig struct {
	Server GatewaySettings `mapstructure:"server"`
	MCP    struct {
		Enabled []ChildSpec `mapstructure:"enabled"`
	} `mapstructure:"mcp"`
}

// Load reads gateway settings and the standalone child list from
// configPath, applying HYDRA_GATEWAY_* environment overrides on top,
// mirroring the teacher's CLAWMCP_* viper prefix.
func Load(configPath string) (GatewaySettings, []ChildSpec, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("HYDRA_GATEWAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := DefaultSettings()
	v.SetDefault("server.port", defaults.Port)
	v.SetDefault("server.corsAllowLocalhostOnly", defaults.CORSAllowLocalhostOnly)
	v.SetDefault("server.startupTimeout", defaults.StartupTimeout)
	v.SetDefault("server.requestTimeout", defaults.RequestTimeout)
	v.SetDefault("server.logLevel", defaults.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		return GatewaySettings{}, nil, fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return GatewaySettings{}, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	enabled := make([]ChildSpec, 0, len(cfg.MCP.Enabled))
	for _, spec := range cfg.MCP.Enabled {
		if !spec.Enabled {
			continue
		}
		if spec.Runtime == "" {
			spec.Runtime = "process"
		}
		enabled = append(enabled, spec)
	}

	return cfg.Server, enabled, nil
}

// FileConfigSource implements the gateway's ConfigSource collaborator
// by returning a fixed, in-memory list of child specs — typically
// populated from Load. It exists for standalone running and tests; the
// desktop shell supplies its own ConfigSource in production.
type FileConfigSource struct {
	specs []ChildSpec
}

// NewFileConfigSource wraps a pre-loaded, ordered list of enabled
// child specs.
func NewFileConfigSource(specs []ChildSpec) *FileConfigSource {
	return &FileConfigSource{specs: specs}
}

// EnabledSpecs returns the configured child specs in their original
// enumeration order.
func (s *FileConfigSource) EnabledSpecs(ctx context.Context) ([]ChildSpec, error) {
	out := make([]ChildSpec, len(s.specs))
	copy(out, s.specs)
	return out, nil
}
