package config

import (
	"encoding/json"
	"fmt"

	"github.com/vkode/conductor/pkg/agent"
)

// Config represents the main conductor configuration
type Config struct {
	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Progress websocket server
	Progress ProgressConfig `json:"progress" mapstructure:"progress"`

	// Run history persistence
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Delegation limits
	Delegation DelegationConfig `json:"delegation" mapstructure:"delegation"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Default working directory for agent sessions
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Path is the file this config was loaded from, filled by the loader
	// so hot reload watches the same file. Never serialized.
	Path string `json:"-" mapstructure:"-"`
}

// AgentConfig declares one delegatable agent
type AgentConfig struct {
	Name         string           `json:"name" mapstructure:"name"`
	DisplayName  string           `json:"display_name" mapstructure:"display_name"`
	Capabilities []string         `json:"capabilities" mapstructure:"capabilities"`
	Enabled      bool             `json:"enabled" mapstructure:"enabled"`
	AutoSpawn    bool             `json:"auto_spawn" mapstructure:"auto_spawn"`
	Connection   ConnectionConfig `json:"connection" mapstructure:"connection"`
}

// ConnectionConfig is the agent connection variant. Exactly one of stdio,
// remote, or internal must be set.
type ConnectionConfig struct {
	Stdio    *StdioConfig  `json:"stdio,omitempty" mapstructure:"stdio"`
	Remote   *RemoteConfig `json:"remote,omitempty" mapstructure:"remote"`
	Internal bool          `json:"internal,omitempty" mapstructure:"internal"`
}

// StdioConfig describes a spawnable agent process
type StdioConfig struct {
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
	Cwd     string            `json:"cwd,omitempty" mapstructure:"cwd"`
}

// RemoteConfig describes an agent reached over HTTP
type RemoteConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ProgressConfig holds progress websocket server configuration
type ProgressConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// StoreConfig holds run history settings
type StoreConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
}

// DelegationConfig bounds delegation behavior
type DelegationConfig struct {
	MaxDepth int `json:"max_depth" mapstructure:"max_depth"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Progress: ProgressConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8765",
		},
		Store: StoreConfig{
			RetentionDays: 30,
		},
		Delegation: DelegationConfig{
			MaxDepth: 3,
		},
		Agents: []AgentConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agent %s: duplicate name", a.Name)
		}
		seen[a.Name] = true

		if err := a.Definition().Validate(); err != nil {
			return err
		}
	}

	if c.Delegation.MaxDepth < 0 {
		return fmt.Errorf("delegation max_depth must not be negative")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store retention_days must not be negative")
	}
	if c.Progress.Enabled && c.Progress.Addr == "" {
		return fmt.Errorf("progress addr is required when the progress server is enabled")
	}

	return nil
}

// Definition converts the agent config to its runtime definition
func (a AgentConfig) Definition() agent.Definition {
	def := agent.Definition{
		Name:         a.Name,
		DisplayName:  a.DisplayName,
		Capabilities: a.Capabilities,
		Enabled:      a.Enabled,
		AutoSpawn:    a.AutoSpawn,
	}
	if a.Connection.Stdio != nil {
		def.Connection.Stdio = &agent.StdioConnection{
			Command: a.Connection.Stdio.Command,
			Args:    a.Connection.Stdio.Args,
			Env:     a.Connection.Stdio.Env,
			Cwd:     a.Connection.Stdio.Cwd,
		}
	}
	if a.Connection.Remote != nil {
		def.Connection.Remote = &agent.RemoteConnection{
			BaseURL: a.Connection.Remote.BaseURL,
		}
	}
	def.Connection.Internal = a.Connection.Internal
	return def
}

// Definitions converts all agent configs to runtime definitions
func (c *Config) Definitions() []agent.Definition {
	defs := make([]agent.Definition, 0, len(c.Agents))
	for _, a := range c.Agents {
		defs = append(defs, a.Definition())
	}
	return defs
}
