// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is the prefix for environment overrides. Path segments are
// separated by a double underscore: ROBUN_AGENT__MODEL, ROBUN_GATEWAY__PORT.
const EnvPrefix = "ROBUN_"

// Config is the full runtime configuration.
type Config struct {
	Agent     AgentConfig               `toml:"agent"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Channels  map[string]ChannelConfig  `toml:"channels"`
	Tools     ToolsConfig               `toml:"tools"`
	Gateway   GatewayConfig             `toml:"gateway"`
	Heartbeat HeartbeatConfig           `toml:"heartbeat"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
	Log       LogConfig                 `toml:"log"`
}

// AgentConfig contains the agent loop settings.
type AgentConfig struct {
	Workspace           string  `toml:"workspace"`
	Model               string  `toml:"model"`
	Provider            string  `toml:"provider"`
	MaxTokens           int     `toml:"max_tokens"`
	Temperature         float64 `toml:"temperature"`
	MaxToolIterations   int     `toml:"max_tool_iterations"`
	MemoryWindow        int     `toml:"memory_window"`
	RestrictToWorkspace bool    `toml:"restrict_to_workspace"`
	SubagentModel       string  `toml:"subagent_model"`
	ConsolidationModel  string  `toml:"consolidation_model"`
}

// ProviderConfig holds one LLM provider's credentials.
type ProviderConfig struct {
	APIKey       string            `toml:"api_key"`
	APIBase      string            `toml:"api_base"`
	ExtraHeaders map[string]string `toml:"extra_headers"`
}

// ChannelConfig holds one channel adapter's settings. Credentials beyond
// the token field live in Extra, keyed as the adapter expects them.
type ChannelConfig struct {
	Enabled   bool              `toml:"enabled"`
	Token     string            `toml:"token"`
	AllowList []string          `toml:"allow_list"`
	Extra     map[string]string `toml:"extra"`
}

// ToolsConfig contains tool execution settings.
type ToolsConfig struct {
	ExecTimeoutSecs int                        `toml:"exec_timeout_secs"`
	WebSearchAPIKey string                     `toml:"web_search_api_key"`
	MCP             map[string]MCPServerConfig `toml:"mcp"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
}

// GatewayConfig contains the HTTP gateway settings.
type GatewayConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// HeartbeatConfig contains the heartbeat service settings.
type HeartbeatConfig struct {
	Enabled      bool `toml:"enabled"`
	IntervalSecs int  `toml:"interval_secs"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:           filepath.Join(home, ".robun", "workspace"),
			Model:               "claude-sonnet-4-5",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxToolIterations:   20,
			MemoryWindow:        50,
			RestrictToWorkspace: true,
		},
		Providers: map[string]ProviderConfig{},
		Channels:  map[string]ChannelConfig{},
		Tools: ToolsConfig{
			ExecTimeoutSecs: 60,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18890,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:      true,
			IntervalSecs: 1800,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path (when it exists), then applies ROBUN_
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}
	cfg.applyEnv(os.Environ())
	cfg.Agent.Workspace = expandHome(cfg.Agent.Workspace)
	return cfg, nil
}

// DefaultPath returns the default config location, ~/.robun/config.toml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".robun", "config.toml")
}

// applyEnv applies ROBUN_SECTION__FIELD overrides from the given
// environment. Unknown paths are ignored.
func (c *Config) applyEnv(environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__")
		c.applyOverride(path, value)
	}
}

func (c *Config) applyOverride(path []string, value string) {
	if len(path) < 2 {
		return
	}
	switch path[0] {
	case "agent":
		switch path[1] {
		case "workspace":
			c.Agent.Workspace = value
		case "model":
			c.Agent.Model = value
		case "provider":
			c.Agent.Provider = value
		case "max_tokens":
			setInt(&c.Agent.MaxTokens, value)
		case "temperature":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				c.Agent.Temperature = f
			}
		case "max_tool_iterations":
			setInt(&c.Agent.MaxToolIterations, value)
		case "memory_window":
			setInt(&c.Agent.MemoryWindow, value)
		case "restrict_to_workspace":
			setBool(&c.Agent.RestrictToWorkspace, value)
		}
	case "providers":
		if len(path) < 3 {
			return
		}
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		p := c.Providers[path[1]]
		switch path[2] {
		case "api_key":
			p.APIKey = value
		case "api_base":
			p.APIBase = value
		}
		c.Providers[path[1]] = p
	case "channels":
		if len(path) < 3 {
			return
		}
		if c.Channels == nil {
			c.Channels = map[string]ChannelConfig{}
		}
		ch := c.Channels[path[1]]
		switch path[2] {
		case "enabled":
			setBool(&ch.Enabled, value)
		case "token":
			ch.Token = value
		}
		c.Channels[path[1]] = ch
	case "tools":
		switch path[1] {
		case "exec_timeout_secs":
			setInt(&c.Tools.ExecTimeoutSecs, value)
		case "web_search_api_key":
			c.Tools.WebSearchAPIKey = value
		}
	case "gateway":
		switch path[1] {
		case "enabled":
			setBool(&c.Gateway.Enabled, value)
		case "host":
			c.Gateway.Host = value
		case "port":
			setInt(&c.Gateway.Port, value)
		}
	case "heartbeat":
		switch path[1] {
		case "enabled":
			setBool(&c.Heartbeat.Enabled, value)
		case "interval_secs":
			setInt(&c.Heartbeat.IntervalSecs, value)
		}
	case "telemetry":
		switch path[1] {
		case "enabled":
			setBool(&c.Telemetry.Enabled, value)
		case "endpoint":
			c.Telemetry.Endpoint = value
		}
	case "log":
		switch path[1] {
		case "level":
			c.Log.Level = value
		case "format":
			c.Log.Format = value
		}
	}
}

func setInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, value string) {
	if b, err := strconv.ParseBool(value); err == nil {
		*dst = b
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// ProviderFor returns the provider credentials for the given name.
func (c *Config) ProviderFor(name string) ProviderConfig {
	return c.Providers[name]
}

// Sanitized returns a copy with every credential removed, for exposure
// over the gateway.
func (c *Config) Sanitized() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.APIKey = redact(p.APIKey)
		p.ExtraHeaders = nil
		out.Providers[name] = p
	}
	out.Channels = make(map[string]ChannelConfig, len(c.Channels))
	for name, ch := range c.Channels {
		ch.Token = redact(ch.Token)
		ch.Extra = nil
		out.Channels[name] = ch
	}
	out.Tools.WebSearchAPIKey = redact(c.Tools.WebSearchAPIKey)
	out.Tools.MCP = nil
	return &out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
