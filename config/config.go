// Package config loads gocopilot settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/localrivet/gocopilot/auth"
	"github.com/localrivet/gocopilot/client"
	"github.com/localrivet/gocopilot/logx"
	"github.com/localrivet/gocopilot/protocol"
)

// Environment variables that override file settings.
const (
	EnvCLIPath  = "GOCOPILOT_CLI_PATH"
	EnvLogLevel = logx.EnvLogLevel
	EnvListen   = "GOCOPILOT_LISTEN"
)

// Duration is a time.Duration written as "30s" or "1m30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete file configuration.
type Config struct {
	CLI    CLIConfig    `toml:"cli"`
	Client ClientConfig `toml:"client"`
	Log    LogConfig    `toml:"log"`
	Bridge BridgeConfig `toml:"bridge"`

	// MCPServers are attached to every session the tools create.
	MCPServers map[string]MCPServerConfig `toml:"mcp_servers"`
}

// MCPServerConfig describes one MCP tool server. Local servers set Command, remote
// servers set URL.
type MCPServerConfig struct {
	Type    string            `toml:"type"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Cwd     string            `toml:"cwd"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
	Tools   []string          `toml:"tools"`
	Timeout Duration          `toml:"timeout"`
}

// CLIConfig describes how to launch the Copilot CLI.
type CLIConfig struct {
	Path string   `toml:"path"`
	Args []string `toml:"args"`
	Env  []string `toml:"env"` // KEY=VALUE, appended to the parent environment
	Dir  string   `toml:"dir"`
}

// ClientConfig tunes the protocol client.
type ClientConfig struct {
	RequestTimeout    Duration `toml:"request_timeout"`
	ShutdownGrace     Duration `toml:"shutdown_grace"`
	ReaderJoinTimeout Duration `toml:"reader_join_timeout"`
	DestroyTimeout    Duration `toml:"destroy_timeout"`
	MaxFrameBytes     int      `toml:"max_frame_bytes"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

// BridgeConfig configures the HTTP bridge.
type BridgeConfig struct {
	Listen       string     `toml:"listen"`
	DefaultModel string     `toml:"default_model"`
	IdleTimeout  Duration   `toml:"idle_timeout"`
	RateLimit    float64    `toml:"rate_limit"` // requests per second, 0 disables
	Burst        int        `toml:"burst"`
	Auth         AuthConfig `toml:"auth"`
}

// AuthConfig enables bearer token checks on the bridge. Secret and JWKSURL are
// mutually exclusive; neither disables authentication.
type AuthConfig struct {
	Secret   string   `toml:"secret"`
	JWKSURL  string   `toml:"jwks_url"`
	Issuer   string   `toml:"issuer"`
	Audience string   `toml:"audience"`
	Leeway   Duration `toml:"leeway"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CLI: CLIConfig{
			Path: client.DefaultArgv[0],
			Args: append([]string(nil), client.DefaultArgv[1:]...),
		},
		Client: ClientConfig{
			RequestTimeout:    Duration{client.DefaultRequestTimeout},
			ShutdownGrace:     Duration{client.DefaultShutdownGrace},
			ReaderJoinTimeout: Duration{client.DefaultReaderJoinTimeout},
			DestroyTimeout:    Duration{client.DefaultDestroyTimeout},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bridge: BridgeConfig{
			Listen:       "127.0.0.1:8080",
			DefaultModel: "gpt-4.1",
			IdleTimeout:  Duration{2 * time.Minute},
			RateLimit:    5,
			Burst:        10,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. An empty
// path skips the file. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvCLIPath); ok && v != "" {
		c.CLI.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Bridge.Listen = v
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.CLI.Path == "" {
		errs = append(errs, errors.New("cli.path must not be empty"))
	}
	for _, kv := range c.CLI.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("cli.env entry %q is not KEY=VALUE", kv))
		}
	}
	if c.Client.RequestTimeout.Duration < 0 {
		errs = append(errs, errors.New("client.request_timeout must not be negative"))
	}
	if c.Client.ShutdownGrace.Duration < 0 {
		errs = append(errs, errors.New("client.shutdown_grace must not be negative"))
	}
	if c.Client.ReaderJoinTimeout.Duration < 0 {
		errs = append(errs, errors.New("client.reader_join_timeout must not be negative"))
	}
	if c.Client.DestroyTimeout.Duration < 0 {
		errs = append(errs, errors.New("client.destroy_timeout must not be negative"))
	}
	if c.Client.MaxFrameBytes < 0 {
		errs = append(errs, errors.New("client.max_frame_bytes must not be negative"))
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if c.Bridge.RateLimit < 0 {
		errs = append(errs, errors.New("bridge.rate_limit must not be negative"))
	}
	if c.Bridge.RateLimit > 0 && c.Bridge.Burst < 1 {
		errs = append(errs, errors.New("bridge.burst must be at least 1 when rate limiting"))
	}
	if c.Bridge.Auth.Secret != "" && c.Bridge.Auth.JWKSURL != "" {
		errs = append(errs, errors.New("bridge.auth.secret and bridge.auth.jwks_url are mutually exclusive"))
	}
	for _, name := range sortedKeys(c.MCPServers) {
		srv := c.MCPServers[name]
		if (srv.Command == "") == (srv.URL == "") {
			errs = append(errs, fmt.Errorf("mcp_servers.%s needs exactly one of command or url", name))
		}
		if srv.Timeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("mcp_servers.%s.timeout must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Argv returns the CLI command line.
func (c CLIConfig) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// Logger builds the logger described by the log section.
func (c LogConfig) Logger() *slog.Logger {
	cfg := logx.DefaultConfig()
	if c.Level != "" {
		cfg.Level = c.Level
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	cfg.AddSource = c.AddSource
	return logx.New(cfg)
}

// ClientOptions translates the cli and client sections into client options.
func (c Config) ClientOptions(logger *slog.Logger) []client.Option {
	opts := []client.Option{
		client.WithCommand(c.CLI.Argv()...),
		client.WithEnv(c.CLI.Env...),
		client.WithDir(c.CLI.Dir),
		client.WithLogger(logger),
		client.WithRequestTimeout(c.Client.RequestTimeout.Duration),
		client.WithShutdownGrace(c.Client.ShutdownGrace.Duration),
		client.WithReaderJoinTimeout(c.Client.ReaderJoinTimeout.Duration),
		client.WithDestroyTimeout(c.Client.DestroyTimeout.Duration),
	}
	if c.Client.MaxFrameBytes > 0 {
		opts = append(opts, client.WithMaxFrameBytes(c.Client.MaxFrameBytes))
	}
	return opts
}

// Enabled reports whether bearer authentication is configured.
func (a AuthConfig) Enabled() bool {
	return a.Secret != "" || a.JWKSURL != ""
}

// ClaimsConfig returns the registered-claim checks.
func (a AuthConfig) ClaimsConfig() auth.ClaimsConfig {
	return auth.ClaimsConfig{
		ExpectedIssuer:   a.Issuer,
		ExpectedAudience: a.Audience,
		ClockSkew:        a.Leeway.Duration,
	}
}

// SessionOptions attaches the configured MCP servers to new sessions.
func (c Config) SessionOptions() []client.SessionOption {
	if len(c.MCPServers) == 0 {
		return nil
	}
	servers := make(map[string]protocol.MCPServerConfig, len(c.MCPServers))
	for name, srv := range c.MCPServers {
		typ := srv.Type
		if typ == "" {
			typ = "local"
			if srv.URL != "" {
				typ = "http"
			}
		}
		servers[name] = protocol.MCPServerConfig{
			Type:    typ,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			Cwd:     srv.Cwd,
			URL:     srv.URL,
			Headers: srv.Headers,
			Tools:   srv.Tools,
			Timeout: int(srv.Timeout.Milliseconds()),
		}
	}
	return []client.SessionOption{client.WithMCPServers(servers)}
}
