// Package config loads the fabric's configuration: one YAML document, with
// environment variable expansion and $include composition, decoded into a
// strongly typed Config.
package config

import (
	"time"
)

// Config is the top-level configuration for a fabric process. The serve
// command of cmd/fabric runs the broker, the engine and the tool execution
// manager together in one process, configured from these sections.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Engine   EngineConfig   `yaml:"engine"`
	ToolExec ToolExecConfig `yaml:"tool_exec"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BrokerConfig configures the WebSocket stream broker (C5).
type BrokerConfig struct {
	// ListenAddr is the host:port the broker's HTTP/WebSocket server binds.
	ListenAddr string `yaml:"listen_addr"`

	// PingInterval is how often the broker pings every open connection.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout is how long the broker waits for a pong before treating a
	// connection as dead.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// MaxPayloadBytes caps a single inbound WebSocket message. Zero disables
	// the cap.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`

	// DefaultTopics is auto-subscribed for every new connection; connections
	// have no way to change their subscriptions afterwards.
	DefaultTopics []string `yaml:"default_topics"`
}

// EngineConfig configures the module host/engine (C3/C4).
type EngineConfig struct {
	// ModuleDir is scanned for producer module plugins.
	ModuleDir string `yaml:"module_dir"`

	// BrokerURL is the WebSocket URL the engine dials to publish telemetry
	// and receive control traffic.
	BrokerURL string `yaml:"broker_url"`

	// PublishInterval is how often the engine builds and sends a snapshot of
	// all module streams.
	PublishInterval time.Duration `yaml:"publish_interval"`

	// ModuleErrorBackoff is the sleep applied after a module's update loop
	// returns an error, before it is restarted.
	ModuleErrorBackoff time.Duration `yaml:"module_error_backoff"`

	// WatchModuleDir enables an fsnotify watch of ModuleDir. A change is
	// only logged with a restart hint; loaded modules are not reloaded.
	WatchModuleDir bool `yaml:"watch_module_dir"`
}

// ToolExecConfig configures the tool execution manager (C6).
type ToolExecConfig struct {
	// DefaultTimeout applies to a tool_call that doesn't specify
	// context.timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxRetries bounds how many times a failed tool execution is retried
	// before a terminal error result is emitted.
	MaxRetries int `yaml:"max_retries"`

	// CleanupInterval is how often the manager sweeps for executions that
	// have exceeded their timeout without a result.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// LoggingConfig configures the slog-based structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with every field set to its documented default,
// suitable as the base a loaded file is merged onto.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			ListenAddr:      ":8080",
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			MaxPayloadBytes: 16 << 20,
			DefaultTopics:   []string{"broadcast"},
		},
		Engine: EngineConfig{
			ModuleDir:          "./modules",
			BrokerURL:          "ws://localhost:8080/ws",
			PublishInterval:    100 * time.Millisecond,
			ModuleErrorBackoff: time.Second,
			WatchModuleDir:     true,
		},
		ToolExec: ToolExecConfig{
			DefaultTimeout:  300 * time.Second,
			MaxRetries:      3,
			CleanupInterval: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
