package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the fabric's Prometheus surface: connection churn on the
// broker, message throughput by type, module lifecycle events, and tool
// execution outcomes and latency.
type Metrics struct {
	// ConnectionsActive tracks currently open broker WebSocket connections.
	ConnectionsActive prometheus.Gauge

	// MessagesTotal counts messages flowing through the broker.
	// Labels: message_type (the fanout topic for outbound messages, "unknown"
	// for inbound ones), direction (in|out)
	MessagesTotal *prometheus.CounterVec

	// ValidationErrorsTotal counts messages rejected by the schema registry.
	// Labels: message_type, reason (unknown_type|schema_violation|invalid_envelope)
	ValidationErrorsTotal *prometheus.CounterVec

	// ModulesLoaded tracks currently active producer modules.
	ModulesLoaded prometheus.Gauge

	// ModuleLoadFailuresTotal counts modules that failed to load, by module name.
	ModuleLoadFailuresTotal *prometheus.CounterVec

	// ModuleErrorsTotal counts runtime errors returned by a module's update loop.
	// Labels: module_id
	ModuleErrorsTotal *prometheus.CounterVec

	// StreamPublishDuration measures how long one engine publish cycle takes.
	StreamPublishDuration prometheus.Histogram

	// ToolExecutionsTotal counts tool executions by outcome.
	// Labels: tool_name, status (success|error|timeout|cancelled)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolRetriesTotal counts retry attempts issued by the tool execution manager.
	// Labels: tool_name
	ToolRetriesTotal *prometheus.CounterVec
}

// NewMetrics registers and returns the fabric's metric set against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_broker_connections_active",
			Help: "Current number of open broker WebSocket connections.",
		}),

		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_messages_total",
				Help: "Total number of messages processed by type and direction.",
			},
			[]string{"message_type", "direction"},
		),

		ValidationErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_validation_errors_total",
				Help: "Total number of messages rejected by the schema registry.",
			},
			[]string{"message_type", "reason"},
		),

		ModulesLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fabric_modules_loaded",
			Help: "Current number of active producer modules.",
		}),

		ModuleLoadFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_module_load_failures_total",
				Help: "Total number of module load attempts that failed, by module name.",
			},
			[]string{"module_name"},
		),

		ModuleErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_module_errors_total",
				Help: "Total number of runtime errors returned by a module's update loop.",
			},
			[]string{"module_id"},
		),

		StreamPublishDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "fabric_engine_publish_duration_seconds",
			Help:    "Duration of one engine stream-publish cycle.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		ToolExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_tool_executions_total",
				Help: "Total number of tool executions by tool name and terminal status.",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fabric_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds, by tool name.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ToolRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabric_tool_retries_total",
				Help: "Total number of retry attempts issued by the tool execution manager.",
			},
			[]string{"tool_name"},
		),
	}
}
