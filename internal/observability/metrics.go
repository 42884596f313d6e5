package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus metrics.
//
// Tracked surfaces:
//   - task queue flow (enqueues, completions, retries, latencies)
//   - automation triggers by kind
//   - orchestrator turns and LLM rounds
//   - tool executions, sandbox runs, attachment operations
//   - event dispatch and A2A request outcomes
type Metrics struct {
	// TasksEnqueued counts queue inserts. Labels: task_type
	TasksEnqueued *prometheus.CounterVec

	// TasksCompleted counts terminal task transitions.
	// Labels: task_type, status (done|failed|cancelled)
	TasksCompleted *prometheus.CounterVec

	// TaskRetries counts retry reschedules. Labels: task_type
	TaskRetries *prometheus.CounterVec

	// TaskDuration measures handler execution time in seconds. Labels: task_type
	TaskDuration *prometheus.HistogramVec

	// AutomationTriggers counts automation firings.
	// Labels: automation_type (schedule|event), action (wake_llm|script)
	AutomationTriggers *prometheus.CounterVec

	// TurnsStarted counts orchestrator turns. Labels: interface_type
	TurnsStarted *prometheus.CounterVec

	// TurnsCompleted counts finished turns. Labels: interface_type, status (ok|error)
	TurnsCompleted *prometheus.CounterVec

	// LLMRequestDuration measures LLM round latency in seconds. Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM rounds. Labels: provider, model, status
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption. Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutions counts tool invocations. Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds. Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SandboxExecutions counts script runs. Labels: status (ok|syntax|timeout|error)
	SandboxExecutions *prometheus.CounterVec

	// AttachmentOps counts registry operations.
	// Labels: operation (register|get|claim|delete|cleanup), status
	AttachmentOps *prometheus.CounterVec

	// EventsDispatched counts published events. Labels: source
	EventsDispatched *prometheus.CounterVec

	// ListenersTriggered counts listener matches that enqueued work. Labels: source
	ListenersTriggered *prometheus.CounterVec

	// WorkerJobsCompleted counts external worker jobs reaching a terminal
	// status via the completion webhook. Labels: status (completed|failed)
	WorkerJobsCompleted *prometheus.CounterVec

	// A2ARequests counts JSON-RPC calls. Labels: method, code ("ok" or the error code)
	A2ARequests *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP latency. Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup; a second call panics on duplicate registration.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with a caller-supplied registerer.
// Tests use this with a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_tasks_enqueued_total",
				Help: "Total tasks inserted into the queue by type",
			},
			[]string{"task_type"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_tasks_completed_total",
				Help: "Total tasks reaching a terminal status by type and status",
			},
			[]string{"task_type", "status"},
		),
		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_task_retries_total",
				Help: "Total retry reschedules by task type",
			},
			[]string{"task_type"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_task_duration_seconds",
				Help:    "Handler execution time by task type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"task_type"},
		),
		AutomationTriggers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_automation_triggers_total",
				Help: "Automation firings by type and action",
			},
			[]string{"automation_type", "action"},
		),
		TurnsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_turns_started_total",
				Help: "Orchestrator turns started by interface type",
			},
			[]string{"interface_type"},
		),
		TurnsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_turns_completed_total",
				Help: "Orchestrator turns finished by interface type and status",
			},
			[]string{"interface_type", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_llm_request_duration_seconds",
				Help:    "LLM round latency by provider and model",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_llm_requests_total",
				Help: "LLM rounds by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_llm_tokens_total",
				Help: "Token consumption by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_tool_execution_duration_seconds",
				Help:    "Tool execution time by name",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		SandboxExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_sandbox_executions_total",
				Help: "Script runs by outcome",
			},
			[]string{"status"},
		),
		AttachmentOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_attachment_ops_total",
				Help: "Attachment registry operations by kind and status",
			},
			[]string{"operation", "status"},
		),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_events_dispatched_total",
				Help: "Events published to the dispatcher by source",
			},
			[]string{"source"},
		),
		ListenersTriggered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_listeners_triggered_total",
				Help: "Event listener matches that enqueued work by source",
			},
			[]string{"source"},
		),
		WorkerJobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_worker_jobs_completed_total",
				Help: "External worker jobs completed via webhook by status",
			},
			[]string{"status"},
		),
		A2ARequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_a2a_requests_total",
				Help: "A2A JSON-RPC calls by method and result code",
			},
			[]string{"method", "code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
