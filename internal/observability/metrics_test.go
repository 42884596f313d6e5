package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWith_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.TasksEnqueued.WithLabelValues("llm_callback").Inc()
	m.TasksEnqueued.WithLabelValues("llm_callback").Inc()
	m.TasksCompleted.WithLabelValues("llm_callback", "done").Inc()
	m.A2ARequests.WithLabelValues("message/send", "ok").Inc()

	if got := testutil.ToFloat64(m.TasksEnqueued.WithLabelValues("llm_callback")); got != 2 {
		t.Errorf("enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TasksCompleted.WithLabelValues("llm_callback", "done")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"steward_tasks_enqueued_total",
		"steward_tasks_completed_total",
		"steward_a2a_requests_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNewMetricsWith_IndependentRegistries(t *testing.T) {
	// Two instances must not collide when given separate registries.
	_ = NewMetricsWith(prometheus.NewRegistry())
	_ = NewMetricsWith(prometheus.NewRegistry())
}

func TestTracer_NoopWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	ctx, span := tracer.TraceTurn(context.Background(), "a2a", "c1", "turn-1")
	defer span.End()
	if GetTraceID(ctx) != "" {
		t.Error("no-op tracer should not produce trace ids")
	}
}
