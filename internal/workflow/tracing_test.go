package workflow

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/passage/model"
)

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func spansNamed(exporter *tracetest.InMemoryExporter, name string) []tracetest.SpanStub {
	var out []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func spanAttr(s tracetest.SpanStub, key string) string {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit()
		}
	}
	return ""
}

func TestEngine_DecideStep_emitsSpans(t *testing.T) {
	exporter := recordSpans(t)
	h := newHarness(t)
	tpl := h.createTemplate(t, travelTemplate())
	inst := h.start(t, tpl.ID, "tr-span")

	if _, err := h.engine.DecideStep(context.Background(), inst.CurrentExecutionID, model.ActionApprove, mark, ""); !model.IsCode(err, model.ErrNotAssigned) {
		t.Fatalf("DecideStep(mark) error = %v, want NOT_ASSIGNED", err)
	}
	h.decide(t, inst.CurrentExecutionID, model.ActionApprove, fiona)

	if got := spansNamed(exporter, "workflow.template.create"); len(got) != 1 {
		t.Errorf("workflow.template.create spans = %d, want 1", len(got))
	}

	starts := spansNamed(exporter, "workflow.start")
	if len(starts) != 1 {
		t.Fatalf("workflow.start spans = %d, want 1", len(starts))
	}
	for k, want := range map[string]string{
		"workflow.template_id": tpl.ID,
		"workflow.entity_type": "travel_request",
		"workflow.actor_id":    alice.ID,
	} {
		if got := spanAttr(starts[0], k); got != want {
			t.Errorf("workflow.start %s = %q, want %q", k, got, want)
		}
	}

	decides := spansNamed(exporter, "workflow.decide")
	if len(decides) != 2 {
		t.Fatalf("workflow.decide spans = %d, want 2", len(decides))
	}
	denied, approved := decides[0], decides[1]
	if denied.Status.Code != codes.Error || spanAttr(denied, "workflow.error_code") != model.ErrNotAssigned {
		t.Errorf("denied decide: status %v, error_code %q", denied.Status.Code, spanAttr(denied, "workflow.error_code"))
	}
	if approved.Status.Code == codes.Error {
		t.Errorf("approved decide marked as error: %s", approved.Status.Description)
	}
	if got := spanAttr(approved, "workflow.execution_id"); got != inst.CurrentExecutionID {
		t.Errorf("workflow.execution_id = %q, want %q", got, inst.CurrentExecutionID)
	}
	if got := spanAttr(approved, "workflow.action"); got != string(model.ActionApprove) {
		t.Errorf("workflow.action = %q, want approve", got)
	}
	if denied.SpanContext.TraceID() == starts[0].SpanContext.TraceID() {
		t.Error("independent engine calls share a trace")
	}
}

func TestEngine_SweepOverdue_emitsSpan(t *testing.T) {
	exporter := recordSpans(t)
	h := newHarness(t)
	tpl := h.createTemplate(t, travelTemplate())
	h.start(t, tpl.ID, "tr-sweep-span")

	if _, err := h.engine.SweepOverdue(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("SweepOverdue() error = %v", err)
	}
	sweeps := spansNamed(exporter, "workflow.sweep")
	if len(sweeps) != 1 {
		t.Fatalf("workflow.sweep spans = %d, want 1", len(sweeps))
	}
	if sweeps[0].Status.Code == codes.Error {
		t.Errorf("sweep span marked as error: %s", sweeps[0].Status.Description)
	}
}
