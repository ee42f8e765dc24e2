package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
)

// installTracer points the global provider at an in-memory exporter.
func installTracer(t *testing.T, opts ...sdktrace.TracerProviderOption) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	if len(opts) == 0 {
		opts = []sdktrace.TracerProviderOption{
			sdktrace.WithSyncer(exporter),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{Enabled: false, Exporter: "zipkin"}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"stdout with error export", config.TracingConfig{Enabled: true, Exporter: "stdout", ForceSampleErrors: true}, false},
		{"unsupported exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
			t.Cleanup(func() {
				otel.SetTracerProvider(prevTP)
				otel.SetTextMapPropagator(prevProp)
			})

			shutdown, err := InitTracing(context.Background(), tt.cfg, "caseflow", "test")
			if (err != nil) != tt.wantErr {
				t.Fatalf("InitTracing() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestNewSampler_rootDecisions(t *testing.T) {
	tests := []struct {
		rate float64
		want sdktrace.SamplingDecision
	}{
		{1, sdktrace.RecordAndSample},
		{5, sdktrace.RecordAndSample},
		{1e-12, sdktrace.Drop},
	}
	// A trace id in the top half of the id space never passes a tiny ratio.
	tid, _ := trace.TraceIDFromHex("ffffffffffffffffffffffffffffffff")
	for _, tt := range tests {
		got := newSampler(config.TracingConfig{SamplingRate: tt.rate}).ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       tid,
			Name:          "workflow.attempt_transition",
		})
		if got.Decision != tt.want {
			t.Errorf("rate %v: decision = %v, want %v", tt.rate, got.Decision, tt.want)
		}
	}
}

func TestWithErrorExport_exportsFailedSpansOfDroppedTraces(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	sampler, processor := withErrorExport(sdktrace.NeverSample(), sdktrace.NewSimpleSpanProcessor(exporter))
	installTracer(t, sdktrace.WithSampler(sampler), sdktrace.WithSpanProcessor(processor))

	_, ok := StartSpan(context.Background(), "notification.send", AttrDriver.String("log"))
	EndSpanWithError(ok, nil)
	_, failed := StartSpan(context.Background(), "workflow.attempt_transition", AttrCaseID.String("NC-9"))
	EndSpanWithError(failed, errors.New("store unavailable"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want only the failed one", len(spans))
	}
	if spans[0].Name != "workflow.attempt_transition" {
		t.Errorf("exported span = %q, want workflow.attempt_transition", spans[0].Name)
	}
	if !spans[0].SpanContext.IsSampled() {
		t.Error("exported span should carry the sampled flag")
	}
	if spans[0].Status.Description != "store unavailable" {
		t.Errorf("status description = %q, want store unavailable", spans[0].Status.Description)
	}
}

func TestStartSpan_childSharesTrace(t *testing.T) {
	exporter := installTracer(t)

	ctx, approve := StartSpan(context.Background(), "approval.approve", AttrRequestID.String("r-1"))
	_, apply := StartSpan(ctx, "workflow.apply_gated_transition",
		AttrCaseID.String("NC-1"),
		AttrToState.String("CORRECTIVE_ACTION"),
	)
	apply.End()
	approve.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("child should share the parent's trace id")
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("child parent span id should be the approval span")
	}
	if got := spanAttrMap(child)["caseflow.to_state"]; got != "CORRECTIVE_ACTION" {
		t.Errorf("caseflow.to_state = %q, want CORRECTIVE_ACTION", got)
	}
	if got := TraceIDFromContext(ctx); got != parent.SpanContext.TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, parent.SpanContext.TraceID().String())
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := installTracer(t)

	_, failed := StartSpan(context.Background(), "approval.reject")
	EndSpanWithError(failed, errors.New("already resolved"))
	_, ok := StartSpan(context.Background(), "approval.approve")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || len(spans[0].Events) == 0 {
		t.Errorf("failed span status = %v with %d events, want Error with the recorded error", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span should not have Error status")
	}
}

func TestTraceIDFromContext_noSpan(t *testing.T) {
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := installTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/v1/cases/{caseId}/transitions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	r.Post("/v1/approvals/{requestId}/approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for _, path := range []string{"/v1/cases/NC-1/transitions", "/v1/approvals/r-7/approve"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Header().Get("Traceparent") == "" {
			t.Errorf("%s: response should carry Traceparent", path)
		}
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "POST /v1/cases/{caseId}/transitions" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}
	if spans[0].SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", spans[0].SpanKind)
	}
	attrs := spanAttrMap(spans[0])
	if attrs["http.route"] != "/v1/cases/{caseId}/transitions" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["url.path"] != "/v1/cases/NC-1/transitions" {
		t.Errorf("url.path = %q, want the concrete path", attrs["url.path"])
	}
	if attrs["http.response.status_code"] != "201" {
		t.Errorf("http.response.status_code = %q, want 201", attrs["http.response.status_code"])
	}
	if spans[1].Status.Code != codes.Error {
		t.Errorf("500 response span status = %v, want Error", spans[1].Status.Code)
	}
}

func TestTracingMiddleware_unmatchedRouteKeepsMethodName(t *testing.T) {
	exporter := installTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/cases/NC-404", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET" {
		t.Fatalf("spans = %v, want one span named GET", spans)
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	exporter := installTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	const parentSpanID = "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/v1/configurations/resolve", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace id = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentSpanID {
		t.Errorf("parent span id = %q, want %q", got, parentSpanID)
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	installTracer(t)

	ctx, span := StartSpan(context.Background(), "notification.send")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("webhook headers should carry Traceparent")
	}
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
