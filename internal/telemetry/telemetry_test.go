package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	p, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, span := Tracer("").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected no-op span when disabled")
	}
	span.End()
	Counter(Meter(""), "afu9.test", "test").Add(ctx, 1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabledRecordsSpans(t *testing.T) {
	p, err := Init(context.Background(), Options{Enabled: true, ServiceName: "afu9-test"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Shutdown(context.Background())
		_, _ = Init(context.Background(), Options{})
	})

	_, span := Tracer("").Start(context.Background(), "enabled")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span when enabled")
	}
	span.End()
	Histogram(Meter(""), "afu9.test.duration", "test").Record(context.Background(), 1.5)
}

func TestShutdownNil(t *testing.T) {
	var p *Providers
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}
