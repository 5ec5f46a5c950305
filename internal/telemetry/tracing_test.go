package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(Config{})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error: %v", err)
	}
}

func TestSetup_ExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var buf bytes.Buffer
	shutdown, err := Setup(Config{Enabled: true, Output: &buf, SampleRatio: 1, Version: "test"})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}

	_, span := StartSpan(context.Background(), "trustgate/test", "authz.Authorize",
		attribute.String(AttrResource, "job"),
	)
	AddEvent(span, "decision", attribute.String(AttrVerdict, "ALLOW"))
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"authz.Authorize", AttrResource, "boom", "trustgate"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %q", want)
		}
	}
}
