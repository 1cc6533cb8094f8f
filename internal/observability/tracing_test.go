package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracing_DisabledWithoutEndpoint(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, msgSpan := StartMessageSpan(context.Background(), "requests", "m-1", 2)
	_, stageSpan := StartStageSpan(ctx, "stage_two", "test_00")
	dist := float32(0.5)
	RecordResult(stageSpan, "bob", &dist, 1)
	stageSpan.End()
	RecordError(msgSpan, errors.New("boom"))
	RecordError(msgSpan, nil)
	msgSpan.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)

	stage := spans[0]
	assert.Equal(t, "stage_two.process", stage.Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), stage.Parent().SpanID())
	a := attrs(stage)
	assert.Equal(t, "bob", a["facequeue.label"].AsString())
	assert.Equal(t, int64(1), a["facequeue.warnings"].AsInt64())
	assert.InDelta(t, 0.5, a["facequeue.distance"].AsFloat64(), 1e-9)

	msg := spans[1]
	assert.Equal(t, "driver.message", msg.Name())
	assert.Equal(t, int64(2), attrs(msg)["facequeue.receive_count"].AsInt64())
	assert.Equal(t, codes.Error, msg.Status().Code)
}
