package telemetry_test

import (
	"context"
	"testing"

	"github.com/flowlayer/workflow/telemetry"
)

func TestNoopImplementationsDoNotPanic(t *testing.T) {
	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()
	tracer := telemetry.NewNoopTracer()

	ctx := context.Background()
	logger.Info(ctx, "hello", "k", "v")
	logger.Error(ctx, "bye")
	metrics.IncCounter("c", 1, "tag", "v")

	_, span := tracer.Start(ctx, "op")
	span.AddEvent("e")
	span.End()
}
