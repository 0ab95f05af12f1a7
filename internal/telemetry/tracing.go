package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the named tracer from the global provider. Without an SDK
// provider installed the spans are no-ops.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("marketplace-orchestrator/" + name)
}
