// Package tracing wraps OpenTracing span creation around inbound packet
// handling, the way backend/semtechudp.Backend.handlePacket wraps every
// packet in a "Root-HandlePacket" span. No tracer backend is wired up by
// default (opentracing.NoopTracer{}); operators that want real traces
// call SetTracer with a configured implementation before Init.
package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"
)

// SetTracer installs t as the process-wide tracer. Call it once at
// startup, before the Multiplexer is run.
func SetTracer(t opentracing.Tracer) {
	opentracing.SetGlobalTracer(t)
}

// StartPacketSpan starts a span for handling a single datagram, tagged
// with the owning component and the Semtech packet type.
func StartPacketSpan(ctx context.Context, operation, component, packetType string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	span.SetTag("component", component)
	span.SetTag("packet_type", packetType)
	return span, ctx
}
