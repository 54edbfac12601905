package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by this service's spans.
const InstrumentationName = "github.com/viralforge/mesh/services/integrations/M46-network-transaction-service"

// LinkKindAsyncCallback tags links from a callback span to the span that sent the request.
const LinkKindAsyncCallback = "async_callback"

// Carrier serializes the active trace context into an opaque token stored with a
// pending transaction, and restores it when the asynchronous callback arrives.
type Carrier struct {
	propagator propagation.TextMapPropagator
}

// NewCarrier uses the W3C trace-context propagator when p is nil.
func NewCarrier(p propagation.TextMapPropagator) *Carrier {
	if p == nil {
		p = propagation.TraceContext{}
	}
	return &Carrier{propagator: p}
}

// Serialize returns "" when ctx carries no valid span.
func (c *Carrier) Serialize(ctx context.Context) string {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return ""
	}
	mc := propagation.MapCarrier{}
	c.propagator.Inject(ctx, mc)
	if len(mc) == 0 {
		return ""
	}
	raw, err := json.Marshal(mc)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Restore returns a remote span context, or false for an empty or invalid token.
func (c *Carrier) Restore(token string) (trace.SpanContext, bool) {
	if token == "" {
		return trace.SpanContext{}, false
	}
	mc := propagation.MapCarrier{}
	if err := json.Unmarshal([]byte(token), &mc); err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.SpanContextFromContext(c.propagator.Extract(context.Background(), mc))
	if !sc.IsValid() {
		return trace.SpanContext{}, false
	}
	return sc, true
}

// Link restores token and returns base plus the callback link, if any.
func (c *Carrier) Link(token string, base ...trace.SpanStartOption) []trace.SpanStartOption {
	sc, ok := c.Restore(token)
	return LinkOptions(sc, ok, base...)
}

// LinkOptions appends a causal link to sc. The original span has ended by the
// time a callback arrives, so the callback span is a new root linked to it.
func LinkOptions(sc trace.SpanContext, ok bool, base ...trace.SpanStartOption) []trace.SpanStartOption {
	opts := append([]trace.SpanStartOption{}, base...)
	if !ok || !sc.IsValid() {
		return opts
	}
	return append(opts,
		trace.WithNewRoot(),
		trace.WithLinks(trace.Link{
			SpanContext: sc,
			Attributes:  []attribute.KeyValue{attribute.String("link.kind", LinkKindAsyncCallback)},
		}),
	)
}

// Tracer returns the service tracer from tp, or from the global provider when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}
