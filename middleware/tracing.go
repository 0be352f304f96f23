package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/jitney/contract/bus"
	"github.com/next-trace/jitney/pipeline"
)

const instrumentationName = "github.com/next-trace/jitney"

var (
	attrMessageType   = attribute.Key("jitney.message.type")
	attrMessageID     = attribute.Key("jitney.message.id")
	attrCorrelationID = attribute.Key("jitney.correlation.id")
	attrSender        = attribute.Key("jitney.sender")
	attrRecipient     = attribute.Key("jitney.recipient")
)

// HeaderPropagator adapts an OpenTelemetry TextMapPropagator to envelope headers.
type HeaderPropagator struct {
	propagator propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = HeaderPropagator{}

func NewHeaderPropagator(p propagation.TextMapPropagator) HeaderPropagator {
	return HeaderPropagator{propagator: p}
}

func (h HeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	h.propagator.Inject(ctx, propagation.MapCarrier(headers))
}

func (h HeaderPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	return h.propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// Tracing opens a producer span per sent envelope and a consumer span per received one,
// linking them through the envelope headers.
type Tracing struct {
	tracer     trace.Tracer
	propagator HeaderPropagator
}

func NewTracing(tp trace.TracerProvider, p propagation.TextMapPropagator) *Tracing {
	return &Tracing{
		tracer:     tp.Tracer(instrumentationName),
		propagator: NewHeaderPropagator(p),
	}
}

// Propagator returns the header propagator, for transports carrying headers natively.
func (t *Tracing) Propagator() HeaderPropagator { return t.propagator }

// OutgoingStep starts a producer span and writes its context into the envelope headers.
func (t *Tracing) OutgoingStep() pipeline.OutgoingEnvelopeStep {
	return pipeline.NewStep("tracing", func(ctx context.Context, ec *pipeline.OutgoingEnvelopeContext, next pipeline.Next) error {
		env := ec.Envelope()

		ctx, span := t.tracer.Start(ctx, "send "+env.MessageType(),
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(envelopeAttributes(env)...),
		)
		defer span.End()

		carrier := map[string]string{}
		t.propagator.Inject(ctx, carrier)
		ec.ReplaceEnvelope(env.WithHeaders(carrier))

		return record(span, next(ctx))
	})
}

// IncomingStep continues the trace found in the headers with a consumer span.
func (t *Tracing) IncomingStep() pipeline.IncomingEnvelopeStep {
	return pipeline.NewStep("tracing", func(ctx context.Context, ec *pipeline.IncomingEnvelopeContext, next pipeline.Next) error {
		env := ec.Envelope()
		ctx = t.propagator.Extract(ctx, env.Headers())

		ctx, span := t.tracer.Start(ctx, "handle "+env.MessageType(),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(envelopeAttributes(env)...),
		)
		defer span.End()

		return record(span, next(ctx))
	})
}

func envelopeAttributes(env cbus.Envelope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attrMessageType.String(env.MessageType()),
		attrSender.String(env.Sender().String()),
		attrRecipient.String(env.Recipient().String()),
	}

	if id, ok := env.Header(cbus.HeaderMessageID); ok {
		attrs = append(attrs, attrMessageID.String(id))
	}

	if id, ok := env.Header(cbus.HeaderCorrelationID); ok {
		attrs = append(attrs, attrCorrelationID.String(id))
	}

	return attrs
}

func record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	span.SetStatus(codes.Ok, "")

	return nil
}
