// Package middleware provides optional pipeline steps: prometheus metrics, OpenTelemetry
// tracing with header propagation, and a circuit breaker on sends.
//
// Steps are registered through the bus builder like any other:
//
//	m, _ := middleware.NewMetrics(prometheus.DefaultRegisterer)
//	tr := middleware.NewTracing(otel.GetTracerProvider(), propagation.TraceContext{})
//	b.AddOutgoingEnvelopeStep(tr.OutgoingStep()).
//		AddOutgoingEnvelopeStep(m.OutgoingStep()).
//		AddOutgoingEnvelopeStep(middleware.NewCircuitBreaker(middleware.BreakerSettings{})).
//		AddIncomingEnvelopeStep(tr.IncomingStep()).
//		AddIncomingMessageStep(m.IncomingStep())
package middleware
