package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/jitney/pipeline"
)

const namespace = "jitney"

// Metrics counts sent and handled messages.
type Metrics struct {
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A collector already
// registered by another bus in the same process is reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to the transport, by message type and outcome.",
		}, []string{"type", "outcome"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Messages dispatched to handlers, by intent, message type and outcome.",
		}, []string{"intent", "type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handling_seconds",
			Help:      "Time spent in handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"intent", "type"}),
	}

	var err error
	if m.sent, err = register(reg, m.sent); err != nil {
		return nil, err
	}

	if m.received, err = register(reg, m.received); err != nil {
		return nil, err
	}

	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, err
	}

	return c, nil
}

// OutgoingStep counts envelopes by the outcome of the rest of the pipeline.
func (m *Metrics) OutgoingStep() pipeline.OutgoingEnvelopeStep {
	return pipeline.NewStep("metrics", func(ctx context.Context, ec *pipeline.OutgoingEnvelopeContext, next pipeline.Next) error {
		err := next(ctx)
		m.sent.WithLabelValues(ec.Envelope().MessageType(), outcome(err)).Inc()

		return err
	})
}

// IncomingStep counts handled messages and observes handling time.
func (m *Metrics) IncomingStep() pipeline.IncomingMessageStep {
	return pipeline.NewStep("metrics", func(ctx context.Context, mc *pipeline.IncomingMessageContext, next pipeline.Next) error {
		intent, typ := mc.Intent().String(), mc.Envelope().MessageType()
		start := time.Now()

		err := next(ctx)

		m.duration.WithLabelValues(intent, typ).Observe(time.Since(start).Seconds())
		m.received.WithLabelValues(intent, typ, outcome(err)).Inc()

		return err
	})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
