package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
)

var now = time.Now

// Configuration is the read-only view of bus configuration the pipelines consult.
type Configuration interface {
	// LocalEndpointAddress is the queue this endpoint receives from.
	LocalEndpointAddress() (cbus.EndpointAddress, bool)
	// ConsumingEndpointAddress resolves the endpoint owning messageType (its command handler or event publisher).
	ConsumingEndpointAddress(messageType string) (cbus.EndpointAddress, error)
	// SubscribedEndpointAddresses lists the endpoints subscribed to messageType.
	SubscribedEndpointAddresses(ctx context.Context, messageType string) ([]cbus.EndpointAddress, error)
}

type pipelineContext struct {
	config Configuration
}

// Configuration returns the bus configuration view.
func (c pipelineContext) Configuration() Configuration { return c.config }

// IncomingEnvelopeContext wraps a received envelope.
type IncomingEnvelopeContext struct {
	pipelineContext

	envelope cbus.Envelope
	once     sync.Once
	message  cbus.Message
}

func newIncomingEnvelopeContext(config Configuration, env cbus.Envelope) *IncomingEnvelopeContext {
	return &IncomingEnvelopeContext{pipelineContext: pipelineContext{config: config}, envelope: env}
}

// Envelope returns the received envelope.
func (c *IncomingEnvelopeContext) Envelope() cbus.Envelope { return c.envelope }

// ReplaceEnvelope swaps the envelope seen by later steps. It has no effect once the message was materialized.
func (c *IncomingEnvelopeContext) ReplaceEnvelope(env cbus.Envelope) { c.envelope = env }

// SetMessage materializes the message from the envelope body. It is idempotent: every call
// returns the instance produced by the first.
func (c *IncomingEnvelopeContext) SetMessage() cbus.Message {
	c.once.Do(func() { c.message = c.envelope.Body() })
	return c.message
}

// IncomingMessageContext wraps a received envelope and its materialized message.
type IncomingMessageContext struct {
	pipelineContext

	envelope cbus.Envelope
	message  cbus.Message
	intent   cbus.Intent
}

func newIncomingMessageContext(
	config Configuration,
	env cbus.Envelope,
	msg cbus.Message,
	intent cbus.Intent,
) *IncomingMessageContext {
	return &IncomingMessageContext{
		pipelineContext: pipelineContext{config: config},
		envelope:        env,
		message:         msg,
		intent:          intent,
	}
}

func (c *IncomingMessageContext) Envelope() cbus.Envelope { return c.envelope }
func (c *IncomingMessageContext) Message() cbus.Message   { return c.message }
func (c *IncomingMessageContext) Intent() cbus.Intent     { return c.intent }

// OutgoingMessageContext wraps a message being sent and collects one envelope per recipient.
type OutgoingMessageContext struct {
	pipelineContext

	message   cbus.Message
	envelopes []cbus.Envelope
}

func newOutgoingMessageContext(config Configuration, msg cbus.Message) *OutgoingMessageContext {
	return &OutgoingMessageContext{pipelineContext: pipelineContext{config: config}, message: msg}
}

func (c *OutgoingMessageContext) Message() cbus.Message { return c.message }

// Envelopes returns the envelopes created so far.
func (c *OutgoingMessageContext) Envelopes() []cbus.Envelope {
	return append([]cbus.Envelope(nil), c.envelopes...)
}

// CreateEnvelope creates and records an envelope for recipient. Sender is the local endpoint and
// the correlation id is the current one of the flow carried by ctx, if any.
func (c *OutgoingMessageContext) CreateEnvelope(ctx context.Context, recipient cbus.EndpointAddress) cbus.Envelope {
	local, _ := c.config.LocalEndpointAddress()

	headers := map[string]string{
		cbus.HeaderSender:      local.String(),
		cbus.HeaderRecipient:   recipient.String(),
		cbus.HeaderMessageID:   uuid.NewString(),
		cbus.HeaderMessageType: codec.NameOf(c.message),
		cbus.HeaderTimeSent:    cbus.FormatTime(now()),
	}

	if id, ok := CorrelationID(ctx); ok && id != uuid.Nil {
		headers[cbus.HeaderCorrelationID] = id.String()
	}

	env := cbus.NewEnvelope(headers, c.message)
	c.envelopes = append(c.envelopes, env)

	return env
}

// OutgoingEnvelopeContext wraps one outgoing envelope.
type OutgoingEnvelopeContext struct {
	pipelineContext

	envelope cbus.Envelope
}

func newOutgoingEnvelopeContext(config Configuration, env cbus.Envelope) *OutgoingEnvelopeContext {
	return &OutgoingEnvelopeContext{pipelineContext: pipelineContext{config: config}, envelope: env}
}

func (c *OutgoingEnvelopeContext) Envelope() cbus.Envelope { return c.envelope }

// ReplaceEnvelope swaps the envelope sent by the final step, e.g. to add headers.
func (c *OutgoingEnvelopeContext) ReplaceEnvelope(env cbus.Envelope) { c.envelope = env }
