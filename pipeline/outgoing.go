package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

// Outgoing turns a message into envelopes, one per recipient, and sends each through the
// envelope steps concurrently. Partial sends are not rolled back.
type Outgoing struct {
	config        Configuration
	messageSteps  []OutgoingMessageStep
	envelopeSteps []OutgoingEnvelopeStep
	logger        *slog.Logger
}

// OutgoingOption configures an Outgoing pipeline.
type OutgoingOption func(*outgoingOptions)

type outgoingOptions struct {
	messageSteps  []OutgoingMessageStep
	envelopeSteps []OutgoingEnvelopeStep
	logger        *slog.Logger
}

// WithOutgoingMessageSteps appends message steps, run in registration order.
func WithOutgoingMessageSteps(steps ...OutgoingMessageStep) OutgoingOption {
	return func(o *outgoingOptions) { o.messageSteps = append(o.messageSteps, steps...) }
}

// WithOutgoingEnvelopeSteps appends envelope steps, run once per envelope in registration order.
func WithOutgoingEnvelopeSteps(steps ...OutgoingEnvelopeStep) OutgoingOption {
	return func(o *outgoingOptions) { o.envelopeSteps = append(o.envelopeSteps, steps...) }
}

// WithOutgoingLogger sets the logger used by the final steps.
func WithOutgoingLogger(l *slog.Logger) OutgoingOption {
	return func(o *outgoingOptions) { o.logger = l }
}

// NewOutgoing builds an outgoing pipeline ending in recipient resolution and a send through sender.
func NewOutgoing(config Configuration, sender cbus.Sender, opts ...OutgoingOption) *Outgoing {
	var o outgoingOptions
	for _, f := range opts {
		f(&o)
	}

	logger := orDiscard(o.logger)

	return &Outgoing{
		config:        config,
		messageSteps:  chain(o.messageSteps, OutgoingMessageStep(finalOutgoingMessageStep{})),
		envelopeSteps: chain(o.envelopeSteps, OutgoingEnvelopeStep(finalOutgoingEnvelopeStep{sender: sender, logger: logger})),
		logger:        logger,
	}
}

// Steps lists the step names of both stages, in order.
func (p *Outgoing) Steps() (message, envelope []string) {
	return names(p.messageSteps), names(p.envelopeSteps)
}

// Invoke sends msg. It returns once every envelope pipeline finished, with the first error if any.
func (p *Outgoing) Invoke(ctx context.Context, msg cbus.Message) error {
	if _, ok := p.config.LocalEndpointAddress(); !ok {
		return fmt.Errorf("send %s: %w", codec.NameOf(msg), berr.ErrLocalAddressMissing)
	}

	mc := newOutgoingMessageContext(p.config, msg)
	if err := run(ctx, p.messageSteps, mc); err != nil {
		return err
	}

	envelopes := mc.Envelopes()
	if len(envelopes) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, env := range envelopes {
		g.Go(func() error {
			return run(gctx, p.envelopeSteps, newOutgoingEnvelopeContext(p.config, env))
		})
	}

	return g.Wait()
}

// finalOutgoingMessageStep resolves recipients by intent and creates one envelope per recipient.
type finalOutgoingMessageStep struct{}

func (finalOutgoingMessageStep) Name() string { return "resolve-recipients" }

func (finalOutgoingMessageStep) Invoke(ctx context.Context, mc *OutgoingMessageContext, _ Next) error {
	msg := mc.Message()

	intent, err := cbus.IntentOf(msg)
	if err != nil {
		return err
	}

	name := codec.NameOf(msg)

	switch intent {
	case cbus.IntentCommand:
		addr, err := mc.Configuration().ConsumingEndpointAddress(name)
		if err != nil {
			return err
		}

		mc.CreateEnvelope(ctx, addr)
	case cbus.IntentEvent:
		addrs, err := mc.Configuration().SubscribedEndpointAddresses(ctx, name)
		if err != nil {
			return err
		}

		for _, addr := range addrs {
			mc.CreateEnvelope(ctx, addr)
		}
	case cbus.IntentSubscription:
		publisher, err := mc.Configuration().ConsumingEndpointAddress(subscribedType(msg))
		if err != nil {
			return err
		}

		mc.CreateEnvelope(ctx, publisher)
	default:
		return fmt.Errorf("send %s: %w", name, berr.ErrUnknownIntent)
	}

	return nil
}

func subscribedType(msg cbus.Message) string {
	switch m := msg.(type) {
	case cbus.SubscriptionMessage:
		return m.MessageTypeFullName
	case *cbus.SubscriptionMessage:
		return m.MessageTypeFullName
	default:
		return ""
	}
}

// finalOutgoingEnvelopeStep transmits the envelope.
type finalOutgoingEnvelopeStep struct {
	sender cbus.Sender
	logger *slog.Logger
}

func (finalOutgoingEnvelopeStep) Name() string { return "send" }

func (s finalOutgoingEnvelopeStep) Invoke(ctx context.Context, ec *OutgoingEnvelopeContext, _ Next) error {
	env := ec.Envelope()

	intent, _ := cbus.IntentOf(env.Body())
	s.logger.DebugContext(ctx, "sending message",
		slog.String("intent", intent.String()),
		slog.String("type", env.MessageType()),
		slog.String("recipient", env.Recipient().String()),
	)

	return s.sender.Send(ctx, env)
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}

	return l
}
