package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	cbus "github.com/next-trace/jitney/contract/bus"
)

// Dispatcher invokes the handler(s) registered for an incoming message.
type Dispatcher interface {
	Dispatch(ctx context.Context, mc *IncomingMessageContext) error
}

// DispatcherFunc adapts a function into a Dispatcher.
type DispatcherFunc func(ctx context.Context, mc *IncomingMessageContext) error

func (f DispatcherFunc) Dispatch(ctx context.Context, mc *IncomingMessageContext) error { return f(ctx, mc) }

// Incoming turns a received envelope into a handler call.
type Incoming struct {
	config        Configuration
	envelopeSteps []IncomingEnvelopeStep
	logger        *slog.Logger
}

// IncomingOption configures an Incoming pipeline.
type IncomingOption func(*incomingOptions)

type incomingOptions struct {
	envelopeSteps []IncomingEnvelopeStep
	messageSteps  []IncomingMessageStep
	logger        *slog.Logger
}

// WithIncomingEnvelopeSteps appends envelope steps, run in registration order.
func WithIncomingEnvelopeSteps(steps ...IncomingEnvelopeStep) IncomingOption {
	return func(o *incomingOptions) { o.envelopeSteps = append(o.envelopeSteps, steps...) }
}

// WithIncomingMessageSteps appends message steps, run in registration order.
func WithIncomingMessageSteps(steps ...IncomingMessageStep) IncomingOption {
	return func(o *incomingOptions) { o.messageSteps = append(o.messageSteps, steps...) }
}

// WithIncomingLogger sets the logger used by the final steps.
func WithIncomingLogger(l *slog.Logger) IncomingOption {
	return func(o *incomingOptions) { o.logger = l }
}

// NewIncoming builds an incoming pipeline ending in dispatch through dispatcher.
func NewIncoming(config Configuration, dispatcher Dispatcher, opts ...IncomingOption) *Incoming {
	var o incomingOptions
	for _, f := range opts {
		f(&o)
	}

	logger := orDiscard(o.logger)
	messageSteps := chain(o.messageSteps, IncomingMessageStep(finalIncomingMessageStep{
		dispatcher: dispatcher,
		logger:     logger,
	}))

	return &Incoming{
		config: config,
		envelopeSteps: chain(o.envelopeSteps, IncomingEnvelopeStep(finalIncomingEnvelopeStep{
			messageSteps: messageSteps,
			logger:       logger,
		})),
		logger: logger,
	}
}

// Steps lists the step names of both stages, in order.
func (p *Incoming) Steps() (envelope, message []string) {
	final, _ := p.envelopeSteps[len(p.envelopeSteps)-1].(finalIncomingEnvelopeStep)
	return names(p.envelopeSteps), names(final.messageSteps)
}

// Invoke processes env. A context that already carries a correlation stack (a nested,
// in-process delivery) shares it; otherwise the flow gets a fresh one.
func (p *Incoming) Invoke(ctx context.Context, env cbus.Envelope) error {
	ctx, _ = ensureCorrelationStack(ctx)
	return run(ctx, p.envelopeSteps, newIncomingEnvelopeContext(p.config, env))
}

// finalIncomingEnvelopeStep tracks the correlation id, materializes the message and runs the
// message stage. The id is popped once the message stage returns, successful or not.
type finalIncomingEnvelopeStep struct {
	messageSteps []IncomingMessageStep
	logger       *slog.Logger
}

func (finalIncomingEnvelopeStep) Name() string { return "materialize-message" }

func (s finalIncomingEnvelopeStep) Invoke(ctx context.Context, ec *IncomingEnvelopeContext, _ Next) error {
	env := ec.Envelope()

	id := env.CorrelationID()
	if id == uuid.Nil {
		// The flow starts here: later messages correlate to this one.
		if mid, err := uuid.Parse(mustHeader(env, cbus.HeaderMessageID)); err == nil {
			id = mid
		} else {
			id = uuid.New()
		}
	}

	stack := CorrelationStackFrom(ctx)
	stack.Push(id)
	defer stack.Pop()

	msg := ec.SetMessage()
	if msg == nil {
		s.logger.WarnContext(ctx, "envelope without message", slog.String("sender", env.Sender().String()))
		return nil
	}

	intent, err := cbus.IntentOf(msg)
	if err != nil {
		return err
	}

	return run(ctx, s.messageSteps, newIncomingMessageContext(ec.Configuration(), env, msg, intent))
}

// finalIncomingMessageStep logs reception and dispatches to the registered handler(s).
type finalIncomingMessageStep struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func (finalIncomingMessageStep) Name() string { return "dispatch" }

func (s finalIncomingMessageStep) Invoke(ctx context.Context, mc *IncomingMessageContext, _ Next) error {
	s.logger.DebugContext(ctx, "received message",
		slog.String("intent", mc.Intent().String()),
		slog.String("type", mc.Envelope().MessageType()),
		slog.String("sender", mc.Envelope().Sender().String()),
	)

	return s.dispatcher.Dispatch(ctx, mc)
}

func mustHeader(env cbus.Envelope, key string) string {
	v, _ := env.Header(key)
	return v
}
