package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

func forwardTo(env cbus.Envelope, queue cbus.EndpointAddress) cbus.Envelope {
	return env.WithHeaders(map[string]string{
		cbus.HeaderOriginalRecipient: env.Recipient().String(),
		cbus.HeaderRecipient:         queue.String(),
	})
}

func queueAddress(step, queue string, sender cbus.Sender) (cbus.EndpointAddress, error) {
	if strings.TrimSpace(queue) == "" {
		return cbus.EndpointAddress{}, fmt.Errorf("%s: queue name required: %w", step, berr.ErrInvalidStep)
	}

	if sender == nil {
		return cbus.EndpointAddress{}, fmt.Errorf("%s: sender required: %w", step, berr.ErrInvalidStep)
	}

	return cbus.ParseEndpointAddress(queue), nil
}

// AuditQueueStep forwards a copy of every successfully handled envelope, stamped with the
// processing time, to an audit queue. Subscription messages are skipped unless enabled.
type AuditQueueStep struct {
	queue         cbus.EndpointAddress
	sender        cbus.Sender
	subscriptions bool
}

var _ IncomingMessageStep = (*AuditQueueStep)(nil)

// NewAuditQueueStep validates its arguments up front.
func NewAuditQueueStep(queue string, sender cbus.Sender) (*AuditQueueStep, error) {
	addr, err := queueAddress("audit queue step", queue, sender)
	if err != nil {
		return nil, err
	}

	return &AuditQueueStep{queue: addr, sender: sender}, nil
}

// WithSubscriptionMessages returns a copy of the step that also audits subscription messages.
func (s *AuditQueueStep) WithSubscriptionMessages() *AuditQueueStep {
	cp := *s
	cp.subscriptions = true

	return &cp
}

func (s *AuditQueueStep) Name() string { return "audit-queue" }

func (s *AuditQueueStep) Invoke(ctx context.Context, mc *IncomingMessageContext, next Next) error {
	if err := next(ctx); err != nil {
		return err
	}

	if mc.Intent() == cbus.IntentSubscription && !s.subscriptions {
		return nil
	}

	env := forwardTo(mc.Envelope(), s.queue).AddHeader(cbus.HeaderTimeProcessed, cbus.FormatTime(now()))

	return s.sender.Send(ctx, env)
}

// ErrorQueueStep forwards an envelope whose handling failed to an error queue, enriched with the
// failure, and then returns the original error unchanged. It does not recover the failure.
type ErrorQueueStep struct {
	queue  cbus.EndpointAddress
	sender cbus.Sender
	logger *slog.Logger
}

var _ IncomingEnvelopeStep = (*ErrorQueueStep)(nil)

// NewErrorQueueStep validates its arguments up front.
func NewErrorQueueStep(queue string, sender cbus.Sender) (*ErrorQueueStep, error) {
	addr, err := queueAddress("error queue step", queue, sender)
	if err != nil {
		return nil, err
	}

	return &ErrorQueueStep{queue: addr, sender: sender, logger: orDiscard(nil)}, nil
}

// WithLogger sets the logger reporting failed forwards.
func (s *ErrorQueueStep) WithLogger(l *slog.Logger) *ErrorQueueStep {
	cp := *s
	cp.logger = orDiscard(l)

	return &cp
}

func (s *ErrorQueueStep) Name() string { return "error-queue" }

func (s *ErrorQueueStep) Invoke(ctx context.Context, ec *IncomingEnvelopeContext, next Next) error {
	err := next(ctx)
	if err == nil {
		return nil
	}

	env := forwardTo(ec.Envelope(), s.queue).WithHeaders(map[string]string{
		cbus.HeaderExceptionName:    fmt.Sprintf("%T", err),
		cbus.HeaderExceptionMessage: err.Error(),
		cbus.HeaderExceptionString:  fmt.Sprintf("%+v", err),
		cbus.HeaderRetryCount:       "0",
	})

	if sendErr := s.sender.Send(context.WithoutCancel(ctx), env); sendErr != nil {
		s.logger.ErrorContext(ctx, "forward to error queue failed",
			slog.String("queue", s.queue.String()),
			slog.String("type", env.MessageType()),
			slog.String("error", sendErr.Error()),
		)
	}

	return err
}
