package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/next-trace/jitney/codec"
	cbus "github.com/next-trace/jitney/contract/bus"
	berr "github.com/next-trace/jitney/contract/errors"
)

const (
	DefaultPollInterval   = time.Second
	DefaultDisposeTimeout = 10 * time.Second
)

var errAlreadyConnected = errors.New("transport: provider already connected")

// Option configures a PollingProvider.
type Option func(*PollingProvider)

// WithLogger sets the logger for receive errors and dropped entries.
func WithLogger(l *slog.Logger) Option {
	return func(p *PollingProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPollInterval sets how long one receive attempt waits before polling again.
func WithPollInterval(d time.Duration) Option {
	return func(p *PollingProvider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxConcurrency bounds the number of deliveries handled at once. Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(p *PollingProvider) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		} else {
			p.sem = nil
		}
	}
}

// WithRedeliveryDelay delays the abort of a failed delivery.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(p *PollingProvider) { p.redeliveryDelay = max(d, 0) }
}

// WithDisposeTimeout bounds the disconnect performed by Close.
func WithDisposeTimeout(d time.Duration) Option {
	return func(p *PollingProvider) {
		if d > 0 {
			p.disposeTimeout = d
		}
	}
}

// PollingProvider is a bus.Provider polling a Transport for deliveries.
type PollingProvider struct {
	transport Transport
	codec     *codec.EnvelopeCodec
	logger    *slog.Logger

	pollInterval    time.Duration
	redeliveryDelay time.Duration
	disposeTimeout  time.Duration
	sem             *semaphore.Weighted

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	receiver Receiver

	inflight sync.Map
	seq      atomic.Uint64
	count    atomic.Int64
	handlers sync.WaitGroup
}

var _ cbus.Provider = (*PollingProvider)(nil)

// NewPollingProvider builds a provider sending and receiving envelopes encoded by c through t.
func NewPollingProvider(t Transport, c *codec.EnvelopeCodec, opts ...Option) *PollingProvider {
	if c == nil {
		c = codec.NewEnvelopeCodec(nil)
	}

	p := &PollingProvider{
		transport:      t,
		codec:          c,
		logger:         slog.New(slog.DiscardHandler),
		pollInterval:   DefaultPollInterval,
		disposeTimeout: DefaultDisposeTimeout,
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

func (p *PollingProvider) TransportMediumName() string { return p.transport.Medium() }

// InFlight reports the number of deliveries being handled.
func (p *PollingProvider) InFlight() int { return int(p.count.Load()) }

// Connect opens the local queue and starts the receive loop. It returns once the loop runs.
func (p *PollingProvider) Connect(ctx context.Context, local cbus.EndpointAddress, onArrived cbus.EnvelopeHandler) error {
	if local.IsZero() {
		return fmt.Errorf("%s connect: %w", p.transport.Medium(), berr.ErrLocalAddressMissing)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errAlreadyConnected
	}

	recv, err := p.transport.Open(ctx, local)
	if err != nil {
		return berr.Transport(p.transport.Medium(), "open "+local.String(), err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.receiver = recv
	p.loopDone = make(chan struct{})

	go p.loop(loopCtx, recv, onArrived, p.loopDone)

	return nil
}

// Send encodes env and transmits it to its recipient.
func (p *PollingProvider) Send(ctx context.Context, env cbus.Envelope) error {
	to := env.Recipient()
	if to.IsZero() {
		return fmt.Errorf("%s send %s: recipient missing: %w", p.transport.Medium(), env.MessageType(), berr.ErrRouteNotFound)
	}

	body, err := p.codec.Marshal(env)
	if err != nil {
		return err
	}

	return berr.Transport(p.transport.Medium(), "send "+to.String(), p.transport.Send(ctx, to, body))
}

// Disconnect stops receiving, waits for the loop and every in-flight delivery, then closes the
// local queue. It returns ctx.Err() if ctx ends first; the drain and the close of the local queue
// continue in the background.
func (p *PollingProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	cancel, done, recv := p.cancel, p.loopDone, p.receiver
	p.cancel, p.loopDone, p.receiver = nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	closed := make(chan error, 1)
	go func() {
		<-done
		p.handlers.Wait()
		closed <- recv.Close()
	}()

	select {
	case err := <-closed:
		if err != nil {
			return berr.Transport(p.transport.Medium(), "close receiver", err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects within the dispose timeout and releases the transport.
func (p *PollingProvider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.disposeTimeout)
	defer cancel()

	return errors.Join(p.Disconnect(ctx), p.transport.Close())
}

func (p *PollingProvider) loop(ctx context.Context, recv Receiver, onArrived cbus.EnvelopeHandler, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if p.sem != nil {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
		}

		d, err := p.receive(ctx, recv)
		if err != nil || d == nil {
			p.release()

			if err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "receive failed",
					slog.String("medium", p.transport.Medium()),
					slog.String("error", err.Error()),
				)
				p.pause(ctx, p.pollInterval)
			}

			continue
		}

		p.start(ctx, d, onArrived)
	}
}

func (p *PollingProvider) receive(ctx context.Context, recv Receiver) (Delivery, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.pollInterval)
	defer cancel()

	d, err := recv.Receive(pollCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}

	return d, err
}

func (p *PollingProvider) start(ctx context.Context, d Delivery, onArrived cbus.EnvelopeHandler) {
	id := p.seq.Add(1)
	p.inflight.Store(id, d)
	p.count.Add(1)
	p.handlers.Add(1)

	go func() {
		defer func() {
			p.inflight.Delete(id)
			p.count.Add(-1)
			p.release()
			p.handlers.Done()
		}()

		p.process(ctx, d, onArrived)
	}()
}

// process handles one delivery. Handling is not cancelled by Disconnect; only the redelivery
// delay is cut short.
func (p *PollingProvider) process(loopCtx context.Context, d Delivery, onArrived cbus.EnvelopeHandler) {
	ctx := context.WithoutCancel(loopCtx)

	err := p.handle(ctx, d, onArrived)
	if err == nil {
		if cerr := d.Commit(ctx); cerr != nil {
			p.logger.ErrorContext(ctx, "commit failed",
				slog.String("medium", p.transport.Medium()),
				slog.String("error", cerr.Error()),
			)
		}

		return
	}

	p.logger.ErrorContext(ctx, "handling failed, message will be redelivered",
		slog.String("medium", p.transport.Medium()),
		slog.String("error", err.Error()),
	)

	p.pause(loopCtx, p.redeliveryDelay)

	if aerr := d.Abort(ctx); aerr != nil {
		p.logger.ErrorContext(ctx, "abort failed",
			slog.String("medium", p.transport.Medium()),
			slog.String("error", aerr.Error()),
		)
	}
}

func (p *PollingProvider) handle(ctx context.Context, d Delivery, onArrived cbus.EnvelopeHandler) (err error) {
	env, derr := p.codec.Unmarshal(d.Body())
	if derr != nil {
		p.logger.WarnContext(ctx, "dropping queue entry that is not an envelope",
			slog.String("medium", p.transport.Medium()),
			slog.String("error", derr.Error()),
		)

		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return onArrived(ctx, env)
}

func (p *PollingProvider) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *PollingProvider) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
