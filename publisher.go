package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Publisher publishes messages on a [Transport] in confirm mode and tells callers
// whether the broker accepted each of them.
//
// A Publisher owns the [Registry] and [Resolver] of one broker channel. It is safe for
// concurrent use; callers waiting for a confirmation hold no lock.
type Publisher struct {
	transport Transport
	registry  *Registry
	resolver  *Resolver

	logger   *zap.Logger
	observer Observer
	clock    clock.Clock

	confirmTimeout time.Duration
	drainDelay     DelayFunc
	errChSize      int

	// held for reading from sequence reservation until the message is sent
	inflight sync.RWMutex
	closed   int32
}

// PublisherOption is a function that configures a Publisher instance.
type PublisherOption func(*Publisher)

// WithLogger sets the logger used by the Publisher and its Resolver.
// Default is a no-op logger.
func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithObserver sets an Observer notified about publishes and confirmations,
// see the metrics package for a Prometheus implementation.
func WithObserver(o Observer) PublisherOption {
	return func(p *Publisher) {
		p.observer = o
	}
}

// WithClock sets the clock used for confirmation timeouts and latencies.
// Default is the wall clock.
func WithClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = c
	}
}

// WithConfirmTimeout bounds how long [Publisher.PublishAndAwaitConfirmation] waits for
// a confirmation. On timeout the caller gets ErrTimeout while the publish stays pending and
// may still be resolved later.
// Default is no timeout, the wait is then bounded only by the caller's context.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithDrainDelay sets the delay between checks for outstanding confirmations in [Publisher.Close].
// Default is Exponential(5ms, 200ms).
func WithDrainDelay(delayFunc DelayFunc) PublisherOption {
	return func(p *Publisher) {
		p.drainDelay = delayFunc
	}
}

// WithErrorChannelSize sets the size of the channel returned by [Publisher.Errors].
// Default is 128. Size must be positive.
func WithErrorChannelSize(size int) PublisherOption {
	return func(p *Publisher) {
		if size > 0 {
			p.errChSize = size
		}
	}
}

// NewPublisher creates a Publisher for the given transport and starts consuming
// its confirmations.
func NewPublisher(transport Transport, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:  transport,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
		clock:      clock.New(),
		drainDelay: Exponential(5*time.Millisecond, 200*time.Millisecond),
		errChSize:  128,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.registry = NewRegistry(
		WithRegistryClock(p.clock),
		WithRegistryObserver(p.observer),
	)
	p.resolver = NewResolver(p.registry, transport,
		WithResolverLogger(p.logger),
		WithResolverObserver(p.observer),
		WithResolverErrorChannelSize(p.errChSize),
	)
	p.resolver.Start()

	return p
}

// PublishAndAwaitConfirmation publishes msg and blocks until the broker confirms or rejects it.
//
// It returns nil once the broker acknowledged the message. Otherwise it returns a *PublishError
// whose cause matches one of:
//   - ErrNegativeAcknowledged: the broker rejected the message
//   - ErrTimeout: no outcome within the confirm timeout or the ctx deadline
//   - ErrChannelClosed: the channel terminated before the message was confirmed
//   - a transport error if the message could not be sent
//   - *DuplicateKeyError: the transport reused a sequence number; this is fatal
//
// If ctx is cancelled the wait ends with ctx.Err() but the publish stays pending.
func (p *Publisher) PublishAndAwaitConfirmation(ctx context.Context, msg *Message) error {
	pending, err := p.Publish(ctx, msg)
	if err != nil {
		return err
	}

	err = p.await(ctx, pending)
	if err != nil {
		return &PublishError{MessageID: msg.ID, SequenceNumber: pending.SequenceNumber(), Err: err}
	}

	return nil
}

// Publish registers and sends msg without waiting for its confirmation.
// The returned handle resolves once the broker confirms or rejects the message, so callers
// may publish several messages and wait for them later.
//
// After [Publisher.Close] it fails with ErrChannelClosed without sending msg.
func (p *Publisher) Publish(ctx context.Context, msg *Message) (*Pending, error) {
	p.inflight.RLock()
	defer p.inflight.RUnlock()

	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, &PublishError{MessageID: msg.ID, Err: &ChannelClosedError{}}
	}

	// registered before the bytes leave, otherwise a fast ack finds nothing to resolve
	seq := p.transport.NextSequenceNumber()
	pending, err := p.registry.Register(seq)
	if err != nil {
		p.transport.Release(seq)

		var dupErr *DuplicateKeyError
		if errors.As(err, &dupErr) {
			p.logger.DPanic("sequence number reused by transport",
				zap.Uint64("seq", seq),
				zap.Stringer("message_id", msg.ID))
		}
		return nil, &PublishError{MessageID: msg.ID, SequenceNumber: seq, Err: err}
	}

	err = p.transport.Publish(ctx, seq, msg)
	if err != nil {
		p.registry.Resolve(seq, err)
		return nil, &PublishError{MessageID: msg.ID, SequenceNumber: seq, Err: fmt.Errorf("sending message: %w", err)}
	}
	p.observer.Published(seq)

	return pending, nil
}

func (p *Publisher) await(ctx context.Context, pending *Pending) error {
	var timeout <-chan time.Time
	if p.confirmTimeout > 0 {
		timer := p.clock.Timer(p.confirmTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-pending.Done():
		return pending.Err()
	case <-timeout:
		p.logger.Warn("timed out waiting for publish confirmation",
			zap.Uint64("seq", pending.SequenceNumber()),
			zap.Duration("timeout", p.confirmTimeout))
		return ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// Pending returns the number of publishes awaiting confirmation.
func (p *Publisher) Pending() int {
	return p.registry.Count()
}

// Errors returns a channel reporting negative acknowledgments and confirmations that matched
// no pending publish, see [Resolver.Errors]. The channel is closed once the Publisher is closed
// or the transport's confirmation stream ends.
func (p *Publisher) Errors() <-chan error {
	return p.resolver.Errors()
}

// Close stops accepting publishes and waits for those already being sent. It then waits for
// outstanding confirmations until none are left or ctx expires, fails every publish still
// pending with ErrChannelClosed and stops consuming confirmations.
// It does not close the transport.
//
// Close returns ctx.Err() if publishes had to be abandoned, nil otherwise.
// Calling Close multiple times is safe and only the first call has an effect.
func (p *Publisher) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	var ctxErr error
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		// barrier: returns once every Publish holding the read lock has sent
		p.inflight.Lock()
		p.inflight.Unlock()
	}()

	select {
	case <-sent:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

wait:
	for attempt := 0; ctxErr == nil && p.registry.Count() > 0; attempt++ {
		select {
		case <-p.clock.After(p.drainDelay(attempt)):
		case <-p.resolver.Done():
			// no confirmation can arrive anymore
			break wait
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
	}

	abandoned := p.registry.Drain(&ChannelClosedError{})
	if abandoned > 0 {
		p.logger.Warn("abandoned unconfirmed publishes on close", zap.Int("pending", abandoned))
	}

	err := p.resolver.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	if abandoned > 0 {
		return ctxErr
	}
	return nil
}
