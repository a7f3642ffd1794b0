package confirm

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Resolver consumes broker acknowledgments and resolves the matching entries of a [Registry].
//
// Confirmations are handled by a single goroutine in the order the source delivers them,
// which cumulative acknowledgments rely on. The Resolver performs no I/O.
type Resolver struct {
	registry *Registry
	source   ConfirmationSource

	logger   *zap.Logger
	observer Observer

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	errCh   chan error
}

// ResolverOption is a function that configures a Resolver instance.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger. Default is a no-op logger.
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverObserver sets the observer notified of every confirmation.
func WithResolverObserver(o Observer) ResolverOption {
	return func(r *Resolver) {
		r.observer = o
	}
}

// WithResolverErrorChannelSize sets the size of the error channel.
// Default is 128. Size must be positive.
func WithResolverErrorChannelSize(size int) ResolverOption {
	return func(r *Resolver) {
		if size > 0 {
			r.errCh = make(chan error, size)
		}
	}
}

// NewResolver creates a Resolver that resolves entries of registry from source.
func NewResolver(registry *Registry, source ConfirmationSource, opts ...ResolverOption) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Resolver{
		registry: registry,
		source:   source,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.errCh == nil {
		r.errCh = make(chan error, 128)
	}

	return r
}

// Start begins consuming confirmations in the background.
// When the source is closed every entry still pending is resolved with an error
// matching ErrChannelClosed and the Resolver exits.
// If Start is called multiple times, only the first call has an effect.
func (r *Resolver) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	confirms := r.source.Confirmations()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		defer close(r.errCh)

		for {
			select {
			case c, ok := <-confirms:
				if !ok {
					r.channelClosed()
					return
				}
				r.handle(c)
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops consuming confirmations and waits for the consumer goroutine to exit,
// or for ctx to expire. Entries still pending are left untouched; use [Registry.Drain]
// to release their waiters.
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Resolver) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel()

	waited := make(chan struct{})
	go func() {
		defer close(waited)
		r.wg.Wait()
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the consumer goroutine has exited.
func (r *Resolver) Done() <-chan struct{} {
	return r.done
}

// Errors returns a channel reporting negative acknowledgments (*NackError) and
// confirmations that matched no pending publish (*UnknownTagError).
// The channel is closed when the Resolver exits.
//
// Negative acknowledgments are also returned to the waiting publisher; this channel
// is an observability hook. Errors are dropped when the buffer is full.
func (r *Resolver) Errors() <-chan error {
	return r.errCh
}

func (r *Resolver) sendError(err error) {
	select {
	case r.errCh <- err:
	default:
		// Channel buffer full, drop the error to prevent blocking
	}
}

func (r *Resolver) handle(c Confirmation) {
	var reason error
	if !c.Ack {
		reason = &NackError{DeliveryTag: c.DeliveryTag, Multiple: c.Multiple}
		r.logger.Warn("unexpected negative acknowledgment",
			zap.Uint64("delivery_tag", c.DeliveryTag),
			zap.Bool("multiple", c.Multiple))
		r.sendError(reason)
	}

	var resolved int
	if c.Multiple {
		resolved = r.registry.ResolveUpTo(c.DeliveryTag, reason)
	} else if r.registry.Resolve(c.DeliveryTag, reason) {
		resolved = 1
	}

	r.observer.Confirmation(c, resolved)

	if resolved == 0 {
		r.logger.Debug("confirmation matched no pending publish",
			zap.Stringer("confirmation", c))
		r.observer.UnknownTag(c)
		r.sendError(&UnknownTagError{Confirmation: c})
	}
}

func (r *Resolver) channelClosed() {
	cause := r.source.Err()
	drained := r.registry.Drain(&ChannelClosedError{Reason: cause})
	r.logger.Info("confirmation stream closed",
		zap.Int("drained", drained),
		zap.Error(cause))
}
