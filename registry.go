package confirm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Pending is the handle of a publish awaiting its broker confirmation.
// It is owned by the [Registry] until resolved; holders of the handle only observe the outcome.
type Pending struct {
	seq          uint64
	registeredAt time.Time

	once sync.Once
	done chan struct{}
	err  error
}

func newPending(seq uint64, now time.Time) *Pending {
	return &Pending{
		seq:          seq,
		registeredAt: now,
		done:         make(chan struct{}),
	}
}

// SequenceNumber returns the delivery tag the broker will confirm.
func (p *Pending) SequenceNumber() uint64 {
	return p.seq
}

// RegisteredAt returns when the publish was registered.
func (p *Pending) RegisteredAt() time.Time {
	return p.registeredAt
}

// Done is closed once the publish has been resolved.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns nil if the publish was confirmed, or the failure reason.
// It must only be called after Done is closed.
func (p *Pending) Err() error {
	return p.err
}

// Wait blocks until the publish is resolved or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete resolves the handle. Only the first call has an effect.
func (p *Pending) complete(reason error) bool {
	completed := false
	p.once.Do(func() {
		p.err = reason
		close(p.done)
		completed = true
	})
	return completed
}

// Registry maps broker sequence numbers to publishes awaiting confirmation.
//
// A Registry is scoped to one broker channel. Registrations from any number of
// goroutines never serialize against each other: entries live in a concurrent map and
// each key is inserted and removed atomically, so a publish is resolved exactly once.
type Registry struct {
	entries sync.Map // uint64 -> *Pending
	count   atomic.Int64
	closed  atomic.Bool

	clock    clock.Clock
	observer Observer
}

// RegistryOption is a function that configures a Registry instance.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used to stamp registrations.
// Default is the wall clock.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithRegistryObserver sets the observer notified of resolutions and pending count changes.
func WithRegistryObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clock:    clock.New(),
		observer: nopObserver{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a pending entry for seq.
//
// It returns a *DuplicateKeyError if seq is already pending, which means the
// transport reused a sequence number. Callers must treat that as fatal.
// After [Registry.Drain] it returns an error matching ErrChannelClosed.
func (r *Registry) Register(seq uint64) (*Pending, error) {
	if r.closed.Load() {
		return nil, &ChannelClosedError{}
	}

	p := newPending(seq, r.clock.Now())

	r.count.Add(1)
	if _, loaded := r.entries.LoadOrStore(seq, p); loaded {
		r.count.Add(-1)
		return nil, &DuplicateKeyError{SequenceNumber: seq}
	}
	r.observer.PendingChanged(r.Count())

	// Drain may have swept the map between the closed check and the insert
	if r.closed.Load() {
		r.Resolve(seq, &ChannelClosedError{})
		return nil, &ChannelClosedError{}
	}

	return p, nil
}

// Resolve removes seq and completes it with reason; a nil reason confirms the publish.
// It reports whether seq was pending. Resolving an unknown sequence number is a no-op.
func (r *Registry) Resolve(seq uint64, reason error) bool {
	v, ok := r.entries.LoadAndDelete(seq)
	if !ok {
		return false
	}
	n := r.count.Add(-1)

	p := v.(*Pending)
	r.observer.Resolved(seq, reason, r.clock.Since(p.registeredAt))
	r.observer.PendingChanged(int(n))
	p.complete(reason)
	return true
}

// ResolveUpTo removes and completes every entry with a sequence number up to and including seq,
// returning how many were resolved. Entries with higher sequence numbers are left untouched.
//
// An entry with a lower sequence number that is registered concurrently may or may not be
// resolved by this call; the broker never confirms a tag it has not yet received.
func (r *Registry) ResolveUpTo(seq uint64, reason error) int {
	resolved := 0
	r.entries.Range(func(key, _ any) bool {
		if key.(uint64) <= seq && r.Resolve(key.(uint64), reason) {
			resolved++
		}
		return true
	})
	return resolved
}

// Drain closes the registry and resolves every remaining entry with reason.
// Subsequent registrations fail. It returns how many entries were resolved.
func (r *Registry) Drain(reason error) int {
	r.closed.Store(true)

	resolved := 0
	r.entries.Range(func(key, _ any) bool {
		if r.Resolve(key.(uint64), reason) {
			resolved++
		}
		return true
	})
	return resolved
}

// Count returns the number of publishes awaiting confirmation.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Closed reports whether the registry has been drained.
func (r *Registry) Closed() bool {
	return r.closed.Load()
}
