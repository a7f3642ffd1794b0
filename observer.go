package confirm

import "time"

// Observer receives notifications about the confirmation lifecycle, e.g. to export metrics.
// Methods are called synchronously from publishing goroutines and from the resolver goroutine,
// so implementations must be fast and safe for concurrent use.
type Observer interface {
	// Published is called once a message has been handed to the transport.
	Published(seq uint64)

	// Resolved is called when a pending publish is confirmed (err == nil) or fails,
	// with the time elapsed since registration.
	Resolved(seq uint64, err error, latency time.Duration)

	// Confirmation is called for every acknowledgment received from the broker.
	Confirmation(c Confirmation, resolved int)

	// UnknownTag is called for a confirmation that matched no pending publish.
	UnknownTag(c Confirmation)

	// PendingChanged is called with the current number of pending publishes.
	PendingChanged(n int)
}

type nopObserver struct{}

func (nopObserver) Published(uint64)                      {}
func (nopObserver) Resolved(uint64, error, time.Duration) {}
func (nopObserver) Confirmation(Confirmation, int)        {}
func (nopObserver) UnknownTag(Confirmation)               {}
func (nopObserver) PendingChanged(int)                    {}
