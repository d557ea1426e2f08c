// Package notify is the wake-up side channel the worker loop races against
// its poll timer: between acquire attempts the worker sleeps for the
// shorter of its poll interval and the time until the next scheduled job,
// or until a notify wake, whichever comes first. Bus is
// deliberately at-most-once and coalescing — a missed or duplicate wake
// costs nothing because the poll loop always re-checks the store itself.
package notify

import "context"

// Bus publishes and subscribes to named topics. Implementations make no
// delivery guarantee beyond best-effort, coalescing wake-ups: a Subscribe
// channel may fire once for several Publish calls, or not at all if no one
// was subscribed at publish time. Callers must always re-check store state
// after waking, never trust the notification as the state itself.
type Bus interface {
	// Publish wakes any current subscribers to topic. It does not block on
	// them receiving it.
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a channel that receives a value (possibly
	// coalesced) whenever topic is published, and a cancel func that must
	// be called to release the subscription.
	Subscribe(topic string) (ch <-chan struct{}, cancel func())
	// Close releases any resources held by the bus.
	Close() error
}
