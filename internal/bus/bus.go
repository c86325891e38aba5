// Package bus is the in-process listener registry that fans decoded
// frames and domain events out to interested subscribers.
package bus

import (
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Listener receives events synchronously, in registration order.
type Listener func(Event)

type subscription struct {
	namespace string
	fn        Listener
	key       uintptr
}

// Bus is an in-process publish/subscribe registry with namespace
// filtering. Subscribing the same function to the same namespace twice
// is a no-op, so a listener is invoked at most once per event. Dispatch
// is synchronous and ordered by registration; a panicking listener is
// logged and does not prevent delivery to subsequent listeners.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	logger *zap.Logger
}

// New creates a new event bus. A nil logger is replaced with a no-op.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for all events whose Kind has the given
// namespace prefix. Registering an already-registered fn+namespace pair
// does nothing.
func (b *Bus) Subscribe(namespace string, fn Listener) {
	key := reflect.ValueOf(fn).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.key == key && sub.namespace == namespace {
			return
		}
	}
	b.subs = append(b.subs, subscription{namespace: namespace, fn: fn, key: key})
}

// Unsubscribe removes a previously registered fn+namespace pair.
// Removing an unregistered listener is a no-op.
func (b *Bus) Unsubscribe(namespace string, fn Listener) {
	key := reflect.ValueOf(fn).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.key == key && sub.namespace == namespace {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all subscribers whose namespace is a
// prefix of event.Kind. Listeners run on the publishing goroutine, so
// per-connection frame order is preserved end to end.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		b.invoke(sub, evt)
	}
}

// invoke isolates a single listener call so one failure cannot swallow
// delivery to the rest.
func (b *Bus) invoke(sub subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked",
				zap.String("kind", evt.Kind),
				zap.String("namespace", sub.namespace),
				zap.Any("panic", r),
			)
		}
	}()
	sub.fn(evt)
}
