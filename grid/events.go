package grid

import (
	"sync"

	"github.com/c360/gridclient/protocol"
)

// MapEvent describes one entry change observed on a named map. Lite
// subscriptions deliver events without the old and new values.
type MapEvent struct {
	// Cache is the name of the map the event occurred on.
	Cache string
	// Kind is the change type: inserted, updated, or deleted.
	Kind protocol.EventKind
	// Key is the decoded entry key.
	Key any
	// OldValue is the decoded value before the change; nil for inserts and
	// lite subscriptions.
	OldValue any
	// NewValue is the decoded value after the change; nil for deletes and
	// lite subscriptions.
	NewValue any

	filterIDs []uint64
}

// MapListener receives entry events. Register a listener by pointer: the
// pointer is its identity, so the same *MapListener registered twice for one
// target stays a single registration.
type MapListener struct {
	OnInserted func(MapEvent)
	OnUpdated  func(MapEvent)
	OnDeleted  func(MapEvent)
}

func (l *MapListener) dispatch(event MapEvent) {
	switch event.Kind {
	case protocol.EventInserted:
		if l.OnInserted != nil {
			l.OnInserted(event)
		}
	case protocol.EventUpdated:
		if l.OnUpdated != nil {
			l.OnUpdated(event)
		}
	case protocol.EventDeleted:
		if l.OnDeleted != nil {
			l.OnDeleted(event)
		}
	}
}

// MapLifecycleListener receives map lifecycle notifications. Released and
// destroyed fire at most once per map; truncated fires on every truncation.
// StreamError reports an event-stream failure that was not requested by the
// client; listener registrations survive it.
type MapLifecycleListener struct {
	OnReleased    func(cache string)
	OnDestroyed   func(cache string)
	OnTruncated   func(cache string)
	OnStreamError func(cache string, err error)
}

// SessionLifecycleListener receives session lifecycle notifications.
type SessionLifecycleListener struct {
	OnClosed func()
}

// lifecycleEmitter fans lifecycle notifications out to registered listeners
// in insertion order. Callbacks run without any emitter lock held.
type lifecycleEmitter struct {
	mu        sync.Mutex
	listeners []*MapLifecycleListener
}

func (e *lifecycleEmitter) add(l *MapLifecycleListener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.listeners {
		if existing == l {
			return
		}
	}
	e.listeners = append(e.listeners, l)
}

func (e *lifecycleEmitter) remove(l *MapLifecycleListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *lifecycleEmitter) snapshot() []*MapLifecycleListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MapLifecycleListener, len(e.listeners))
	copy(out, e.listeners)
	return out
}

func (e *lifecycleEmitter) emitReleased(cache string) {
	for _, l := range e.snapshot() {
		if l.OnReleased != nil {
			l.OnReleased(cache)
		}
	}
}

func (e *lifecycleEmitter) emitDestroyed(cache string) {
	for _, l := range e.snapshot() {
		if l.OnDestroyed != nil {
			l.OnDestroyed(cache)
		}
	}
}

func (e *lifecycleEmitter) emitTruncated(cache string) {
	for _, l := range e.snapshot() {
		if l.OnTruncated != nil {
			l.OnTruncated(cache)
		}
	}
}

func (e *lifecycleEmitter) emitStreamError(cache string, err error) {
	for _, l := range e.snapshot() {
		if l.OnStreamError != nil {
			l.OnStreamError(cache, err)
		}
	}
}
