package grid

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/gridclient/codec"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/extractor"
	"github.com/c360/gridclient/filter"
	"github.com/c360/gridclient/metric"
	"github.com/c360/gridclient/processor"
	"github.com/c360/gridclient/protocol"
	"github.com/c360/gridclient/transport"
)

// NamedMap is a client handle on a named key-value collection held by the
// grid. Instances are obtained from a Session and shared per (name, format);
// a released or destroyed map fails every further operation.
type NamedMap struct {
	name    string
	session *Session
	codec   codec.Codec
	factory *protocol.Factory
	logger  *slog.Logger
	metrics *metric.Metrics

	mu         sync.Mutex
	released   bool
	destroyed  bool
	dispatcher *eventDispatcher

	lifecycle lifecycleEmitter
}

// StreamedValue is one element of a streamed key or value query.
type StreamedValue struct {
	Value any
	Err   error
}

// StreamedEntry is one element of a streamed entry query or bulk
// invocation.
type StreamedEntry struct {
	Key   any
	Value any
	Err   error
}

// Name returns the map name.
func (m *NamedMap) Name() string {
	return m.name
}

// Format returns the codec format the map was opened with.
func (m *NamedMap) Format() string {
	return m.codec.Format()
}

// Active reports whether the map can still serve operations.
func (m *NamedMap) Active() bool {
	return m.checkActive("Active") == nil
}

func (m *NamedMap) checkActive(op string) error {
	m.mu.Lock()
	released, destroyed := m.released, m.destroyed
	m.mu.Unlock()
	if released || destroyed {
		return errors.CacheNotActive(m.name, op)
	}
	if !m.session.open() {
		return errors.SessionClosed("Session", op)
	}
	return nil
}

// invoke performs one unary RPC under the session deadline.
func (m *NamedMap) invoke(ctx context.Context, op string, req *protocol.Request) (resp *protocol.Response, err error) {
	start := time.Now()
	defer func() { m.metrics.ObserveOperation(m.name, op, start, err) }()

	if err = m.checkActive(op); err != nil {
		return nil, err
	}
	rctx, cancel := m.session.requestContext(ctx)
	defer cancel()
	return m.session.channel.Invoke(rctx, req)
}

// decodeValue maps an absent or empty payload to a nil result; a payload is
// decoded exactly once.
func (m *NamedMap) decodeValue(resp *protocol.Response) (any, error) {
	if resp == nil || !resp.Present || len(resp.Value) == 0 {
		return nil, nil
	}
	return m.codec.Decode(resp.Value)
}

// Get returns the value mapped to key, or nil when absent.
func (m *NamedMap) Get(ctx context.Context, key any) (any, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "get", m.factory.Get(kb))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// Put maps key to value and returns the replaced value, or nil when the key
// was absent.
func (m *NamedMap) Put(ctx context.Context, key, value any) (any, error) {
	return m.PutWithTTL(ctx, key, value, 0)
}

// PutWithTTL maps key to value with an expiry. A zero or negative TTL keeps
// the server default.
func (m *NamedMap) PutWithTTL(ctx context.Context, key, value any, ttl time.Duration) (any, error) {
	kb, vb, err := m.encodePair(key, value)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "put", m.factory.Put(kb, vb, ttl.Milliseconds()))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// PutIfAbsent maps key to value only when no mapping exists. It returns the
// prior value when the key was present, nil when the insert happened.
func (m *NamedMap) PutIfAbsent(ctx context.Context, key, value any) (any, error) {
	return m.PutIfAbsentWithTTL(ctx, key, value, 0)
}

// PutIfAbsentWithTTL is PutIfAbsent with an expiry for the inserted entry.
func (m *NamedMap) PutIfAbsentWithTTL(ctx context.Context, key, value any, ttl time.Duration) (any, error) {
	kb, vb, err := m.encodePair(key, value)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "putIfAbsent", m.factory.PutIfAbsent(kb, vb, ttl.Milliseconds()))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// PutAll stores every entry of the map. The input must be non-empty.
func (m *NamedMap) PutAll(ctx context.Context, entries map[any]any) error {
	return m.PutAllWithTTL(ctx, entries, 0)
}

// PutAllWithTTL is PutAll with an expiry applied to every stored entry.
func (m *NamedMap) PutAllWithTTL(ctx context.Context, entries map[any]any, ttl time.Duration) error {
	if len(entries) == 0 {
		return errors.NewKind(errors.KindBadValue, m.name, "PutAll", "entries must not be empty")
	}
	encoded := make([]protocol.Entry, 0, len(entries))
	for key, value := range entries {
		kb, vb, err := m.encodePair(key, value)
		if err != nil {
			return err
		}
		encoded = append(encoded, protocol.Entry{Key: kb, Value: vb})
	}
	_, err := m.invoke(ctx, "putAll", m.factory.PutAll(encoded, ttl.Milliseconds()))
	return err
}

// Remove deletes the mapping for key and returns the removed value, or nil
// when the key was absent.
func (m *NamedMap) Remove(ctx context.Context, key any) (any, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "remove", m.factory.Remove(kb))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// RemoveMapping deletes the entry only when key currently maps to value.
func (m *NamedMap) RemoveMapping(ctx context.Context, key, value any) (bool, error) {
	kb, vb, err := m.encodePair(key, value)
	if err != nil {
		return false, err
	}
	resp, err := m.invoke(ctx, "removeMapping", m.factory.RemoveMapping(kb, vb))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Replace maps key to value only when a mapping already exists; the prior
// value is returned, or nil when the key was absent.
func (m *NamedMap) Replace(ctx context.Context, key, value any) (any, error) {
	kb, vb, err := m.encodePair(key, value)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "replace", m.factory.Replace(kb, vb))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// ReplaceMapping replaces prior with value only when key currently maps to
// prior.
func (m *NamedMap) ReplaceMapping(ctx context.Context, key, prior, value any) (bool, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return false, err
	}
	pb, err := m.codec.Encode(prior)
	if err != nil {
		return false, err
	}
	vb, err := m.codec.Encode(value)
	if err != nil {
		return false, err
	}
	resp, err := m.invoke(ctx, "replaceMapping", m.factory.ReplaceMapping(kb, pb, vb))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ContainsKey reports whether a mapping exists for key.
func (m *NamedMap) ContainsKey(ctx context.Context, key any) (bool, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return false, err
	}
	resp, err := m.invoke(ctx, "containsKey", m.factory.ContainsKey(kb))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ContainsValue reports whether any entry maps to value.
func (m *NamedMap) ContainsValue(ctx context.Context, value any) (bool, error) {
	vb, err := m.codec.Encode(value)
	if err != nil {
		return false, err
	}
	resp, err := m.invoke(ctx, "containsValue", m.factory.ContainsValue(vb))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// ContainsEntry reports whether key currently maps to value.
func (m *NamedMap) ContainsEntry(ctx context.Context, key, value any) (bool, error) {
	kb, vb, err := m.encodePair(key, value)
	if err != nil {
		return false, err
	}
	resp, err := m.invoke(ctx, "containsEntry", m.factory.ContainsEntry(kb, vb))
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Size returns the number of entries.
func (m *NamedMap) Size(ctx context.Context) (int, error) {
	resp, err := m.invoke(ctx, "size", m.factory.Size())
	if err != nil {
		return 0, err
	}
	return int(resp.Size), nil
}

// IsEmpty reports whether the map holds no entries.
func (m *NamedMap) IsEmpty(ctx context.Context) (bool, error) {
	resp, err := m.invoke(ctx, "isEmpty", m.factory.IsEmpty())
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// Clear removes every entry.
func (m *NamedMap) Clear(ctx context.Context) error {
	_, err := m.invoke(ctx, "clear", m.factory.Clear())
	return err
}

// Truncate removes every entry without firing per-entry events and emits the
// truncated lifecycle event.
func (m *NamedMap) Truncate(ctx context.Context) error {
	_, err := m.invoke(ctx, "truncate", m.factory.Truncate())
	if err != nil {
		return err
	}
	// With an open event stream the server's TRUNCATED message carries the
	// notification; otherwise nobody else will emit it.
	m.mu.Lock()
	d := m.dispatcher
	m.mu.Unlock()
	if d == nil || !d.isOpen() {
		m.lifecycle.emitTruncated(m.name)
	}
	return nil
}

// KeySet streams the keys of entries matching f; a nil filter selects every
// entry. Elements arrive as the server pages them; an element with a non-nil
// Err terminates the stream.
func (m *NamedMap) KeySet(ctx context.Context, f *filter.Filter) (<-chan StreamedValue, error) {
	fb, err := m.encodeFilter(f)
	if err != nil {
		return nil, err
	}
	pages, err := m.invokeStream(ctx, "keySet", m.factory.KeySet(fb))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamedValue)
	go func() {
		defer close(out)
		for page := range pages {
			if page.Err != nil {
				out <- StreamedValue{Err: page.Err}
				return
			}
			key, err := m.codec.Decode(page.Page.Key)
			if err != nil {
				out <- StreamedValue{Err: err}
				return
			}
			out <- StreamedValue{Value: key}
		}
	}()
	return out, nil
}

// Values streams the values of entries matching f; a nil filter selects
// every entry.
func (m *NamedMap) Values(ctx context.Context, f *filter.Filter) (<-chan StreamedValue, error) {
	fb, err := m.encodeFilter(f)
	if err != nil {
		return nil, err
	}
	pages, err := m.invokeStream(ctx, "values", m.factory.Values(fb))
	if err != nil {
		return nil, err
	}

	out := make(chan StreamedValue)
	go func() {
		defer close(out)
		for page := range pages {
			if page.Err != nil {
				out <- StreamedValue{Err: page.Err}
				return
			}
			value, err := m.codec.Decode(page.Page.Value)
			if err != nil {
				out <- StreamedValue{Err: err}
				return
			}
			out <- StreamedValue{Value: value}
		}
	}()
	return out, nil
}

// EntrySet streams the entries matching f; a nil filter selects every entry.
func (m *NamedMap) EntrySet(ctx context.Context, f *filter.Filter) (<-chan StreamedEntry, error) {
	fb, err := m.encodeFilter(f)
	if err != nil {
		return nil, err
	}
	pages, err := m.invokeStream(ctx, "entrySet", m.factory.EntrySet(fb))
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(pages), nil
}

// Invoke runs an entry processor against one key and returns its result.
func (m *NamedMap) Invoke(ctx context.Context, key any, proc processor.Processor) (any, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return nil, err
	}
	pb, err := m.codec.Encode(proc)
	if err != nil {
		return nil, err
	}
	resp, err := m.invoke(ctx, "invoke", m.factory.Invoke(kb, pb))
	if err != nil {
		return nil, err
	}
	return m.decodeValue(resp)
}

// InvokeAllKeys runs an entry processor against a key set, streaming
// (key, result) pairs as the server produces them.
func (m *NamedMap) InvokeAllKeys(ctx context.Context, keys []any, proc processor.Processor) (<-chan StreamedEntry, error) {
	if len(keys) == 0 {
		return nil, errors.NewKind(errors.KindBadValue, m.name, "InvokeAll", "keys must not be empty")
	}
	encodedKeys := make([][]byte, 0, len(keys))
	for _, key := range keys {
		kb, err := m.codec.Encode(key)
		if err != nil {
			return nil, err
		}
		encodedKeys = append(encodedKeys, kb)
	}
	pb, err := m.codec.Encode(proc)
	if err != nil {
		return nil, err
	}
	pages, err := m.invokeStream(ctx, "invokeAll", m.factory.InvokeAllKeys(encodedKeys, pb))
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(pages), nil
}

// InvokeAllFilter runs an entry processor against the entries matching f,
// streaming (key, result) pairs as the server produces them.
func (m *NamedMap) InvokeAllFilter(ctx context.Context, f *filter.Filter, proc processor.Processor) (<-chan StreamedEntry, error) {
	fb, err := m.encodeFilter(f)
	if err != nil {
		return nil, err
	}
	pb, err := m.codec.Encode(proc)
	if err != nil {
		return nil, err
	}
	pages, err := m.invokeStream(ctx, "invokeAll", m.factory.InvokeAllFilter(fb, pb))
	if err != nil {
		return nil, err
	}
	return m.decodeEntries(pages), nil
}

// AddIndex creates a server-side index over an extractor. A sorted index
// may carry an opaque comparator.
func (m *NamedMap) AddIndex(ctx context.Context, e extractor.Extractor, sorted bool, comparator any) error {
	eb, err := m.codec.Encode(e)
	if err != nil {
		return err
	}
	var cb []byte
	if comparator != nil {
		if cb, err = m.codec.Encode(comparator); err != nil {
			return err
		}
	}
	_, err = m.invoke(ctx, "addIndex", m.factory.AddIndex(eb, sorted, cb))
	return err
}

// RemoveIndex drops the server-side index over an extractor.
func (m *NamedMap) RemoveIndex(ctx context.Context, e extractor.Extractor) error {
	eb, err := m.codec.Encode(e)
	if err != nil {
		return err
	}
	_, err = m.invoke(ctx, "removeIndex", m.factory.RemoveIndex(eb))
	return err
}

// AddKeyListener subscribes listener to changes of a single key.
func (m *NamedMap) AddKeyListener(ctx context.Context, listener *MapListener, key any, lite bool) error {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return err
	}
	if err := m.checkActive("addMapListener"); err != nil {
		return err
	}
	rctx, cancel := m.session.requestContext(ctx)
	defer cancel()
	return m.ensureDispatcher().addListener(rctx, listener, kb, false, lite)
}

// RemoveKeyListener unsubscribes listener from changes of a single key.
func (m *NamedMap) RemoveKeyListener(ctx context.Context, listener *MapListener, key any) error {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return err
	}
	if err := m.checkActive("removeMapListener"); err != nil {
		return err
	}
	rctx, cancel := m.session.requestContext(ctx)
	defer cancel()
	return m.ensureDispatcher().removeListener(rctx, listener, kb, false)
}

// AddFilterListener subscribes listener to changes matching a filter.
func (m *NamedMap) AddFilterListener(ctx context.Context, listener *MapListener, f *filter.Filter, lite bool) error {
	fb, err := m.encodeListenerFilter(f)
	if err != nil {
		return err
	}
	if err := m.checkActive("addMapListener"); err != nil {
		return err
	}
	rctx, cancel := m.session.requestContext(ctx)
	defer cancel()
	return m.ensureDispatcher().addListener(rctx, listener, fb, true, lite)
}

// RemoveFilterListener unsubscribes listener from changes matching a filter.
func (m *NamedMap) RemoveFilterListener(ctx context.Context, listener *MapListener, f *filter.Filter) error {
	fb, err := m.encodeListenerFilter(f)
	if err != nil {
		return err
	}
	if err := m.checkActive("removeMapListener"); err != nil {
		return err
	}
	rctx, cancel := m.session.requestContext(ctx)
	defer cancel()
	return m.ensureDispatcher().removeListener(rctx, listener, fb, true)
}

// AddListener subscribes listener to every change of the map.
func (m *NamedMap) AddListener(ctx context.Context, listener *MapListener, lite bool) error {
	return m.AddFilterListener(ctx, listener, nil, lite)
}

// RemoveListener unsubscribes a listener registered with AddListener.
func (m *NamedMap) RemoveListener(ctx context.Context, listener *MapListener) error {
	return m.RemoveFilterListener(ctx, listener, nil)
}

// AddLifecycleListener registers a lifecycle listener on the map.
func (m *NamedMap) AddLifecycleListener(l *MapLifecycleListener) {
	m.lifecycle.add(l)
}

// RemoveLifecycleListener unregisters a lifecycle listener.
func (m *NamedMap) RemoveLifecycleListener(l *MapLifecycleListener) {
	m.lifecycle.remove(l)
}

// Release severs the map's event stream and drops it from the session
// registry; server-side contents are untouched. Release is idempotent.
func (m *NamedMap) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.released || m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	d := m.dispatcher
	m.dispatcher = nil
	m.mu.Unlock()

	if d != nil {
		d.shutdown()
	}
	m.session.dropMap(m.name, m.codec.Format())
	m.lifecycle.emitReleased(m.name)
	m.logger.Debug("map released")
	return nil
}

// Destroy removes the map cluster-wide and renders every handle on it
// unusable.
func (m *NamedMap) Destroy(ctx context.Context) error {
	if _, err := m.invoke(ctx, "destroy", m.factory.Destroy()); err != nil {
		return err
	}
	m.markDestroyed()
	return nil
}

// markDestroyed flips the destroyed flag once, tearing down the dispatcher
// and emitting the destroyed lifecycle event.
func (m *NamedMap) markDestroyed() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	d := m.dispatcher
	m.dispatcher = nil
	m.mu.Unlock()

	if d != nil {
		d.shutdown()
	}
	m.session.dropMap(m.name, m.codec.Format())
	m.lifecycle.emitDestroyed(m.name)
	m.logger.Debug("map destroyed")
}

// onRemoteDestroyed handles a DESTROYED message from the event stream.
func (m *NamedMap) onRemoteDestroyed() {
	m.markDestroyed()
}

// onRemoteTruncated handles a TRUNCATED message from the event stream.
func (m *NamedMap) onRemoteTruncated() {
	m.lifecycle.emitTruncated(m.name)
}

// onStreamError handles a non-requested event-stream failure.
func (m *NamedMap) onStreamError(err error) {
	m.logger.Warn("event stream failed", "error", err)
	m.lifecycle.emitStreamError(m.name, err)
}

func (m *NamedMap) ensureDispatcher() *eventDispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatcher == nil {
		m.dispatcher = newEventDispatcher(m)
	}
	return m.dispatcher
}

func (m *NamedMap) invokeStream(ctx context.Context, op string, req *protocol.Request) (<-chan transport.PageResult, error) {
	start := time.Now()
	if err := m.checkActive(op); err != nil {
		m.metrics.ObserveOperation(m.name, op, start, err)
		return nil, err
	}
	rctx, cancel := m.session.requestContext(ctx)
	pages, err := m.session.channel.InvokeStream(rctx, req)
	if err != nil {
		cancel()
		m.metrics.ObserveOperation(m.name, op, start, err)
		return nil, err
	}

	// The deadline context must survive until the stream drains.
	out := make(chan transport.PageResult)
	go func() {
		defer cancel()
		defer close(out)
		for page := range pages {
			out <- page
			if page.Err != nil {
				m.metrics.ObserveOperation(m.name, op, start, page.Err)
				return
			}
		}
		m.metrics.ObserveOperation(m.name, op, start, nil)
	}()
	return out, nil
}

func (m *NamedMap) decodeEntries(pages <-chan transport.PageResult) <-chan StreamedEntry {
	out := make(chan StreamedEntry)
	go func() {
		defer close(out)
		for page := range pages {
			if page.Err != nil {
				out <- StreamedEntry{Err: page.Err}
				return
			}
			key, err := m.codec.Decode(page.Page.Key)
			if err != nil {
				out <- StreamedEntry{Err: err}
				return
			}
			value, err := m.codec.Decode(page.Page.Value)
			if err != nil {
				out <- StreamedEntry{Err: err}
				return
			}
			out <- StreamedEntry{Key: key, Value: value}
		}
	}()
	return out
}

func (m *NamedMap) encodePair(key, value any) ([]byte, []byte, error) {
	kb, err := m.codec.Encode(key)
	if err != nil {
		return nil, nil, err
	}
	vb, err := m.codec.Encode(value)
	if err != nil {
		return nil, nil, err
	}
	return kb, vb, nil
}

// encodeFilter encodes an optional query filter; nil selects all entries.
func (m *NamedMap) encodeFilter(f *filter.Filter) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return m.codec.Encode(f)
}

// encodeListenerFilter encodes a listener target filter; nil subscribes to
// every entry event.
func (m *NamedMap) encodeListenerFilter(f *filter.Filter) ([]byte, error) {
	if f == nil {
		f = filter.MapEvent(filter.MaskAll, filter.Always())
	}
	return m.codec.Encode(f)
}
