// Package protocol defines the request, response, and event-stream message
// descriptors exchanged with the grid, and the factory that produces
// well-formed requests. Payloads (keys, values, filters, processors) are
// opaque codec bytes by the time they reach this package.
package protocol

import (
	"strconv"

	"github.com/google/uuid"
)

// Op identifies a named-map operation on the wire.
type Op string

// Operations exposed by the grid service.
const (
	OpGet            Op = "get"
	OpPut            Op = "put"
	OpPutIfAbsent    Op = "putIfAbsent"
	OpPutAll         Op = "putAll"
	OpRemove         Op = "remove"
	OpRemoveMapping  Op = "removeMapping"
	OpReplace        Op = "replace"
	OpReplaceMapping Op = "replaceMapping"
	OpContainsKey    Op = "containsKey"
	OpContainsValue  Op = "containsValue"
	OpContainsEntry  Op = "containsEntry"
	OpSize           Op = "size"
	OpIsEmpty        Op = "isEmpty"
	OpClear          Op = "clear"
	OpTruncate       Op = "truncate"
	OpDestroy        Op = "destroy"
	OpKeySet         Op = "keySet"
	OpEntrySet       Op = "entrySet"
	OpValues         Op = "values"
	OpInvoke         Op = "invoke"
	OpInvokeAll      Op = "invokeAll"
	OpAddIndex       Op = "addIndex"
	OpRemoveIndex    Op = "removeIndex"
)

// Entry is an encoded key/value pair.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// Request describes one unary or paged operation.
type Request struct {
	// ID correlates the response; fresh and unique per request.
	ID     string `json:"id"`
	Op     Op     `json:"op"`
	Cache  string `json:"cache"`
	Format string `json:"format"`

	Key     []byte   `json:"key,omitempty"`
	Value   []byte   `json:"value,omitempty"`
	Prior   []byte   `json:"prior,omitempty"`
	Entries []Entry  `json:"entries,omitempty"`
	Keys    [][]byte `json:"keys,omitempty"`

	Filter     []byte `json:"filter,omitempty"`
	Processor  []byte `json:"processor,omitempty"`
	Extractor  []byte `json:"extractor,omitempty"`
	Comparator []byte `json:"comparator,omitempty"`
	Sorted     bool   `json:"sorted,omitempty"`

	// TTL in milliseconds; zero or negative means the server default.
	TTL int64 `json:"ttl,omitempty"`
}

// Response carries the result of a unary operation. An absent Value with
// Present false means a null result.
type Response struct {
	Value   []byte `json:"value,omitempty"`
	Present bool   `json:"present,omitempty"`
	Success bool   `json:"success,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// Page is one element of a streamed query result. Key is empty for
// values-only queries.
type Page struct {
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

// EventKind is the change type carried by an entry event.
type EventKind int

// Entry event kinds.
const (
	EventInserted EventKind = 1
	EventUpdated  EventKind = 2
	EventDeleted  EventKind = 3
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventInserted:
		return "inserted"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// StreamMessageType discriminates event-stream messages.
type StreamMessageType string

// Event-stream request variants (client to server).
const (
	StreamInit              StreamMessageType = "init"
	StreamSubscribeKey      StreamMessageType = "subscribeKey"
	StreamUnsubscribeKey    StreamMessageType = "unsubscribeKey"
	StreamSubscribeFilter   StreamMessageType = "subscribeFilter"
	StreamUnsubscribeFilter StreamMessageType = "unsubscribeFilter"
)

// Event-stream response variants (server to client).
const (
	StreamSubscribed   StreamMessageType = "subscribed"
	StreamUnsubscribed StreamMessageType = "unsubscribed"
	StreamEvent        StreamMessageType = "event"
	StreamDestroyed    StreamMessageType = "destroyed"
	StreamTruncated    StreamMessageType = "truncated"
	StreamError        StreamMessageType = "error"
)

// StreamMessage is one message on a named map's duplex event stream.
type StreamMessage struct {
	Type StreamMessageType `json:"type"`
	// ID correlates subscription acknowledgements; unique per stream
	// lifetime.
	ID     string `json:"id,omitempty"`
	Cache  string `json:"cache,omitempty"`
	Format string `json:"format,omitempty"`

	Key       []byte `json:"key,omitempty"`
	Filter    []byte `json:"filter,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`
	Lite      bool   `json:"lite,omitempty"`
	Priming   bool   `json:"priming,omitempty"`

	// FilterID is assigned by the server on filter subscribes and names the
	// registration on unsubscribe.
	FilterID uint64 `json:"filterId,omitempty"`

	Kind      EventKind `json:"kind,omitempty"`
	OldValue  []byte    `json:"oldValue,omitempty"`
	NewValue  []byte    `json:"newValue,omitempty"`
	FilterIDs []uint64  `json:"filterIds,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Factory produces well-formed requests for one named map. Every request
// carries a fresh correlation id.
type Factory struct {
	cache  string
	format string
}

// NewFactory creates a factory bound to a cache name and codec format.
func NewFactory(cache, format string) *Factory {
	return &Factory{cache: cache, format: format}
}

func (f *Factory) request(op Op) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Op:     op,
		Cache:  f.cache,
		Format: f.format,
	}
}

// Get builds a get request for an encoded key.
func (f *Factory) Get(key []byte) *Request {
	r := f.request(OpGet)
	r.Key = key
	return r
}

// Put builds a put request. TTL is in milliseconds; zero or negative selects
// the server default.
func (f *Factory) Put(key, value []byte, ttl int64) *Request {
	r := f.request(OpPut)
	r.Key = key
	r.Value = value
	r.TTL = ttl
	return r
}

// PutIfAbsent builds a conditional insert request.
func (f *Factory) PutIfAbsent(key, value []byte, ttl int64) *Request {
	r := f.request(OpPutIfAbsent)
	r.Key = key
	r.Value = value
	r.TTL = ttl
	return r
}

// PutAll builds a bulk put request.
func (f *Factory) PutAll(entries []Entry, ttl int64) *Request {
	r := f.request(OpPutAll)
	r.Entries = entries
	r.TTL = ttl
	return r
}

// Remove builds a remove request.
func (f *Factory) Remove(key []byte) *Request {
	r := f.request(OpRemove)
	r.Key = key
	return r
}

// RemoveMapping builds a conditional remove request matching key and value.
func (f *Factory) RemoveMapping(key, value []byte) *Request {
	r := f.request(OpRemoveMapping)
	r.Key = key
	r.Value = value
	return r
}

// Replace builds a replace request for an existing mapping.
func (f *Factory) Replace(key, value []byte) *Request {
	r := f.request(OpReplace)
	r.Key = key
	r.Value = value
	return r
}

// ReplaceMapping builds a conditional replace of prior with value.
func (f *Factory) ReplaceMapping(key, prior, value []byte) *Request {
	r := f.request(OpReplaceMapping)
	r.Key = key
	r.Prior = prior
	r.Value = value
	return r
}

// ContainsKey builds a key membership request.
func (f *Factory) ContainsKey(key []byte) *Request {
	r := f.request(OpContainsKey)
	r.Key = key
	return r
}

// ContainsValue builds a value membership request.
func (f *Factory) ContainsValue(value []byte) *Request {
	r := f.request(OpContainsValue)
	r.Value = value
	return r
}

// ContainsEntry builds an entry membership request.
func (f *Factory) ContainsEntry(key, value []byte) *Request {
	r := f.request(OpContainsEntry)
	r.Key = key
	r.Value = value
	return r
}

// Size builds a size request.
func (f *Factory) Size() *Request {
	return f.request(OpSize)
}

// IsEmpty builds an emptiness request.
func (f *Factory) IsEmpty() *Request {
	return f.request(OpIsEmpty)
}

// Clear builds a clear request.
func (f *Factory) Clear() *Request {
	return f.request(OpClear)
}

// Truncate builds a truncate request.
func (f *Factory) Truncate() *Request {
	return f.request(OpTruncate)
}

// Destroy builds a server-wide destroy request.
func (f *Factory) Destroy() *Request {
	return f.request(OpDestroy)
}

// KeySet builds a paged key query. A nil filter selects all entries.
func (f *Factory) KeySet(filter []byte) *Request {
	r := f.request(OpKeySet)
	r.Filter = filter
	return r
}

// EntrySet builds a paged entry query. A nil filter selects all entries.
func (f *Factory) EntrySet(filter []byte) *Request {
	r := f.request(OpEntrySet)
	r.Filter = filter
	return r
}

// Values builds a paged value query. A nil filter selects all entries.
func (f *Factory) Values(filter []byte) *Request {
	r := f.request(OpValues)
	r.Filter = filter
	return r
}

// Invoke builds an entry-processor invocation against one key.
func (f *Factory) Invoke(key, proc []byte) *Request {
	r := f.request(OpInvoke)
	r.Key = key
	r.Processor = proc
	return r
}

// InvokeAllKeys builds an entry-processor invocation against a key set.
func (f *Factory) InvokeAllKeys(keys [][]byte, proc []byte) *Request {
	r := f.request(OpInvokeAll)
	r.Keys = keys
	r.Processor = proc
	return r
}

// InvokeAllFilter builds an entry-processor invocation against entries
// matching a filter.
func (f *Factory) InvokeAllFilter(filter, proc []byte) *Request {
	r := f.request(OpInvokeAll)
	r.Filter = filter
	r.Processor = proc
	return r
}

// AddIndex builds an index creation request.
func (f *Factory) AddIndex(extractor []byte, sorted bool, comparator []byte) *Request {
	r := f.request(OpAddIndex)
	r.Extractor = extractor
	r.Sorted = sorted
	r.Comparator = comparator
	return r
}

// RemoveIndex builds an index removal request.
func (f *Factory) RemoveIndex(extractor []byte) *Request {
	r := f.request(OpRemoveIndex)
	r.Extractor = extractor
	return r
}

// Init builds the event-stream bootstrap message.
func (f *Factory) Init(id uint64) *StreamMessage {
	return &StreamMessage{
		Type:   StreamInit,
		ID:     FormatStreamID(id),
		Cache:  f.cache,
		Format: f.format,
	}
}

// SubscribeKey builds a key subscription message.
func (f *Factory) SubscribeKey(id uint64, key []byte, lite bool) *StreamMessage {
	return &StreamMessage{
		Type:      StreamSubscribeKey,
		ID:        FormatStreamID(id),
		Cache:     f.cache,
		Format:    f.format,
		Key:       key,
		Subscribe: true,
		Lite:      lite,
	}
}

// UnsubscribeKey builds a key unsubscription message.
func (f *Factory) UnsubscribeKey(id uint64, key []byte) *StreamMessage {
	return &StreamMessage{
		Type:   StreamUnsubscribeKey,
		ID:     FormatStreamID(id),
		Cache:  f.cache,
		Format: f.format,
		Key:    key,
	}
}

// SubscribeFilter builds a filter subscription message.
func (f *Factory) SubscribeFilter(id uint64, filter []byte, lite bool) *StreamMessage {
	return &StreamMessage{
		Type:      StreamSubscribeFilter,
		ID:        FormatStreamID(id),
		Cache:     f.cache,
		Format:    f.format,
		Filter:    filter,
		Subscribe: true,
		Lite:      lite,
	}
}

// UnsubscribeFilter builds a filter unsubscription message naming the
// server-assigned filter id.
func (f *Factory) UnsubscribeFilter(id uint64, filterID uint64) *StreamMessage {
	return &StreamMessage{
		Type:     StreamUnsubscribeFilter,
		ID:       FormatStreamID(id),
		Cache:    f.cache,
		Format:   f.format,
		FilterID: filterID,
	}
}

// FormatStreamID renders a dispatcher-scoped counter as a wire correlation
// id.
func FormatStreamID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
