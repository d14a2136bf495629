package grid

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/protocol"
	"github.com/c360/gridclient/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is an in-memory Channel with per-cache stores and scripted
// event streams.
type fakeChannel struct {
	mu       sync.Mutex
	store    map[string]map[string][]byte
	requests []*protocol.Request
	streams  []*fakeStream
	closed   bool

	failInvoke error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{store: make(map[string]map[string][]byte)}
}

func (c *fakeChannel) cacheOf(name string) map[string][]byte {
	if c.store[name] == nil {
		c.store[name] = make(map[string][]byte)
	}
	return c.store[name]
}

func (c *fakeChannel) requestLog() []*protocol.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *fakeChannel) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeChannel) lastStream() *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

func (c *fakeChannel) Invoke(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.failInvoke != nil {
		return nil, c.failInvoke
	}
	cache := c.cacheOf(req.Cache)

	switch req.Op {
	case protocol.OpGet:
		value, present := cache[string(req.Key)]
		return &protocol.Response{Value: value, Present: present}, nil
	case protocol.OpPut:
		prior, present := cache[string(req.Key)]
		cache[string(req.Key)] = req.Value
		return &protocol.Response{Value: prior, Present: present}, nil
	case protocol.OpPutIfAbsent:
		prior, present := cache[string(req.Key)]
		if !present {
			cache[string(req.Key)] = req.Value
		}
		return &protocol.Response{Value: prior, Present: present}, nil
	case protocol.OpPutAll:
		for _, entry := range req.Entries {
			cache[string(entry.Key)] = entry.Value
		}
		return &protocol.Response{}, nil
	case protocol.OpRemove:
		prior, present := cache[string(req.Key)]
		delete(cache, string(req.Key))
		return &protocol.Response{Value: prior, Present: present}, nil
	case protocol.OpRemoveMapping:
		prior, present := cache[string(req.Key)]
		if present && string(prior) == string(req.Value) {
			delete(cache, string(req.Key))
			return &protocol.Response{Success: true}, nil
		}
		return &protocol.Response{}, nil
	case protocol.OpReplace:
		prior, present := cache[string(req.Key)]
		if present {
			cache[string(req.Key)] = req.Value
		}
		return &protocol.Response{Value: prior, Present: present}, nil
	case protocol.OpReplaceMapping:
		prior, present := cache[string(req.Key)]
		if present && string(prior) == string(req.Prior) {
			cache[string(req.Key)] = req.Value
			return &protocol.Response{Success: true}, nil
		}
		return &protocol.Response{}, nil
	case protocol.OpContainsKey:
		_, present := cache[string(req.Key)]
		return &protocol.Response{Success: present}, nil
	case protocol.OpContainsValue:
		for _, value := range cache {
			if string(value) == string(req.Value) {
				return &protocol.Response{Success: true}, nil
			}
		}
		return &protocol.Response{}, nil
	case protocol.OpContainsEntry:
		prior, present := cache[string(req.Key)]
		return &protocol.Response{Success: present && string(prior) == string(req.Value)}, nil
	case protocol.OpSize:
		return &protocol.Response{Size: int64(len(cache))}, nil
	case protocol.OpIsEmpty:
		return &protocol.Response{Success: len(cache) == 0}, nil
	case protocol.OpClear, protocol.OpTruncate, protocol.OpDestroy:
		c.store[req.Cache] = make(map[string][]byte)
		return &protocol.Response{}, nil
	case protocol.OpInvoke:
		return &protocol.Response{Value: []byte(`"invoked"`), Present: true}, nil
	case protocol.OpAddIndex, protocol.OpRemoveIndex:
		return &protocol.Response{}, nil
	default:
		return nil, errors.Server(req.Cache, "UNSUPPORTED", "op not supported")
	}
}

func (c *fakeChannel) InvokeStream(_ context.Context, req *protocol.Request) (<-chan transport.PageResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	cache := c.cacheOf(req.Cache)
	pages := make([]transport.PageResult, 0, len(cache))
	for key, value := range cache {
		pages = append(pages, transport.PageResult{Page: &protocol.Page{Key: []byte(key), Value: value}})
	}
	c.mu.Unlock()

	out := make(chan transport.PageResult, len(pages))
	for _, page := range pages {
		out <- page
	}
	close(out)
	return out, nil
}

func (c *fakeChannel) OpenEventStream(_ context.Context, cache, format string) (transport.EventStream, error) {
	stream := &fakeStream{
		cache:        cache,
		inbound:      make(chan *protocol.StreamMessage, 64),
		done:         make(chan struct{}),
		autoAck:      true,
		nextFilterID: 7,
	}
	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()
	return stream, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeStream records sent subscription messages and acknowledges them like
// the server would.
type fakeStream struct {
	cache   string
	inbound chan *protocol.StreamMessage

	mu           sync.Mutex
	sent         []*protocol.StreamMessage
	autoAck      bool
	nextFilterID uint64
	cancelled    bool

	closeOnce sync.Once
	done      chan struct{}
}

func (s *fakeStream) Send(msg *protocol.StreamMessage) error {
	select {
	case <-s.done:
		return errors.StreamClosed(s.cache, nil)
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	autoAck := s.autoAck
	var reply *protocol.StreamMessage
	if autoAck {
		switch msg.Type {
		case protocol.StreamInit, protocol.StreamSubscribeKey:
			reply = &protocol.StreamMessage{Type: protocol.StreamSubscribed, ID: msg.ID}
		case protocol.StreamSubscribeFilter:
			reply = &protocol.StreamMessage{Type: protocol.StreamSubscribed, ID: msg.ID, FilterID: s.nextFilterID}
			s.nextFilterID++
		case protocol.StreamUnsubscribeKey, protocol.StreamUnsubscribeFilter:
			reply = &protocol.StreamMessage{Type: protocol.StreamUnsubscribed, ID: msg.ID}
		}
	}
	s.mu.Unlock()
	if reply != nil {
		s.push(reply)
	}
	return nil
}

func (s *fakeStream) Recv() (*protocol.StreamMessage, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.done:
		select {
		case msg := <-s.inbound:
			return msg, nil
		default:
		}
		return nil, errors.StreamClosed(s.cache, nil)
	}
}

func (s *fakeStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
}

// fail ends the stream as a transport failure.
func (s *fakeStream) fail() {
	s.closeOnce.Do(func() { close(s.done) })
}

// push injects a server-to-client message.
func (s *fakeStream) push(msg *protocol.StreamMessage) {
	select {
	case s.inbound <- msg:
	case <-s.done:
	}
}

func (s *fakeStream) sentMessages() []*protocol.StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.StreamMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeStream) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// sentTypes lists the non-init message types in send order.
func (s *fakeStream) sentTypes() []protocol.StreamMessageType {
	var out []protocol.StreamMessageType
	for _, msg := range s.sentMessages() {
		if msg.Type == protocol.StreamInit {
			continue
		}
		out = append(out, msg.Type)
	}
	return out
}

func newTestSession(t *testing.T, ch transport.Channel) *Session {
	t.Helper()
	s, err := NewSession(context.Background(),
		WithChannel(ch),
		WithLogger(discardLogger()),
		WithRequestTimeout(2*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// await receives from ch or fails the test after a timeout.
func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", what)
}
