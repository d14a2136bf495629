package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/protocol"
)

// fakeGrid is a minimal in-process grid endpoint speaking the envelope
// protocol over a WebSocket.
type fakeGrid struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	store   map[string]map[string][]byte // cache -> encoded key -> encoded value
	streams map[uint64]string            // sid -> cache
}

func newFakeGrid(t *testing.T) *fakeGrid {
	return &fakeGrid{
		t:       t,
		store:   make(map[string]map[string][]byte),
		streams: make(map[uint64]string),
	}
}

func (g *fakeGrid) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			g.handle(conn, &env)
		}
	})
}

func (g *fakeGrid) send(conn *websocket.Conn, env *envelope) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.WriteJSON(env)
}

func (g *fakeGrid) cacheOf(name string) map[string][]byte {
	if g.store[name] == nil {
		g.store[name] = make(map[string][]byte)
	}
	return g.store[name]
}

func (g *fakeGrid) handle(conn *websocket.Conn, env *envelope) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch env.Type {
	case envRequest:
		g.handleRequest(conn, env)
	case envStreamOpen:
		g.streams[env.SID] = env.Cache
		g.send(conn, &envelope{Type: envStreamOpened, ID: env.ID, SID: env.SID})
	case envStreamMsg:
		msg := env.Stream
		switch msg.Type {
		case protocol.StreamInit, protocol.StreamSubscribeKey, protocol.StreamSubscribeFilter:
			reply := &protocol.StreamMessage{Type: protocol.StreamSubscribed, ID: msg.ID}
			if msg.Type == protocol.StreamSubscribeFilter {
				reply.FilterID = 7
			}
			g.send(conn, &envelope{Type: envStreamMsg, SID: env.SID, Stream: reply})
		case protocol.StreamUnsubscribeKey, protocol.StreamUnsubscribeFilter:
			g.send(conn, &envelope{Type: envStreamMsg, SID: env.SID,
				Stream: &protocol.StreamMessage{Type: protocol.StreamUnsubscribed, ID: msg.ID}})
		}
	case envStreamClose:
		delete(g.streams, env.SID)
	}
}

func (g *fakeGrid) handleRequest(conn *websocket.Conn, env *envelope) {
	req := env.Request
	cache := g.cacheOf(req.Cache)

	switch req.Op {
	case protocol.OpGet:
		value, present := cache[string(req.Key)]
		g.send(conn, &envelope{Type: envResponse, ID: env.ID,
			Response: &protocol.Response{Value: value, Present: present}})
	case protocol.OpPut:
		prior, present := cache[string(req.Key)]
		cache[string(req.Key)] = req.Value
		g.send(conn, &envelope{Type: envResponse, ID: env.ID,
			Response: &protocol.Response{Value: prior, Present: present}})
	case protocol.OpRemove:
		prior, present := cache[string(req.Key)]
		delete(cache, string(req.Key))
		g.send(conn, &envelope{Type: envResponse, ID: env.ID,
			Response: &protocol.Response{Value: prior, Present: present}})
	case protocol.OpSize:
		g.send(conn, &envelope{Type: envResponse, ID: env.ID,
			Response: &protocol.Response{Size: int64(len(cache))}})
	case protocol.OpEntrySet:
		for key, value := range cache {
			g.send(conn, &envelope{Type: envPage, ID: env.ID,
				Page: &protocol.Page{Key: []byte(key), Value: value}})
		}
		g.send(conn, &envelope{Type: envComplete, ID: env.ID})
	case protocol.OpClear:
		g.store[req.Cache] = make(map[string][]byte)
		g.send(conn, &envelope{Type: envResponse, ID: env.ID, Response: &protocol.Response{}})
	default:
		g.send(conn, &envelope{Type: envError, ID: env.ID,
			Code: "UNSUPPORTED", Error: "op not supported: " + string(req.Op)})
	}
}

// pushEvent injects an entry event into an open stream.
func (g *fakeGrid) pushEvent(sid uint64, msg *protocol.StreamMessage) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	g.send(conn, &envelope{Type: envStreamMsg, SID: sid, Stream: msg})
}

func startFake(t *testing.T) (*fakeGrid, *WebSocketChannel) {
	t.Helper()

	grid := newFakeGrid(t)
	server := httptest.NewServer(grid.handler())
	t.Cleanup(server.Close)

	cfg := config.New()
	cfg.Address = strings.TrimPrefix(server.URL, "http://")

	ch, err := DialWebSocket(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	return grid, ch
}

func TestWebSocketChannel_InvokeRoundTrip(t *testing.T) {
	_, ch := startFake(t)
	f := protocol.NewFactory("orders", "json")
	ctx := context.Background()

	resp, err := ch.Invoke(ctx, f.Put([]byte(`"a"`), []byte(`"1"`), 0))
	require.NoError(t, err)
	assert.False(t, resp.Present)

	resp, err = ch.Invoke(ctx, f.Get([]byte(`"a"`)))
	require.NoError(t, err)
	assert.True(t, resp.Present)
	assert.Equal(t, []byte(`"1"`), resp.Value)

	resp, err = ch.Invoke(ctx, f.Size())
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Size)
}

func TestWebSocketChannel_ConcurrentInvokes(t *testing.T) {
	_, ch := startFake(t)
	f := protocol.NewFactory("orders", "json")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ch.Invoke(context.Background(), f.Size())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestWebSocketChannel_ServerError(t *testing.T) {
	_, ch := startFake(t)
	f := protocol.NewFactory("orders", "json")

	_, err := ch.Invoke(context.Background(), f.Truncate())
	require.Error(t, err)
	assert.True(t, errors.IsServer(err))
	code, ok := errors.ServerCode(err)
	require.True(t, ok)
	assert.Equal(t, "UNSUPPORTED", code)
}

func TestWebSocketChannel_InvokeStream(t *testing.T) {
	_, ch := startFake(t)
	f := protocol.NewFactory("orders", "json")
	ctx := context.Background()

	for _, k := range []string{`"a"`, `"b"`, `"c"`} {
		_, err := ch.Invoke(ctx, f.Put([]byte(k), []byte(`"v"`), 0))
		require.NoError(t, err)
	}

	results, err := ch.InvokeStream(ctx, f.EntrySet(nil))
	require.NoError(t, err)

	var keys []string
	for result := range results {
		require.NoError(t, result.Err)
		keys = append(keys, string(result.Page.Key))
	}
	assert.ElementsMatch(t, []string{`"a"`, `"b"`, `"c"`}, keys)
}

func TestWebSocketChannel_EventStream(t *testing.T) {
	grid, ch := startFake(t)
	ctx := context.Background()

	stream, err := ch.OpenEventStream(ctx, "orders", "json")
	require.NoError(t, err)

	require.NoError(t, stream.Send(&protocol.StreamMessage{Type: protocol.StreamInit, ID: "1"}))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamSubscribed, msg.Type)
	assert.Equal(t, "1", msg.ID)

	grid.pushEvent(1, &protocol.StreamMessage{
		Type:     protocol.StreamEvent,
		Kind:     protocol.EventInserted,
		Key:      []byte(`"a"`),
		NewValue: []byte(`"1"`),
	})
	msg, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamEvent, msg.Type)
	assert.Equal(t, protocol.EventInserted, msg.Kind)

	stream.Cancel()
	_, err = stream.Recv()
	require.Error(t, err)
	assert.True(t, errors.IsStreamClosed(err))
}

func TestWebSocketChannel_FilterSubscribeCarriesFilterID(t *testing.T) {
	_, ch := startFake(t)

	stream, err := ch.OpenEventStream(context.Background(), "orders", "json")
	require.NoError(t, err)
	defer stream.Cancel()

	require.NoError(t, stream.Send(&protocol.StreamMessage{
		Type: protocol.StreamSubscribeFilter, ID: "2", Filter: []byte(`{}`),
	}))
	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamSubscribed, msg.Type)
	assert.Equal(t, uint64(7), msg.FilterID)
}

func TestWebSocketChannel_InvokeTimeout(t *testing.T) {
	// A server that swallows requests: the invoke must fail on its deadline.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := config.New()
	cfg.Address = strings.TrimPrefix(server.URL, "http://")
	ch, err := DialWebSocket(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := protocol.NewFactory("orders", "json")
	_, err = ch.Invoke(ctx, f.Size())
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestWebSocketChannel_CloseFailsFurtherUse(t *testing.T) {
	_, ch := startFake(t)
	require.NoError(t, ch.Close())

	f := protocol.NewFactory("orders", "json")
	_, err := ch.Invoke(context.Background(), f.Size())
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}

func TestDialWebSocket_Refused(t *testing.T) {
	cfg := config.New()
	cfg.Address = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := DialWebSocket(ctx, cfg, discardLogger())
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
}
