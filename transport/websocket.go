package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/pkg/retry"
	"github.com/c360/gridclient/pkg/tlsutil"
	"github.com/c360/gridclient/protocol"
)

// Envelope types on the WebSocket wire.
const (
	envRequest      = "request"
	envResponse     = "response"
	envPage         = "page"
	envComplete     = "complete"
	envError        = "error"
	envStreamOpen   = "streamOpen"
	envStreamOpened = "streamOpened"
	envStreamMsg    = "streamMsg"
	envStreamClose  = "streamClose"
)

const (
	// Path of the grid endpoint on the cluster address.
	wsPath = "/grid/v1"

	handshakeTimeout = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 10 * time.Second

	// Inbound stream messages buffered per event stream before the read
	// pump blocks.
	streamBuffer = 256
)

// envelope frames every message on the socket. Unary traffic is correlated
// by ID; event-stream traffic is routed by SID.
type envelope struct {
	Type     string                  `json:"type"`
	ID       string                  `json:"id,omitempty"`
	SID      uint64                  `json:"sid,omitempty"`
	Cache    string                  `json:"cache,omitempty"`
	Format   string                  `json:"format,omitempty"`
	Request  *protocol.Request       `json:"request,omitempty"`
	Response *protocol.Response      `json:"response,omitempty"`
	Page     *protocol.Page          `json:"page,omitempty"`
	Stream   *protocol.StreamMessage `json:"stream,omitempty"`
	Code     string                  `json:"code,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// WebSocketChannel is the default Channel: one socket per session carrying
// correlated unary requests and multiplexed logical event streams.
type WebSocketChannel struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// writeMu serializes every socket write
	writeMu sync.Mutex

	// mu protects pending, pages, and streams
	mu      sync.Mutex
	pending map[string]chan *envelope
	pages   map[string]chan PageResult
	streams map[uint64]*wsEventStream
	nextSID uint64

	closed   atomic.Bool
	done     chan struct{}
	closeErr error
}

// DialWebSocket connects to ws(s)://address/grid/v1 with backoff, using TLS
// material from the configuration when enabled.
func DialWebSocket(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*WebSocketChannel, error) {
	tlsConf, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	if cfg.TLS.Enabled {
		scheme = "wss"
	}
	endpoint := url.URL{Scheme: scheme, Host: cfg.Address, Path: wsPath}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  tlsConf,
	}

	var conn *websocket.Conn
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var dialErr error
		conn, _, dialErr = dialer.DialContext(ctx, endpoint.String(), nil)
		return dialErr
	})
	if err != nil {
		return nil, errors.WrapTransport(err, "WebSocketChannel", "Dial",
			fmt.Sprintf("connect %s", endpoint.String()))
	}

	ch := &WebSocketChannel{
		conn:    conn,
		logger:  logger.With("channel", "websocket", "address", cfg.Address),
		pending: make(map[string]chan *envelope),
		pages:   make(map[string]chan PageResult),
		streams: make(map[uint64]*wsEventStream),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go ch.readPump()
	go ch.pingLoop()

	ch.logger.Debug("channel connected")
	return ch, nil
}

// Invoke sends one request and suspends until its correlated response.
func (c *WebSocketChannel) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	replyCh := make(chan *envelope, 1)

	// Register before transmitting so a fast response cannot race the
	// registration.
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, c.notConnected("Invoke")
	}
	c.pending[req.ID] = replyCh
	c.mu.Unlock()

	if err := c.write(&envelope{Type: envRequest, ID: req.ID, Request: req}); err != nil {
		c.forgetPending(req.ID)
		return nil, err
	}

	select {
	case env := <-replyCh:
		if env.Type == envError {
			return nil, errors.Server(req.Cache, env.Code, env.Error)
		}
		if env.Response == nil {
			return &protocol.Response{}, nil
		}
		return env.Response, nil
	case <-ctx.Done():
		c.forgetPending(req.ID)
		return nil, deadlineError(ctx, "WebSocketChannel", "Invoke")
	case <-c.done:
		return nil, errors.WrapTransport(c.closeCause(), "WebSocketChannel", "Invoke", "await response")
	}
}

// InvokeStream sends a paged query; the returned channel yields pages as
// they arrive and closes after the terminal marker.
func (c *WebSocketChannel) InvokeStream(ctx context.Context, req *protocol.Request) (<-chan PageResult, error) {
	results := make(chan PageResult, 16)

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, c.notConnected("InvokeStream")
	}
	c.pages[req.ID] = results
	c.mu.Unlock()

	if err := c.write(&envelope{Type: envRequest, ID: req.ID, Request: req}); err != nil {
		c.mu.Lock()
		delete(c.pages, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	// Abandon the query when the caller's context ends first. The channel is
	// left open: the read pump is its only closer.
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			ch, ok := c.pages[req.ID]
			if ok {
				delete(c.pages, req.ID)
			}
			c.mu.Unlock()
			if ok {
				select {
				case ch <- PageResult{Err: deadlineError(ctx, "WebSocketChannel", "InvokeStream")}:
				default:
				}
			}
		case <-c.done:
		}
	}()

	return results, nil
}

// OpenEventStream opens one logical duplex stream for a named map and waits
// for the server acknowledgement.
func (c *WebSocketChannel) OpenEventStream(ctx context.Context, cache, format string) (EventStream, error) {
	replyCh := make(chan *envelope, 1)
	openID := uuid.NewString()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, c.notConnected("OpenEventStream")
	}
	c.nextSID++
	stream := &wsEventStream{
		sid:     c.nextSID,
		cache:   cache,
		channel: c,
		inbound: make(chan *protocol.StreamMessage, streamBuffer),
		done:    make(chan struct{}),
	}
	c.streams[stream.sid] = stream
	c.pending[openID] = replyCh
	c.mu.Unlock()

	err := c.write(&envelope{Type: envStreamOpen, ID: openID, SID: stream.sid, Cache: cache, Format: format})
	if err != nil {
		c.forgetPending(openID)
		c.removeStream(stream.sid)
		return nil, err
	}

	select {
	case env := <-replyCh:
		if env.Type == envError {
			c.removeStream(stream.sid)
			return nil, errors.Server(cache, env.Code, env.Error)
		}
		return stream, nil
	case <-ctx.Done():
		c.forgetPending(openID)
		c.removeStream(stream.sid)
		return nil, deadlineError(ctx, "WebSocketChannel", "OpenEventStream")
	case <-c.done:
		return nil, errors.WrapTransport(c.closeCause(), "WebSocketChannel", "OpenEventStream", "await ack")
	}
}

// Close tears the socket down and fails everything outstanding.
func (c *WebSocketChannel) Close() error {
	c.shutdown(errors.ErrConnectionLost, true)
	return nil
}

func (c *WebSocketChannel) notConnected(method string) error {
	return errors.WrapTransport(c.closeCause(), "WebSocketChannel", method, "use channel")
}

func (c *WebSocketChannel) closeCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return errors.ErrNotConnected
}

// write serializes socket writes. A blocked write suspends its caller; the
// channel never queues requests.
func (c *WebSocketChannel) write(env *envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return errors.WrapTransport(c.closeCause(), "WebSocketChannel", "write", "use channel")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return errors.WrapTransport(err, "WebSocketChannel", "write", "send envelope")
	}
	return nil
}

func (c *WebSocketChannel) forgetPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WebSocketChannel) removeStream(sid uint64) {
	c.mu.Lock()
	delete(c.streams, sid)
	c.mu.Unlock()
}

func (c *WebSocketChannel) readPump() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			graceful := c.closed.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if graceful {
				c.shutdown(errors.ErrConnectionLost, false)
			} else {
				c.logger.Warn("read failed", "error", err)
				c.shutdown(err, false)
			}
			return
		}
		c.dispatch(&env)
	}
}

func (c *WebSocketChannel) dispatch(env *envelope) {
	switch env.Type {
	case envResponse, envError, envStreamOpened:
		c.mu.Lock()
		replyCh, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			replyCh <- env
		}

	case envPage:
		c.mu.Lock()
		pageCh, ok := c.pages[env.ID]
		c.mu.Unlock()
		if ok {
			// A slow consumer blocks the read pump: the socket's own flow
			// control is the backpressure mechanism.
			select {
			case pageCh <- PageResult{Page: env.Page}:
			case <-c.done:
			}
		}

	case envComplete:
		c.mu.Lock()
		pageCh, ok := c.pages[env.ID]
		if ok {
			delete(c.pages, env.ID)
		}
		c.mu.Unlock()
		if ok {
			close(pageCh)
		}

	case envStreamMsg:
		c.mu.Lock()
		stream, ok := c.streams[env.SID]
		c.mu.Unlock()
		if ok && env.Stream != nil {
			stream.deliver(env.Stream)
		}

	case envStreamClose:
		c.mu.Lock()
		stream, ok := c.streams[env.SID]
		if ok {
			delete(c.streams, env.SID)
		}
		c.mu.Unlock()
		if ok {
			stream.terminate(errors.ErrStreamClosed)
		}

	default:
		c.logger.Warn("unrecognized envelope", "type", env.Type)
	}
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown closes the socket once and fails all outstanding work with cause.
func (c *WebSocketChannel) shutdown(cause error, sendClose bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	if sendClose {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	_ = c.conn.Close()

	c.mu.Lock()
	c.closeErr = cause
	pages := c.pages
	streams := c.streams
	c.pending = make(map[string]chan *envelope)
	c.pages = make(map[string]chan PageResult)
	c.streams = make(map[uint64]*wsEventStream)
	c.mu.Unlock()

	close(c.done)

	// Invoke and OpenEventStream waiters observe done closing; only paged
	// queries and streams need explicit failure.
	transportErr := errors.WrapTransport(cause, "WebSocketChannel", "shutdown", "connection")
	// An error element is terminal for consumers; the channels are not
	// closed here because the read pump may still hold a reference.
	for _, pageCh := range pages {
		select {
		case pageCh <- PageResult{Err: transportErr}:
		default:
		}
	}
	for _, stream := range streams {
		stream.terminate(cause)
	}
}

// wsEventStream is one logical duplex stream multiplexed on the shared
// socket.
type wsEventStream struct {
	sid     uint64
	cache   string
	channel *WebSocketChannel
	inbound chan *protocol.StreamMessage

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	endErr    error
}

// Send writes one stream message onto the shared socket.
func (s *wsEventStream) Send(msg *protocol.StreamMessage) error {
	select {
	case <-s.done:
		return errors.StreamClosed(s.cache, s.cause())
	default:
	}
	return s.channel.write(&envelope{Type: envStreamMsg, SID: s.sid, Stream: msg})
}

// Recv blocks for the next inbound message.
func (s *wsEventStream) Recv() (*protocol.StreamMessage, error) {
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return nil, errors.StreamClosed(s.cache, s.cause())
		}
		return msg, nil
	case <-s.done:
		// Drain anything delivered before termination.
		select {
		case msg, ok := <-s.inbound:
			if ok {
				return msg, nil
			}
		default:
		}
		return nil, errors.StreamClosed(s.cache, s.cause())
	}
}

// Cancel closes the stream from the client side, telling the server to drop
// the subscription state. endErr stays nil: cancellation is a graceful end.
func (s *wsEventStream) Cancel() {
	s.closeOnce.Do(func() {
		_ = s.channel.write(&envelope{Type: envStreamClose, SID: s.sid})
		s.channel.removeStream(s.sid)
		close(s.done)
	})
}

func (s *wsEventStream) deliver(msg *protocol.StreamMessage) {
	select {
	case s.inbound <- msg:
	case <-s.done:
	}
}

func (s *wsEventStream) terminate(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.endErr = cause
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *wsEventStream) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}
