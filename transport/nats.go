package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/pkg/retry"
	"github.com/c360/gridclient/pkg/tlsutil"
	"github.com/c360/gridclient/protocol"
)

// Subjects exposed by grid deployments reachable over NATS.
const (
	rpcSubjectPrefix  = "grid.rpc."
	eventsOpenSubject = "grid.events.open"

	natsConnectTimeout = 5 * time.Second
	natsStreamBuffer   = 256
)

// rpcReply is the unary reply payload on the NATS wire.
type rpcReply struct {
	Response *protocol.Response `json:"response,omitempty"`
	Code     string             `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// pageFrame is one element of a paged reply stream. Done marks the terminal
// frame.
type pageFrame struct {
	Page  *protocol.Page `json:"page,omitempty"`
	Done  bool           `json:"done,omitempty"`
	Code  string         `json:"code,omitempty"`
	Error string         `json:"error,omitempty"`
}

// streamEndpoints is the events.open handshake reply: the per-stream subject
// pair the client publishes to and consumes from.
type streamEndpoints struct {
	In    string `json:"in"`
	Out   string `json:"out"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// NATSChannel reaches the grid through a NATS fabric: request/reply for
// unary operations, inbox-paired subjects for event streams.
type NATSChannel struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// DialNATS connects to the NATS endpoint named by the configuration.
func DialNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*NATSChannel, error) {
	tlsConf, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.Name("gridclient"),
		nats.Timeout(natsConnectTimeout),
		// The channel surfaces connection loss to callers instead of
		// replaying requests after a reconnect.
		nats.NoReconnect(),
	}
	if tlsConf != nil {
		opts = append(opts, nats.Secure(tlsConf))
	}

	var nc *nats.Conn
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		var dialErr error
		nc, dialErr = nats.Connect("nats://"+cfg.Address, opts...)
		return dialErr
	})
	if err != nil {
		return nil, errors.WrapTransport(err, "NATSChannel", "Dial",
			fmt.Sprintf("connect %s", cfg.Address))
	}

	return &NATSChannel{
		nc:     nc,
		logger: logger.With("channel", "nats", "address", cfg.Address),
	}, nil
}

// Invoke performs one unary operation as a NATS request.
func (c *NATSChannel) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapBadValue(err, "NATSChannel", "Invoke", "marshal request")
	}

	msg, err := c.nc.RequestWithContext(ctx, rpcSubjectPrefix+string(req.Op), data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadlineError(ctx, "NATSChannel", "Invoke")
		}
		return nil, errors.WrapTransport(err, "NATSChannel", "Invoke", "request")
	}

	var reply rpcReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errors.WrapTransport(err, "NATSChannel", "Invoke", "parse reply")
	}
	if reply.Error != "" || reply.Code != "" {
		return nil, errors.Server(req.Cache, reply.Code, reply.Error)
	}
	if reply.Response == nil {
		return &protocol.Response{}, nil
	}
	return reply.Response, nil
}

// InvokeStream performs a paged query: pages arrive on a dedicated inbox
// until the terminal frame.
func (c *NATSChannel) InvokeStream(ctx context.Context, req *protocol.Request) (<-chan PageResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapBadValue(err, "NATSChannel", "InvokeStream", "marshal request")
	}

	inbox := nats.NewInbox()
	msgCh := make(chan *nats.Msg, natsStreamBuffer)
	sub, err := c.nc.ChanSubscribe(inbox, msgCh)
	if err != nil {
		return nil, errors.WrapTransport(err, "NATSChannel", "InvokeStream", "subscribe inbox")
	}

	if err := c.nc.PublishRequest(rpcSubjectPrefix+string(req.Op), inbox, data); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WrapTransport(err, "NATSChannel", "InvokeStream", "publish request")
	}

	results := make(chan PageResult, 16)
	go func() {
		defer close(results)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case msg := <-msgCh:
				var frame pageFrame
				if err := json.Unmarshal(msg.Data, &frame); err != nil {
					results <- PageResult{Err: errors.WrapTransport(err, "NATSChannel", "InvokeStream", "parse page")}
					return
				}
				if frame.Error != "" || frame.Code != "" {
					results <- PageResult{Err: errors.Server(req.Cache, frame.Code, frame.Error)}
					return
				}
				if frame.Done {
					return
				}
				if frame.Page != nil {
					results <- PageResult{Page: frame.Page}
				}
			case <-ctx.Done():
				results <- PageResult{Err: deadlineError(ctx, "NATSChannel", "InvokeStream")}
				return
			}
		}
	}()

	return results, nil
}

// OpenEventStream performs the events.open handshake and binds the returned
// subject pair as a duplex stream.
func (c *NATSChannel) OpenEventStream(ctx context.Context, cache, format string) (EventStream, error) {
	handshake, err := json.Marshal(map[string]string{"cache": cache, "format": format})
	if err != nil {
		return nil, errors.WrapBadValue(err, "NATSChannel", "OpenEventStream", "marshal handshake")
	}

	msg, err := c.nc.RequestWithContext(ctx, eventsOpenSubject, handshake)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadlineError(ctx, "NATSChannel", "OpenEventStream")
		}
		return nil, errors.WrapTransport(err, "NATSChannel", "OpenEventStream", "handshake")
	}

	var endpoints streamEndpoints
	if err := json.Unmarshal(msg.Data, &endpoints); err != nil {
		return nil, errors.WrapTransport(err, "NATSChannel", "OpenEventStream", "parse handshake reply")
	}
	if endpoints.Error != "" || endpoints.Code != "" {
		return nil, errors.Server(cache, endpoints.Code, endpoints.Error)
	}

	msgCh := make(chan *nats.Msg, natsStreamBuffer)
	sub, err := c.nc.ChanSubscribe(endpoints.Out, msgCh)
	if err != nil {
		return nil, errors.WrapTransport(err, "NATSChannel", "OpenEventStream", "subscribe")
	}

	return &natsEventStream{
		cache:   cache,
		nc:      c.nc,
		in:      endpoints.In,
		sub:     sub,
		inbound: msgCh,
		done:    make(chan struct{}),
	}, nil
}

// Close drains and closes the NATS connection.
func (c *NATSChannel) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return errors.WrapTransport(err, "NATSChannel", "Close", "drain")
	}
	return nil
}

// natsEventStream is one duplex stream bound to a subject pair from the
// events.open handshake.
type natsEventStream struct {
	cache   string
	nc      *nats.Conn
	in      string
	sub     *nats.Subscription
	inbound chan *nats.Msg

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	endErr    error
}

// Send publishes one stream message to the server-side subject.
func (s *natsEventStream) Send(msg *protocol.StreamMessage) error {
	select {
	case <-s.done:
		return errors.StreamClosed(s.cache, s.cause())
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapBadValue(err, "natsEventStream", "Send", "marshal message")
	}
	if err := s.nc.Publish(s.in, data); err != nil {
		return errors.WrapTransport(err, "natsEventStream", "Send", "publish")
	}
	return nil
}

// Recv blocks for the next inbound message. A zero-length payload is the
// server's end-of-stream marker.
func (s *natsEventStream) Recv() (*protocol.StreamMessage, error) {
	select {
	case msg := <-s.inbound:
		if len(msg.Data) == 0 {
			s.terminate(errors.ErrStreamClosed)
			return nil, errors.StreamClosed(s.cache, errors.ErrStreamClosed)
		}
		var sm protocol.StreamMessage
		if err := json.Unmarshal(msg.Data, &sm); err != nil {
			return nil, errors.WrapTransport(err, "natsEventStream", "Recv", "parse message")
		}
		return &sm, nil
	case <-s.done:
		return nil, errors.StreamClosed(s.cache, s.cause())
	}
}

// Cancel closes the stream: a zero-length payload on the in subject tells
// the server to drop the subscription state.
func (s *natsEventStream) Cancel() {
	s.closeOnce.Do(func() {
		_ = s.nc.Publish(s.in, nil)
		_ = s.sub.Unsubscribe()
		close(s.done)
	})
}

func (s *natsEventStream) terminate(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.endErr = cause
		s.mu.Unlock()
		_ = s.sub.Unsubscribe()
		close(s.done)
	})
}

func (s *natsEventStream) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}
