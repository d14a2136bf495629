// Package transport carries requests, responses, and event streams between
// the client and the grid endpoint. Two channel implementations exist: a
// WebSocket channel (default) and a NATS channel for deployments reachable
// through a NATS fabric. Both serialize writes, preserve send order, and
// correlate responses by request id.
package transport

import (
	"context"
	"log/slog"

	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/protocol"
)

// PageResult is one element of a streamed query. A non-nil Err terminates
// the stream.
type PageResult struct {
	Page *protocol.Page
	Err  error
}

// Channel is the session's shared connection to the grid. Implementations
// serialize concurrent writes; a blocked write suspends its caller rather
// than queueing unbounded requests.
type Channel interface {
	// Invoke performs one unary operation, suspending until the response
	// arrives or ctx ends.
	Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// InvokeStream performs a paged query. Pages are delivered as they
	// arrive; the channel closes after the terminal marker. An element with
	// a non-nil Err ends the query; the channel is not necessarily closed
	// after it.
	InvokeStream(ctx context.Context, req *protocol.Request) (<-chan PageResult, error)

	// OpenEventStream opens one duplex event stream for a named map.
	OpenEventStream(ctx context.Context, cache, format string) (EventStream, error)

	// Close tears the connection down, failing outstanding invokes and open
	// streams.
	Close() error
}

// EventStream is a duplex message stream scoped to one named map.
type EventStream interface {
	// Send writes one stream message. A blocked transport write suspends
	// the caller.
	Send(msg *protocol.StreamMessage) error

	// Recv blocks for the next inbound message. It returns a StreamClosed
	// error once the stream has ended; the error carries the transport
	// failure when one ended the stream.
	Recv() (*protocol.StreamMessage, error)

	// Cancel closes the stream from the client side.
	Cancel()
}

// Dial connects the channel selected by the configuration.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Transport {
	case config.TransportNATS:
		return DialNATS(ctx, cfg, logger)
	default:
		return DialWebSocket(ctx, cfg, logger)
	}
}

// deadlineError converts a context error into the client taxonomy.
func deadlineError(ctx context.Context, component, method string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.WrapTimeout(ctx.Err(), component, method, "await response")
	}
	return errors.WrapTransport(ctx.Err(), component, method, "await response")
}
