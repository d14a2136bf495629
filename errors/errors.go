// Package errors provides standardized error handling for the grid client.
// It includes error kinds, standard error variables, and helper functions
// for consistent error wrapping and classification across the client.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a client error for handling purposes.
type Kind int

const (
	// KindTransport represents channel-level failures (dial, write, read, connection lost)
	KindTransport Kind = iota
	// KindTimeout represents a request deadline that elapsed before the server responded
	KindTimeout
	// KindBadValue represents a codec failure on an input key or value
	KindBadValue
	// KindBadConfig represents invalid session configuration (address, TLS material)
	KindBadConfig
	// KindSessionClosed represents an operation submitted after the session closed
	KindSessionClosed
	// KindCacheNotActive represents an operation against a released or destroyed map
	KindCacheNotActive
	// KindStreamClosed represents an event-stream request that was never acknowledged
	// because the stream ended first
	KindStreamClosed
	// KindServer represents an error code propagated from the server
	KindServer
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindBadValue:
		return "bad_value"
	case KindBadConfig:
		return "bad_config"
	case KindSessionClosed:
		return "session_closed"
	case KindCacheNotActive:
		return "cache_not_active"
	case KindStreamClosed:
		return "stream_closed"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Session lifecycle errors
	ErrSessionClosed  = errors.New("session closed")
	ErrCacheNotActive = errors.New("cache is not active")

	// Channel and stream errors
	ErrConnectionLost = errors.New("connection lost")
	ErrStreamClosed   = errors.New("event stream closed")
	ErrNotConnected   = errors.New("not connected")

	// Input errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidValue  = errors.New("value cannot be encoded")
	ErrMissingConfig = errors.New("missing required configuration")
)

// Error wraps an error with its kind and the component context it arose in.
type Error struct {
	Kind      Kind
	Err       error
	Message   string
	Component string
	Operation string
	// Code carries the server-side error code for KindServer errors.
	Code string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// ClassOf returns the kind of an error, defaulting to KindTransport for
// unclassified errors so callers treat unknown failures as channel trouble.
func ClassOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == k
	}
	if k == KindTimeout && errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// IsTimeout checks if an error represents an elapsed request deadline
func IsTimeout(err error) bool { return IsKind(err, KindTimeout) }

// IsTransport checks if an error represents a channel failure
func IsTransport(err error) bool { return IsKind(err, KindTransport) }

// IsBadValue checks if an error represents a codec failure on input
func IsBadValue(err error) bool { return IsKind(err, KindBadValue) }

// IsBadConfig checks if an error represents invalid configuration
func IsBadConfig(err error) bool { return IsKind(err, KindBadConfig) }

// IsSessionClosed checks if an error means the owning session is closed
func IsSessionClosed(err error) bool { return IsKind(err, KindSessionClosed) }

// IsCacheNotActive checks if an error means the map was released or destroyed
func IsCacheNotActive(err error) bool { return IsKind(err, KindCacheNotActive) }

// IsStreamClosed checks if an error means the event stream ended before an ack
func IsStreamClosed(err error) bool { return IsKind(err, KindStreamClosed) }

// IsServer checks if an error was propagated from the server
func IsServer(err error) bool { return IsKind(err, KindServer) }

// newClassified creates a new classified error.
// This is an internal helper - use the Wrap* and New* functions instead.
func newClassified(kind Kind, err error, component, operation, message string) *Error {
	return &Error{
		Kind:      kind,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with context and the given kind
func WrapKind(kind Kind, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(kind, wrapped, component, method, wrapped.Error())
}

// WrapTransport wraps an error as a channel failure with context
func WrapTransport(err error, component, method, action string) error {
	return WrapKind(KindTransport, err, component, method, action)
}

// WrapTimeout wraps an error as an elapsed deadline with context
func WrapTimeout(err error, component, method, action string) error {
	return WrapKind(KindTimeout, err, component, method, action)
}

// WrapBadValue wraps an error as a codec failure with context
func WrapBadValue(err error, component, method, action string) error {
	return WrapKind(KindBadValue, err, component, method, action)
}

// WrapBadConfig wraps an error as invalid configuration with context
func WrapBadConfig(err error, component, method, action string) error {
	return WrapKind(KindBadConfig, err, component, method, action)
}

// NewKind creates a classified error without an underlying cause
func NewKind(kind Kind, component, method, message string) error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf("%s.%s: %s", component, method, message),
		Component: component,
		Operation: method,
	}
}

// SessionClosed creates a KindSessionClosed error for the given operation
func SessionClosed(component, method string) error {
	return newClassified(KindSessionClosed, ErrSessionClosed, component, method,
		fmt.Sprintf("%s.%s: %v", component, method, ErrSessionClosed))
}

// CacheNotActive creates a KindCacheNotActive error for the given cache
func CacheNotActive(cache, method string) error {
	return newClassified(KindCacheNotActive, ErrCacheNotActive, cache, method,
		fmt.Sprintf("cache %q is not active", cache))
}

// StreamClosed creates a KindStreamClosed error for a request that was sent
// but never acknowledged before the event stream ended.
func StreamClosed(cache string, cause error) error {
	if cause == nil {
		cause = ErrStreamClosed
	}
	return newClassified(KindStreamClosed, cause, cache, "eventStream",
		fmt.Sprintf("event stream for cache %q closed: %v", cache, cause))
}

// Server creates a KindServer error carrying the server code and message.
func Server(cache, code, message string) error {
	return &Error{
		Kind:      KindServer,
		Message:   fmt.Sprintf("server error for cache %q: %s: %s", cache, code, message),
		Component: cache,
		Operation: "rpc",
		Code:      code,
	}
}

// ServerCode returns the server error code carried by err, if any.
func ServerCode(err error) (string, bool) {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindServer {
		return ce.Code, true
	}
	return "", false
}
