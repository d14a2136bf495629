// Package grid is the client API for a remote partitioned key-value grid.
// A Session owns the shared transport channel and the registry of live
// named maps; a NamedMap performs entry operations and carries listener
// subscriptions through its event dispatcher.
package grid

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/gridclient/codec"
	"github.com/c360/gridclient/config"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/metric"
	"github.com/c360/gridclient/protocol"
	"github.com/c360/gridclient/transport"
)

// State is the session lifecycle state.
type State int

// Session states.
const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type mapKey struct {
	name   string
	format string
}

// Session is a logical connection to a cluster endpoint. It owns the
// transport channel and hands out NamedMap instances keyed by (name, codec
// format). A session is closed exactly once; operations submitted after
// close fail with a session-closed error.
type Session struct {
	cfg     *config.Config
	codecs  *codec.Registry
	channel transport.Channel
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.Mutex
	state     State
	maps      map[mapKey]*NamedMap
	lifecycle []*SessionLifecycleListener
}

type sessionOptions struct {
	cfg     *config.Config
	codecs  *codec.Registry
	logger  *slog.Logger
	metrics *metric.Metrics
	channel transport.Channel
}

// Option configures a session under construction.
type Option func(*sessionOptions) error

// WithConfig replaces the whole configuration. The session keeps a private
// clone, so later mutation by the caller has no effect.
func WithConfig(cfg *config.Config) Option {
	return func(o *sessionOptions) error {
		if cfg == nil {
			return errors.NewKind(errors.KindBadConfig, "Session", "WithConfig", "config must not be nil")
		}
		o.cfg = cfg.Clone()
		return nil
	}
}

// WithConfigFile loads the configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(o *sessionOptions) error {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	}
}

// WithAddress sets the cluster endpoint as host:port.
func WithAddress(address string) Option {
	return func(o *sessionOptions) error {
		o.cfg.Address = address
		return nil
	}
}

// WithRequestTimeout bounds every RPC issued by the session. Zero or
// negative means unbounded.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *sessionOptions) error {
		o.cfg.RequestTimeoutMillis = timeout.Milliseconds()
		return nil
	}
}

// WithFormat sets the default codec format for maps opened by the session.
func WithFormat(format string) Option {
	return func(o *sessionOptions) error {
		o.cfg.Format = format
		return nil
	}
}

// WithTransport selects the channel implementation: websocket or nats.
func WithTransport(transportName string) Option {
	return func(o *sessionOptions) error {
		o.cfg.Transport = transportName
		return nil
	}
}

// WithTLS configures transport security.
func WithTLS(tls config.TLSConfig) Option {
	return func(o *sessionOptions) error {
		o.cfg.TLS = tls
		return nil
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *sessionOptions) error {
		o.logger = logger
		return nil
	}
}

// WithMetrics attaches Prometheus instruments to the session.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(o *sessionOptions) error {
		o.metrics = metrics
		return nil
	}
}

// WithCodecRegistry injects a codec registry. The default registry carries
// the JSON codec.
func WithCodecRegistry(registry *codec.Registry) Option {
	return func(o *sessionOptions) error {
		if registry == nil {
			return errors.NewKind(errors.KindBadConfig, "Session", "WithCodecRegistry", "registry must not be nil")
		}
		o.codecs = registry
		return nil
	}
}

// WithChannel injects a pre-built transport channel, bypassing Dial. The
// session still owns the channel and closes it.
func WithChannel(channel transport.Channel) Option {
	return func(o *sessionOptions) error {
		o.channel = channel
		return nil
	}
}

// NewSession validates the configuration, dials the endpoint, and returns an
// open session.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	options := &sessionOptions{cfg: config.New()}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if err := options.cfg.Validate(); err != nil {
		return nil, err
	}

	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.codecs == nil {
		options.codecs = codec.NewRegistry()
	}
	if _, err := options.codecs.Lookup(options.cfg.Format); err != nil {
		return nil, err
	}

	channel := options.channel
	if channel == nil {
		var err error
		channel, err = transport.Dial(ctx, options.cfg, options.logger)
		if err != nil {
			return nil, err
		}
	}

	s := &Session{
		cfg:     options.cfg,
		codecs:  options.codecs,
		channel: channel,
		logger:  options.logger.With("component", "session", "address", options.cfg.Address),
		metrics: options.metrics,
		state:   StateOpen,
		maps:    make(map[mapKey]*NamedMap),
	}
	s.logger.Debug("session open", "format", options.cfg.Format, "transport", options.cfg.Transport)
	return s, nil
}

// GetNamedMap returns the named map in the session's default codec format.
// The same instance is returned for repeated lookups of one (name, format)
// pair while the session is open.
func (s *Session) GetNamedMap(name string) (*NamedMap, error) {
	return s.GetNamedMapWithFormat(name, s.cfg.Format)
}

// GetNamedMapWithFormat returns the named map bound to an explicit codec
// format.
func (s *Session) GetNamedMapWithFormat(name, format string) (*NamedMap, error) {
	c, err := s.codecs.Lookup(format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return nil, errors.SessionClosed("Session", "GetNamedMap")
	}

	key := mapKey{name: name, format: format}
	if existing, ok := s.maps[key]; ok {
		return existing, nil
	}

	m := &NamedMap{
		name:    name,
		session: s,
		codec:   c,
		factory: protocol.NewFactory(name, format),
		logger:  s.logger.With("cache", name),
		metrics: s.metrics,
	}
	s.maps[key] = m
	return m, nil
}

// Close releases every owned named map in deterministic order, closes the
// channel, and emits closed exactly once. Close is idempotent; errors from
// individual map releases are logged and swallowed, but the channel is
// always closed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	owned := make([]*NamedMap, 0, len(s.maps))
	for _, m := range s.maps {
		owned = append(owned, m)
	}
	s.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool {
		if owned[i].name != owned[j].name {
			return owned[i].name < owned[j].name
		}
		return owned[i].codec.Format() < owned[j].codec.Format()
	})
	for _, m := range owned {
		if err := m.Release(ctx); err != nil {
			s.logger.Error("release failed during close", "cache", m.name, "error", err)
		}
	}

	if err := s.channel.Close(); err != nil {
		s.logger.Error("channel close failed", "error", err)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.maps = make(map[mapKey]*NamedMap)
	listeners := make([]*SessionLifecycleListener, len(s.lifecycle))
	copy(listeners, s.lifecycle)
	s.mu.Unlock()

	for _, l := range listeners {
		if l.OnClosed != nil {
			l.OnClosed()
		}
	}
	s.logger.Debug("session closed")
	return nil
}

// IsClosed reports whether the session has finished closing.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed
}

// AddLifecycleListener registers a session lifecycle listener.
func (s *Session) AddLifecycleListener(l *SessionLifecycleListener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.lifecycle {
		if existing == l {
			return
		}
	}
	s.lifecycle = append(s.lifecycle, l)
}

// RemoveLifecycleListener unregisters a session lifecycle listener.
func (s *Session) RemoveLifecycleListener(l *SessionLifecycleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.lifecycle {
		if existing == l {
			s.lifecycle = append(s.lifecycle[:i], s.lifecycle[i+1:]...)
			return
		}
	}
}

// open reports whether the session accepts new operations.
func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// requestContext derives the per-RPC deadline context.
func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.RequestTimeout()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// dropMap removes a released or destroyed map from the registry.
func (s *Session) dropMap(name, format string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.maps, mapKey{name: name, format: format})
}
