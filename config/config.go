// Package config holds the session configuration for the grid client:
// endpoint address, request timeout, codec format, transport selection, and
// TLS material. Configuration is validated once and becomes immutable when a
// session is constructed.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/gridclient/errors"
)

// Transport selection values.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Defaults applied by New and Load.
const (
	DefaultAddress              = "localhost:1408"
	DefaultRequestTimeoutMillis = 60000
	DefaultFormat               = "json"
	DefaultTransport            = TransportWebSocket
)

var addressPattern = regexp.MustCompile(`^\S+:\d{1,5}$`)

// TLSConfig selects transport security. When Enabled, all three paths must
// resolve to readable files.
type TLSConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	CACertPath     string `json:"ca_cert_path" yaml:"ca_cert_path"`
	ClientCertPath string `json:"client_cert_path" yaml:"client_cert_path"`
	ClientKeyPath  string `json:"client_key_path" yaml:"client_key_path"`
}

// Config is the complete session configuration.
type Config struct {
	// Address is the cluster endpoint as host:port.
	Address string `json:"address" yaml:"address"`
	// RequestTimeoutMillis bounds every RPC. Zero or negative means
	// unbounded.
	RequestTimeoutMillis int64 `json:"request_timeout_millis" yaml:"request_timeout_millis"`
	// Format is the default codec format for maps opened by the session.
	Format string `json:"format" yaml:"format"`
	// Transport selects the channel implementation: websocket or nats.
	Transport string `json:"transport" yaml:"transport"`
	// TLS configures transport security.
	TLS TLSConfig `json:"tls" yaml:"tls"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Address:              DefaultAddress,
		RequestTimeoutMillis: DefaultRequestTimeoutMillis,
		Format:               DefaultFormat,
		Transport:            DefaultTransport,
	}
}

// Load parses YAML configuration, applying defaults for absent fields.
func Load(data []byte) (*Config, error) {
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapBadConfig(err, "config", "Load", "parse yaml")
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapBadConfig(err, "config", "LoadFile", fmt.Sprintf("read %s", path))
	}
	return Load(data)
}

// Clone returns a copy. Sessions keep a private clone so later mutation of
// the caller's struct cannot reach a live session.
func (c *Config) Clone() *Config {
	if c == nil {
		return New()
	}
	copied := *c
	return &copied
}

// RequestTimeout returns the request timeout as a duration, or zero when the
// timeout is unbounded.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutMillis <= 0 {
		return 0
	}
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}

// Validate checks the configuration. All failures are BadConfig errors.
func (c *Config) Validate() error {
	if !addressPattern.MatchString(c.Address) {
		return errors.NewKind(errors.KindBadConfig, "config", "Validate",
			fmt.Sprintf("address %q must match host:port", c.Address))
	}
	if c.Format == "" {
		return errors.NewKind(errors.KindBadConfig, "config", "Validate", "format must not be empty")
	}
	switch c.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		return errors.NewKind(errors.KindBadConfig, "config", "Validate",
			fmt.Sprintf("unknown transport %q", c.Transport))
	}
	return c.TLS.validate()
}

func (t *TLSConfig) validate() error {
	if !t.Enabled {
		return nil
	}
	paths := []struct {
		name string
		path string
	}{
		{"ca_cert_path", t.CACertPath},
		{"client_cert_path", t.ClientCertPath},
		{"client_key_path", t.ClientKeyPath},
	}
	for _, p := range paths {
		if p.path == "" {
			return errors.NewKind(errors.KindBadConfig, "config", "Validate",
				fmt.Sprintf("tls enabled but %s is not set", p.name))
		}
		f, err := os.Open(p.path)
		if err != nil {
			return errors.WrapBadConfig(err, "config", "Validate",
				fmt.Sprintf("open %s %q", p.name, p.path))
		}
		_ = f.Close()
	}
	return nil
}
