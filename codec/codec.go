// Package codec converts application values to and from the opaque byte
// payloads carried on the wire. Codecs are pluggable per format tag; the
// built-in JSON codec covers the default "json" format.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/gridclient/errors"
)

// Codec converts between application values and wire payloads. Encoding must
// be deterministic for identical inputs: the client indexes listener targets
// by their encoded form, so two equal keys must produce identical bytes.
type Codec interface {
	// Encode renders a value as wire bytes. Unencodable input fails with a
	// bad-value error and nothing is sent.
	Encode(value any) ([]byte, error)
	// Decode parses wire bytes back into a value. A nil or empty payload
	// decodes as nil.
	Decode(data []byte) (any, error)
	// Format returns the format tag sent alongside every payload.
	Format() string
}

// JSON is the format tag of the built-in textual codec.
const JSON = "json"

type jsonCodec struct{}

// NewJSON returns the built-in JSON codec. encoding/json serializes map keys
// in sorted order, so equal values always encode to identical bytes.
func NewJSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WrapBadValue(err, "jsonCodec", "Encode", "marshal value")
	}
	return data, nil
}

func (jsonCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, errors.WrapBadValue(err, "jsonCodec", "Decode", "unmarshal value")
	}
	return value, nil
}

func (jsonCodec) Format() string {
	return JSON
}

// Registry holds the codecs available to a session, keyed by format tag.
// It is an explicitly constructed collaborator: sessions receive a registry
// instead of consulting process-wide state.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry pre-populated with the JSON codec.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.codecs[JSON] = NewJSON()
	return r
}

// Register adds or replaces the codec for its format tag.
func (r *Registry) Register(c Codec) error {
	if c == nil || c.Format() == "" {
		return errors.NewKind(errors.KindBadConfig, "Registry", "Register", "codec must carry a format tag")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Format()] = c
	return nil
}

// Lookup returns the codec registered for the format tag.
func (r *Registry) Lookup(format string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[format]
	if !ok {
		return nil, errors.NewKind(errors.KindBadConfig, "Registry", "Lookup",
			fmt.Sprintf("no codec registered for format %q", format))
	}
	return c, nil
}

// Formats returns the registered format tags in sorted order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	formats := make([]string, 0, len(r.codecs))
	for f := range r.codecs {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}
