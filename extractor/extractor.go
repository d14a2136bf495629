// Package extractor models server-interpretable value projections. An
// extractor describes how the server reaches an attribute of a stored entry;
// the client only builds and serializes the tree, it never evaluates it.
package extractor

import "strings"

// Wire type tags recognized by the server.
const (
	identityTag  = "extractor.IdentityExtractor"
	universalTag = "extractor.UniversalExtractor"
	chainedTag   = "extractor.ChainedExtractor"
	multiTag     = "extractor.MultiExtractor"
)

// Extractor is an immutable node of a projection tree. Concrete extractors
// serialize through the session codec with an "@class" discriminator.
type Extractor interface {
	extractorNode()
}

type identityExtractor struct {
	Class string `json:"@class"`
}

func (identityExtractor) extractorNode() {}

type universalExtractor struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

func (universalExtractor) extractorNode() {}

type chainedExtractor struct {
	Class      string      `json:"@class"`
	Extractors []Extractor `json:"extractors"`
}

func (chainedExtractor) extractorNode() {}

type multiExtractor struct {
	Class      string      `json:"@class"`
	Extractors []Extractor `json:"extractors"`
}

func (multiExtractor) extractorNode() {}

// Identity returns the extractor that projects the entry value itself.
func Identity() Extractor {
	return identityExtractor{Class: identityTag}
}

// Universal projects the attribute reachable by name on the entry value.
// An empty name is equivalent to Identity.
func Universal(name string) Extractor {
	if name == "" {
		return Identity()
	}
	return universalExtractor{Class: universalTag, Name: name}
}

// Chained composes universal extractors left to right over the given
// attribute names.
func Chained(names ...string) Extractor {
	extractors := make([]Extractor, 0, len(names))
	for _, name := range names {
		extractors = append(extractors, Universal(name))
	}
	return chainedExtractor{Class: chainedTag, Extractors: extractors}
}

// Multi evaluates several extractors against the same entry. Specs follow the
// Extract shorthand and are comma separated.
func Multi(specs string) Extractor {
	parts := strings.Split(specs, ",")
	extractors := make([]Extractor, 0, len(parts))
	for _, part := range parts {
		extractors = append(extractors, Extract(strings.TrimSpace(part)))
	}
	return multiExtractor{Class: multiTag, Extractors: extractors}
}

// Extract builds an extractor from a path spec: a bare name becomes a
// universal extractor, a dot-separated path becomes a chain.
func Extract(spec string) Extractor {
	if !strings.Contains(spec, ".") {
		return Universal(spec)
	}
	return Chained(strings.Split(spec, ".")...)
}

// Of coerces either an Extractor or a path spec string into an Extractor.
// Anything else yields the identity extractor.
func Of(target any) Extractor {
	switch v := target.(type) {
	case Extractor:
		return v
	case string:
		return Extract(v)
	default:
		return Identity()
	}
}
