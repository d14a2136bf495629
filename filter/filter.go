// Package filter models the server-interpretable predicate algebra. Filters
// are immutable tagged trees; the client builds and serializes them, the
// server evaluates them. Composition always produces a new tree.
package filter

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/c360/gridclient/extractor"
)

// Wire type tags recognized by the server. Every filter carries a qualified
// tag, including InKeySetFilter.
const (
	alwaysTag        = "filter.AlwaysFilter"
	neverTag         = "filter.NeverFilter"
	presentTag       = "filter.PresentFilter"
	equalsTag        = "filter.EqualsFilter"
	notEqualsTag     = "filter.NotEqualsFilter"
	greaterTag       = "filter.GreaterFilter"
	greaterEqualsTag = "filter.GreaterEqualsFilter"
	lessTag          = "filter.LessFilter"
	lessEqualsTag    = "filter.LessEqualsFilter"
	betweenTag       = "filter.BetweenFilter"
	inTag            = "filter.InFilter"
	containsTag      = "filter.ContainsFilter"
	containsAllTag   = "filter.ContainsAllFilter"
	containsAnyTag   = "filter.ContainsAnyFilter"
	likeTag          = "filter.LikeFilter"
	regexTag         = "filter.RegexFilter"
	predicateTag     = "filter.PredicateFilter"
	mapEventTag      = "filter.MapEventFilter"
	keyAssociatedTag = "filter.KeyAssociatedFilter"
	inKeySetTag      = "filter.InKeySetFilter"
	andTag           = "filter.AndFilter"
	orTag            = "filter.OrFilter"
	xorTag           = "filter.XorFilter"
	notTag           = "filter.NotFilter"
)

// Event mask bits for MapEvent filters.
const (
	MaskInserted       = 0x0001
	MaskUpdated        = 0x0002
	MaskDeleted        = 0x0004
	MaskUpdatedEntered = 0x0008
	MaskUpdatedLeft    = 0x0010
	MaskUpdatedWithin  = 0x0020

	// MaskAll matches every entry event.
	MaskAll = MaskInserted | MaskUpdated | MaskDeleted

	// MaskKeySet is the default mask: events that change which entries match
	// the inner filter.
	MaskKeySet = MaskInserted | MaskDeleted | MaskUpdatedEntered | MaskUpdatedLeft
)

// Filter is an immutable predicate node. The zero value is not usable; build
// filters through the package constructors.
type Filter struct {
	class  string
	fields map[string]any
}

func newFilter(class string, fields map[string]any) *Filter {
	return &Filter{class: class, fields: fields}
}

// Class returns the wire type tag of this node.
func (f *Filter) Class() string {
	return f.class
}

// MarshalJSON renders the node with its "@class" discriminator. Fields
// marshal in sorted key order, so equal trees always serialize identically.
func (f *Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(f.fields)+1)
	m["@class"] = f.class
	for k, v := range f.fields {
		m[k] = v
	}
	return json.Marshal(m)
}

// And returns a filter matching when both this and other match.
func (f *Filter) And(other *Filter) *Filter {
	return And(f, other)
}

// Or returns a filter matching when this or other matches.
func (f *Filter) Or(other *Filter) *Filter {
	return Or(f, other)
}

// Xor returns a filter matching when exactly one of this and other matches.
func (f *Filter) Xor(other *Filter) *Filter {
	return newFilter(xorTag, map[string]any{"filters": []*Filter{f, other}})
}

// Not returns a filter matching when f does not match.
func Not(f *Filter) *Filter {
	return newFilter(notTag, map[string]any{"filter": f})
}

// And combines filters conjunctively. The tree is kept as built; no
// flattening or normalization happens on the client.
func And(filters ...*Filter) *Filter {
	return newFilter(andTag, map[string]any{"filters": filters})
}

// Or combines filters disjunctively.
func Or(filters ...*Filter) *Filter {
	return newFilter(orTag, map[string]any{"filters": filters})
}

// Always matches every entry.
func Always() *Filter {
	return newFilter(alwaysTag, nil)
}

// Never matches no entry.
func Never() *Filter {
	return newFilter(neverTag, nil)
}

// Present matches entries that exist in the map, whether or not the entry
// value has been materialized on its owning partition.
func Present() *Filter {
	return newFilter(presentTag, nil)
}

// Equal matches entries whose extracted attribute equals value.
func Equal(target, value any) *Filter {
	return comparison(equalsTag, target, value)
}

// NotEqual matches entries whose extracted attribute differs from value.
func NotEqual(target, value any) *Filter {
	return comparison(notEqualsTag, target, value)
}

// IsNil matches entries whose extracted attribute is null. It reduces to an
// equality comparison against null.
func IsNil(target any) *Filter {
	return Equal(target, nil)
}

// IsNotNil matches entries whose extracted attribute is non-null.
func IsNotNil(target any) *Filter {
	return NotEqual(target, nil)
}

// Greater matches entries whose extracted attribute is strictly greater than
// value. Comparison against null never matches; the server applies SQL
// semantics.
func Greater(target, value any) *Filter {
	return comparison(greaterTag, target, value)
}

// GreaterEqual matches entries whose extracted attribute is at least value.
func GreaterEqual(target, value any) *Filter {
	return comparison(greaterEqualsTag, target, value)
}

// Less matches entries whose extracted attribute is strictly less than value.
func Less(target, value any) *Filter {
	return comparison(lessTag, target, value)
}

// LessEqual matches entries whose extracted attribute is at most value.
func LessEqual(target, value any) *Filter {
	return comparison(lessEqualsTag, target, value)
}

// Between matches entries whose extracted attribute lies between from and to.
// The inclusion flags select whether each bound itself matches; the node
// serializes as a BetweenFilter wrapping the corresponding pair of
// comparisons.
func Between(target, from, to any, includeLower, includeUpper bool) *Filter {
	lower := Greater(target, from)
	if includeLower {
		lower = GreaterEqual(target, from)
	}
	upper := LessEqual(target, to)
	if !includeUpper {
		upper = Less(target, to)
	}
	return newFilter(betweenTag, map[string]any{"filters": []*Filter{lower, upper}})
}

// In matches entries whose extracted attribute equals one of values. The
// values are materialized as an ordered sequence so the wire form is stable
// regardless of how the caller assembled the set.
func In(target any, values ...any) *Filter {
	return comparison(inTag, target, sortedValues(values))
}

// Contains matches entries whose extracted collection contains value.
func Contains(target, value any) *Filter {
	return comparison(containsTag, target, value)
}

// ContainsAll matches entries whose extracted collection contains all values.
func ContainsAll(target any, values ...any) *Filter {
	return comparison(containsAllTag, target, sortedValues(values))
}

// ContainsAny matches entries whose extracted collection contains any of
// values.
func ContainsAny(target any, values ...any) *Filter {
	return comparison(containsAnyTag, target, sortedValues(values))
}

// Like matches entries whose extracted attribute matches a SQL LIKE pattern.
func Like(target any, pattern string, escape byte, ignoreCase bool) *Filter {
	return newFilter(likeTag, map[string]any{
		"extractor":  extractor.Of(target),
		"value":      pattern,
		"escape":     string(escape),
		"ignoreCase": ignoreCase,
	})
}

// Regex matches entries whose extracted attribute matches a regular
// expression evaluated on the server.
func Regex(target any, pattern string) *Filter {
	return comparison(regexTag, target, pattern)
}

// Predicate wraps an opaque server-side predicate applied to the extracted
// attribute.
func Predicate(target, predicate any) *Filter {
	return newFilter(predicateTag, map[string]any{
		"extractor": extractor.Of(target),
		"predicate": predicate,
	})
}

// MapEvent restricts an event subscription to the event kinds selected by
// mask, applied to entries matching inner.
func MapEvent(mask int, inner *Filter) *Filter {
	return newFilter(mapEventTag, map[string]any{"filter": inner, "mask": mask})
}

// MapEventDefault restricts an event subscription to events that change the
// set of entries matching inner: inserts, deletes, and updates that enter or
// leave the matching set.
func MapEventDefault(inner *Filter) *Filter {
	return MapEvent(MaskKeySet, inner)
}

// KeyAssociated wraps a filter so the server evaluates it only on the
// partition owning hostKey. It must be the outermost filter of a query; the
// server rejects other placements.
func KeyAssociated(inner *Filter, hostKey any) *Filter {
	return newFilter(keyAssociatedTag, map[string]any{"filter": inner, "hostKey": hostKey})
}

// InKeySet wraps a filter so the server evaluates it only against the given
// keys. It must be the outermost filter of a query; the server rejects other
// placements.
func InKeySet(inner *Filter, keys ...any) *Filter {
	return newFilter(inKeySetTag, map[string]any{"filter": inner, "keys": sortedValues(keys)})
}

func comparison(class string, target, value any) *Filter {
	return newFilter(class, map[string]any{
		"extractor": extractor.Of(target),
		"value":     value,
	})
}

// sortedValues orders a caller-supplied value set by canonical JSON encoding
// so equal sets always serialize as the same sequence. Unencodable values
// sort last in their original order and fail later at the codec boundary.
func sortedValues(values []any) []any {
	type keyed struct {
		value any
		key   []byte
		ok    bool
	}
	keyedValues := make([]keyed, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		keyedValues[i] = keyed{value: v, key: data, ok: err == nil}
	}
	sort.SliceStable(keyedValues, func(a, b int) bool {
		ka, kb := keyedValues[a], keyedValues[b]
		if ka.ok != kb.ok {
			return ka.ok
		}
		return bytes.Compare(ka.key, kb.key) < 0
	})
	out := make([]any, len(values))
	for i, kv := range keyedValues {
		out[i] = kv.value
	}
	return out
}
