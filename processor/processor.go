// Package processor models server-side entry processors. A processor is a
// computation descriptor carried as an opaque tagged payload; the client
// builds and serializes it, the server executes it against selected entries.
package processor

import (
	"github.com/c360/gridclient/extractor"
	"github.com/c360/gridclient/filter"
)

// Wire type tags recognized by the server.
const (
	extractorTag         = "processor.ExtractorProcessor"
	conditionalPutTag    = "processor.ConditionalPut"
	conditionalRemoveTag = "processor.ConditionalRemove"
	touchTag             = "processor.TouchProcessor"
	methodInvocationTag  = "processor.MethodInvocationProcessor"
	compositeTag         = "processor.CompositeProcessor"
)

// Processor is an immutable entry-processor descriptor.
type Processor interface {
	processorNode()
}

type extractorProcessor struct {
	Class     string              `json:"@class"`
	Extractor extractor.Extractor `json:"extractor"`
}

func (extractorProcessor) processorNode() {}

type conditionalPut struct {
	Class       string         `json:"@class"`
	Filter      *filter.Filter `json:"filter"`
	Value       any            `json:"value"`
	ReturnValue bool           `json:"return"`
}

func (conditionalPut) processorNode() {}

type conditionalRemove struct {
	Class       string         `json:"@class"`
	Filter      *filter.Filter `json:"filter"`
	ReturnValue bool           `json:"return"`
}

func (conditionalRemove) processorNode() {}

type touchProcessor struct {
	Class string `json:"@class"`
}

func (touchProcessor) processorNode() {}

type methodInvocation struct {
	Class    string `json:"@class"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
	Mutating bool   `json:"mutate"`
}

func (methodInvocation) processorNode() {}

type composite struct {
	Class      string      `json:"@class"`
	Processors []Processor `json:"processors"`
}

func (composite) processorNode() {}

// Extract projects an attribute from each processed entry without returning
// the whole value. The spec follows extractor.Extract shorthand.
func Extract(spec string) Processor {
	return extractorProcessor{Class: extractorTag, Extractor: extractor.Extract(spec)}
}

// ConditionalPut stores value into entries matching f. When returnValue is
// true the server returns the previous value of each processed entry.
func ConditionalPut(f *filter.Filter, value any, returnValue bool) Processor {
	return conditionalPut{Class: conditionalPutTag, Filter: f, Value: value, ReturnValue: returnValue}
}

// ConditionalRemove removes entries matching f. When returnValue is true the
// server returns the removed value of each processed entry.
func ConditionalRemove(f *filter.Filter, returnValue bool) Processor {
	return conditionalRemove{Class: conditionalRemoveTag, Filter: f, ReturnValue: returnValue}
}

// Touch resets the last-access time of each processed entry without changing
// its value.
func Touch() Processor {
	return touchProcessor{Class: touchTag}
}

// MethodInvocation invokes a named method on each processed entry value.
// Mutating invocations write the result back to the entry.
func MethodInvocation(method string, mutating bool, args ...any) Processor {
	if args == nil {
		args = []any{}
	}
	return methodInvocation{Class: methodInvocationTag, Method: method, Args: args, Mutating: mutating}
}

// Composite applies processors in order against each processed entry and
// returns their results as a sequence.
func Composite(processors ...Processor) Processor {
	return composite{Class: compositeTag, Processors: processors}
}
