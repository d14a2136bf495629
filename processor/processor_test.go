package processor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gridclient/filter"
)

func marshal(t *testing.T, p Processor) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return string(data)
}

func TestExtract(t *testing.T) {
	got := marshal(t, Extract("address.city"))
	assert.Contains(t, got, `"@class":"processor.ExtractorProcessor"`)
	assert.Contains(t, got, `"@class":"extractor.ChainedExtractor"`)
}

func TestConditionalPut(t *testing.T) {
	got := marshal(t, ConditionalPut(filter.Always(), "v", true))
	assert.Contains(t, got, `"@class":"processor.ConditionalPut"`)
	assert.Contains(t, got, `"@class":"filter.AlwaysFilter"`)
	assert.Contains(t, got, `"return":true`)
	assert.Contains(t, got, `"value":"v"`)
}

func TestConditionalRemove(t *testing.T) {
	got := marshal(t, ConditionalRemove(filter.Equal("age", 1), false))
	assert.Contains(t, got, `"@class":"processor.ConditionalRemove"`)
	assert.Contains(t, got, `"return":false`)
}

func TestTouch(t *testing.T) {
	assert.Equal(t, `{"@class":"processor.TouchProcessor"}`, marshal(t, Touch()))
}

func TestMethodInvocation(t *testing.T) {
	got := marshal(t, MethodInvocation("setPrice", true, 12.5))
	assert.Contains(t, got, `"method":"setPrice"`)
	assert.Contains(t, got, `"mutate":true`)
	assert.Contains(t, got, `"args":[12.5]`)

	// No args marshals as an empty array, not null.
	got = marshal(t, MethodInvocation("getPrice", false))
	assert.Contains(t, got, `"args":[]`)
}

func TestComposite(t *testing.T) {
	got := marshal(t, Composite(Touch(), Extract("name")))
	assert.Contains(t, got, `"@class":"processor.CompositeProcessor"`)
	assert.Contains(t, got, `"@class":"processor.TouchProcessor"`)
	assert.Contains(t, got, `"@class":"processor.ExtractorProcessor"`)
}
