package grid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/extractor"
	"github.com/c360/gridclient/filter"
	"github.com/c360/gridclient/processor"
	"github.com/c360/gridclient/protocol"
)

func newTestMap(t *testing.T) (*fakeChannel, *NamedMap) {
	t.Helper()
	ch := newFakeChannel()
	s := newTestSession(t, ch)
	m, err := s.GetNamedMap("orders")
	require.NoError(t, err)
	return ch, m
}

func TestNamedMap_PutGetRemoveSize(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()

	prior, err := m.Put(ctx, "a", "1")
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = m.Put(ctx, "a", "2")
	require.NoError(t, err)
	assert.Equal(t, "1", prior)

	value, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", value)

	removed, err := m.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", removed)

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestNamedMap_GetAbsentIsNil(t *testing.T) {
	_, m := newTestMap(t)
	value, err := m.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestNamedMap_EmptyPayloadIsNil(t *testing.T) {
	// A present response with an empty payload resolves as nil exactly once.
	_, m := newTestMap(t)
	assert.Nil(t, mustDecode(t, m, &protocol.Response{Present: true}))
	assert.Nil(t, mustDecode(t, m, &protocol.Response{Present: true, Value: []byte{}}))
	assert.Nil(t, mustDecode(t, m, nil))
}

func mustDecode(t *testing.T, m *NamedMap, resp *protocol.Response) any {
	t.Helper()
	v, err := m.decodeValue(resp)
	require.NoError(t, err)
	return v
}

func TestNamedMap_ConditionalOps(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()

	prior, err := m.PutIfAbsent(ctx, "a", "1")
	require.NoError(t, err)
	assert.Nil(t, prior)

	prior, err = m.PutIfAbsent(ctx, "a", "2")
	require.NoError(t, err)
	assert.Equal(t, "1", prior)

	ok, err := m.RemoveMapping(ctx, "a", "2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.RemoveMapping(ctx, "a", "1")
	require.NoError(t, err)
	assert.True(t, ok)

	prior, err = m.Replace(ctx, "a", "3")
	require.NoError(t, err)
	assert.Nil(t, prior)
	contains, err := m.ContainsKey(ctx, "a")
	require.NoError(t, err)
	assert.False(t, contains)

	_, err = m.Put(ctx, "a", "3")
	require.NoError(t, err)
	ok, err = m.ReplaceMapping(ctx, "a", "3", "4")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.ReplaceMapping(ctx, "a", "3", "5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamedMap_ContainsAndEmpty(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()

	empty, err := m.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = m.Put(ctx, "a", "1")
	require.NoError(t, err)

	contains, err := m.ContainsValue(ctx, "1")
	require.NoError(t, err)
	assert.True(t, contains)

	contains, err = m.ContainsEntry(ctx, "a", "1")
	require.NoError(t, err)
	assert.True(t, contains)

	contains, err = m.ContainsEntry(ctx, "a", "2")
	require.NoError(t, err)
	assert.False(t, contains)
}

func TestNamedMap_PutAll(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()

	err := m.PutAll(ctx, map[any]any{})
	require.Error(t, err)
	assert.True(t, errors.IsBadValue(err))

	require.NoError(t, m.PutAll(ctx, map[any]any{"a": "1", "b": "2"}))
	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestNamedMap_EntrySetStreams(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()
	require.NoError(t, m.PutAll(ctx, map[any]any{"a": "1", "b": "2"}))

	entries, err := m.EntrySet(ctx, nil)
	require.NoError(t, err)

	got := make(map[any]any)
	for entry := range entries {
		require.NoError(t, entry.Err)
		got[entry.Key] = entry.Value
	}
	assert.Equal(t, map[any]any{"a": "1", "b": "2"}, got)
}

func TestNamedMap_KeySetCarriesFilter(t *testing.T) {
	ch, m := newTestMap(t)
	ctx := context.Background()

	keys, err := m.KeySet(ctx, filter.Equal("age", 30))
	require.NoError(t, err)
	for range keys {
	}

	log := ch.requestLog()
	last := log[len(log)-1]
	assert.Equal(t, protocol.OpKeySet, last.Op)
	assert.Contains(t, string(last.Filter), "filter.EqualsFilter")
}

func TestNamedMap_Invoke(t *testing.T) {
	ch, m := newTestMap(t)

	result, err := m.Invoke(context.Background(), "a", processor.Touch())
	require.NoError(t, err)
	assert.Equal(t, "invoked", result)

	log := ch.requestLog()
	last := log[len(log)-1]
	assert.Equal(t, protocol.OpInvoke, last.Op)
	assert.Contains(t, string(last.Processor), "processor.TouchProcessor")
}

func TestNamedMap_BadKeyShortCircuits(t *testing.T) {
	ch, m := newTestMap(t)

	_, err := m.Get(context.Background(), make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsBadValue(err))
	// No request reached the channel.
	assert.Empty(t, ch.requestLog())
}

func TestNamedMap_ReleaseIsIdempotent(t *testing.T) {
	_, m := newTestMap(t)
	ctx := context.Background()

	releasedCount := 0
	m.AddLifecycleListener(&MapLifecycleListener{OnReleased: func(string) { releasedCount++ }})

	require.NoError(t, m.Release(ctx))
	require.NoError(t, m.Release(ctx))
	assert.Equal(t, 1, releasedCount)

	_, err := m.Get(ctx, "a")
	require.Error(t, err)
	assert.True(t, errors.IsCacheNotActive(err))
}

func TestNamedMap_ReleasedMapIsReplacedOnLookup(t *testing.T) {
	_, m := newTestMap(t)
	require.NoError(t, m.Release(context.Background()))

	fresh, err := m.session.GetNamedMap("orders")
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
}

func TestNamedMap_Destroy(t *testing.T) {
	ch, m := newTestMap(t)
	ctx := context.Background()

	destroyed := make(chan string, 1)
	m.AddLifecycleListener(&MapLifecycleListener{OnDestroyed: func(cache string) { destroyed <- cache }})

	require.NoError(t, m.Destroy(ctx))
	assert.Equal(t, "orders", await(t, destroyed, "destroyed event"))

	_, err := m.Get(ctx, "a")
	require.Error(t, err)
	assert.True(t, errors.IsCacheNotActive(err))

	log := ch.requestLog()
	assert.Equal(t, protocol.OpDestroy, log[len(log)-1].Op)
}

func TestNamedMap_TruncateEmitsWithoutStream(t *testing.T) {
	_, m := newTestMap(t)

	truncated := make(chan string, 1)
	m.AddLifecycleListener(&MapLifecycleListener{OnTruncated: func(cache string) { truncated <- cache }})

	require.NoError(t, m.Truncate(context.Background()))
	assert.Equal(t, "orders", await(t, truncated, "truncated event"))
}

func TestNamedMap_AddIndex(t *testing.T) {
	ch, m := newTestMap(t)

	require.NoError(t, m.AddIndex(context.Background(), extractor.Extract("age"), true, nil))
	log := ch.requestLog()
	last := log[len(log)-1]
	assert.Equal(t, protocol.OpAddIndex, last.Op)
	assert.True(t, last.Sorted)
	assert.Contains(t, string(last.Extractor), "extractor.UniversalExtractor")
}
