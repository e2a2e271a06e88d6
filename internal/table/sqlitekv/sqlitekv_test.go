package sqlitekv

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func seed(t *testing.T, a *Adapter, keys ...string) {
	t.Helper()
	ctx := context.Background()
	for _, k := range keys {
		require.NoError(t, a.Set(ctx, k, json.RawMessage(`"`+k+`"`)))
	}
}

func TestSetThenGet(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "a", json.RawMessage(`1`)))

	v, ok, err := a.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "1", string(v))
}

func TestSetUpsertsOnConflict(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, a.Set(ctx, "a", json.RawMessage(`2`)))

	v, ok, err := a.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "2", string(v))

	size, err := a.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "an upsert must not create a second row")
}

func TestOrderingIsInsertionOrderNotKeyOrder(t *testing.T) {
	a := newAdapter(t)
	// Insertion order differs from lexicographic order on purpose.
	seed(t, a, "z", "a", "m")
	ctx := context.Background()

	first, ok, err := a.First(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "z", first, "First() follows insertion order (autoincrement id), not key order")

	last, ok, err := a.Last(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", last)
}

func TestFetchForwardNilCursorIsInclusive(t *testing.T) {
	a := newAdapter(t)
	seed(t, a, "a", "b", "c")
	ctx := context.Background()

	pairs, err := a.FetchForward(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "a", pairs[0].Key)
}

func TestFetchForwardCursorIsStrict(t *testing.T) {
	a := newAdapter(t)
	seed(t, a, "a", "b", "c")
	ctx := context.Background()

	cursor := "a"
	pairs, err := a.FetchForward(ctx, 10, &cursor)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"b", "c"}, []string{pairs[0].Key, pairs[1].Key})
}

func TestFetchBackwardCursorIsStrict(t *testing.T) {
	a := newAdapter(t)
	seed(t, a, "a", "b", "c")
	ctx := context.Background()

	cursor := "c"
	pairs, err := a.FetchBackward(ctx, 10, &cursor)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"b", "a"}, []string{pairs[0].Key, pairs[1].Key})
}

func TestRemoveAndClear(t *testing.T) {
	a := newAdapter(t)
	seed(t, a, "a", "b", "c")
	ctx := context.Background()

	require.NoError(t, a.Remove(ctx, "b"))
	_, ok, err := a.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Clear(ctx))
	size, err := a.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	ctx := context.Background()

	a, err := Open(path)
	require.NoError(t, err)
	seed(t, a, "a", "b")
	require.NoError(t, a.Close())

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	v, ok, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"a"`, string(v))
}

func TestStoreAndLoadAreNoOps(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	seed(t, a, "a")

	require.NoError(t, a.Store(ctx))
	require.NoError(t, a.Load(ctx))

	size, err := a.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
