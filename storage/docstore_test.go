package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDocStore(t *testing.T, modes CollectionModes, flags *Flags) *DocStore {
	t.Helper()
	backend, err := NewPebbleBackend(DefaultBackendConfig(BackendTypePebble, t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return NewDocStore(backend, modes, flags, zap.NewNop())
}

// P4: two puts with identical _block_* to a mutable collection yield one
// document; the hot cache read returns the latest value.
func TestDocStore_MutableIdempotence(t *testing.T) {
	store := newTestDocStore(t, CollectionModes{"exampleRef": Mutable}, &Flags{})

	require.NoError(t, store.Put("exampleRef.id1", Doc{"id": "id1", "data": "v1"}))
	require.NoError(t, store.Put("exampleRef.id1", Doc{"id": "id1", "data": "v1"}))

	got, err := store.Get("exampleRef.id1")
	require.NoError(t, err)
	doc, ok := got.(Doc)
	require.True(t, ok)
	require.Equal(t, "v1", doc["data"])

	docs, err := store.Get("exampleRef")
	require.NoError(t, err)
	list, ok := docs.([]Doc)
	require.True(t, ok)
	require.Len(t, list, 1)
}

// P5: two puts to an immutable collection with differing _block_ts both
// persist; get returns the higher-_block_ts document.
func TestDocStore_ImmutableVersioning(t *testing.T) {
	store := newTestDocStore(t, CollectionModes{"exampleRef": Immutable}, &Flags{})

	require.NoError(t, store.Put("exampleRef.id1", Doc{
		"id": "id1", "data": "old", FieldBlockTS: int64(100), FieldBlockNum: uint64(10), FieldChainID: uint64(1),
	}))
	require.NoError(t, store.Put("exampleRef.id1", Doc{
		"id": "id1", "data": "new", FieldBlockTS: int64(200), FieldBlockNum: uint64(11), FieldChainID: uint64(1),
	}))

	// Force a disk read: a fresh store over the same data has an empty cache.
	fresh := NewDocStore(store.backend, CollectionModes{"exampleRef": Immutable}, &Flags{}, zap.NewNop())
	got, err := fresh.Get("exampleRef.id1")
	require.NoError(t, err)
	doc := got.(Doc)
	require.Equal(t, "new", doc["data"])
}

// P6: batch([put a, put b, del c]) matches sequential application.
func TestDocStore_BatchEquivalence(t *testing.T) {
	modes := CollectionModes{"exampleRef": Mutable}

	seq := newTestDocStore(t, modes, &Flags{})
	require.NoError(t, seq.Put("exampleRef.id1", Doc{"id": "id1", "data": "v1"}))
	require.NoError(t, seq.Put("exampleRef.id2", Doc{"id": "id2", "data": "v2"}))
	require.NoError(t, seq.Del("exampleRef.id3"))

	batched := newTestDocStore(t, modes, &Flags{})
	require.NoError(t, batched.Batch([]Op{
		{Type: OpPut, Key: "exampleRef.id1", Value: Doc{"id": "id1", "data": "v1"}},
		{Type: OpPut, Key: "exampleRef.id2", Value: Doc{"id": "id2", "data": "v2"}},
		{Type: OpDel, Key: "exampleRef.id3"},
	}))

	for _, id := range []string{"id1", "id2"} {
		want, err := seq.Get("exampleRef." + id)
		require.NoError(t, err)
		got, err := batched.Get("exampleRef." + id)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := batched.Get("exampleRef.id3")
	require.ErrorIs(t, err, ErrNotFound)
}

// P7: read-only mode updates the hot cache but never writes durably.
func TestDocStore_ReadOnlySafety(t *testing.T) {
	flags := &Flags{ReadOnly: true}
	store := newTestDocStore(t, CollectionModes{"exampleRef": Mutable}, flags)

	require.NoError(t, store.Put("exampleRef.id1", Doc{"id": "id1", "data": "v1"}))

	got, err := store.Get("exampleRef.id1")
	require.NoError(t, err)
	require.Equal(t, "v1", got.(Doc)["data"])

	_, err = store.backend.Get(mutableKey("exampleRef", "id1"))
	require.ErrorIs(t, err, ErrNotFound)
}

// P8: a materialised view over N immutable ids returns exactly N records,
// each the highest _block_ts for its id.
func TestDocStore_MaterialisedView(t *testing.T) {
	store := newTestDocStore(t, CollectionModes{"exampleRef": Immutable}, &Flags{})

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put("exampleRef."+id, Doc{
			"id": id, "data": "v1", FieldBlockTS: int64(100), FieldBlockNum: uint64(i), FieldChainID: uint64(1),
		}))
		require.NoError(t, store.Put("exampleRef."+id, Doc{
			"id": id, "data": "v2", FieldBlockTS: int64(200), FieldBlockNum: uint64(i), FieldChainID: uint64(1),
		}))
	}

	got, err := store.Get("exampleRef")
	require.NoError(t, err)
	list := got.([]Doc)
	require.Len(t, list, 3)
	for _, doc := range list {
		require.Equal(t, "v2", doc["data"])
	}
}

func TestDocStore_GetNotFound(t *testing.T) {
	store := newTestDocStore(t, CollectionModes{}, &Flags{})
	_, err := store.Get("exampleRef.missing")
	require.ErrorIs(t, err, ErrNotFound)
}
