package listener

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/indexer-go/engine"
	"github.com/0xmhha/indexer-go/migrations"
	"github.com/0xmhha/indexer-go/queue"
	"github.com/0xmhha/indexer-go/staging"
	"github.com/0xmhha/indexer-go/storage"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]storage.Doc
}

func newMemStore() *memStore { return &memStore{docs: map[string]storage.Doc{}} }

func (m *memStore) Get(key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[key]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}
func (m *memStore) Put(key string, value storage.Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = value
	return nil
}
func (m *memStore) Del(key string) error { return nil }
func (m *memStore) Batch(ops []storage.Op) error { return nil }
func (m *memStore) Update(kv map[string]storage.Doc) error { return nil }
func (m *memStore) Close() error { return nil }

type fakeProvider struct{}

func (fakeProvider) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	header := &types.Header{Number: big.NewInt(int64(number))}
	return types.NewBlockWithHeader(header), nil
}

func (fakeProvider) GetBlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	return nil, nil
}

func TestListener_RecordListenerBlockPushesEntry(t *testing.T) {
	chainID := uint64(7)
	q := queue.NewBlockQueue()
	cache, err := staging.New(t.TempDir(), fakeProvider{}, &staging.Flags{}, zap.NewNop())
	require.NoError(t, err)

	store := newMemStore()
	state := engine.New(store, map[uint64]uint64{chainID: 1}, 1, engine.Flags{}, zap.NewNop())
	state.SetListening(chainID, true)

	idx := migrations.Build(nil)
	l := New(chainID, idx, q, cache, state, zap.NewNop())

	l.RecordListenerBlock(100)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)

	entry, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(100), entry.Number)

	parts, err := entry.Parts.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(100), parts.Block.NumberU64())
}

func TestListener_OnBlockNoopWhenNotListening(t *testing.T) {
	chainID := uint64(1)
	q := queue.NewBlockQueue()
	cache, err := staging.New(t.TempDir(), fakeProvider{}, &staging.Flags{}, zap.NewNop())
	require.NoError(t, err)

	store := newMemStore()
	state := engine.New(store, nil, 1, engine.Flags{}, zap.NewNop())
	state.SetListening(chainID, false)

	l := New(chainID, migrations.Build(nil), q, cache, state, zap.NewNop())
	l.OnBlock(5)

	require.Equal(t, 0, q.Len())
}

func TestListener_PreWarmsMigrationEntities(t *testing.T) {
	chainID := uint64(1)
	q := queue.NewBlockQueue()
	cache, err := staging.New(t.TempDir(), fakeProvider{}, &staging.Flags{}, zap.NewNop())
	require.NoError(t, err)

	store := newMemStore()
	store.docs["positions"] = storage.Doc{"id": "p1"}
	state := engine.New(store, map[uint64]uint64{chainID: 1}, 1, engine.Flags{}, zap.NewNop())
	state.SetListening(chainID, true)

	idx := migrations.Build([]migrations.Migration{{ChainID: chainID, BlockNumber: 42, Entity: "positions"}})
	l := New(chainID, idx, q, cache, state, zap.NewNop())

	l.RecordListenerBlock(42)
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)

	entry, _ := q.Pop()
	require.Contains(t, entry.AsyncEntities, "positions")
}
