package staging

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	block    *types.Block
	receipts []*types.Receipt
	err      error
}

func (f *fakeProvider) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.block, nil
}

func (f *fakeProvider) GetBlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipts, nil
}

func testBlock(number uint64) *types.Block {
	header := &types.Header{Number: big.NewInt(int64(number)), GasLimit: 8_000_000}
	return types.NewBlockWithHeader(header)
}

func TestCache_SaveAndReadRoundTrip(t *testing.T) {
	block := testBlock(100)
	receipt := &types.Receipt{
		Status:  1,
		TxHash:  common.HexToHash("0xabc123"),
		GasUsed: 21000,
	}
	provider := &fakeProvider{block: block, receipts: []*types.Receipt{receipt}}

	cache, err := New(t.TempDir(), provider, &Flags{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, cache.SaveListenerBlockAndReceipts(context.Background(), 1, 100))

	parts, ok := cache.ReadListenerBlockAndReceipts(1, 100)
	require.True(t, ok)
	require.Equal(t, uint64(100), parts.Block.NumberU64())
	require.Len(t, parts.Receipts, 1)
	got, found := parts.Receipts[common.HexToHash("0xabc123")]
	require.True(t, found)
	require.Equal(t, uint64(21000), got.GasUsed)
}

func TestCache_ReadMissingReturnsFalse(t *testing.T) {
	cache, err := New(t.TempDir(), &fakeProvider{}, &Flags{}, zap.NewNop())
	require.NoError(t, err)

	_, ok := cache.ReadListenerBlockAndReceipts(1, 999)
	require.False(t, ok)
}

func TestCache_CleanupFlagSkipsSeparateArtefacts(t *testing.T) {
	block := testBlock(5)
	provider := &fakeProvider{block: block, receipts: nil}
	dir := t.TempDir()
	cache, err := New(dir, provider, &Flags{Cleanup: true}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, cache.SaveListenerBlockAndReceipts(context.Background(), 7, 5))

	parts, ok := cache.ReadListenerBlockAndReceipts(7, 5)
	require.True(t, ok)
	require.Equal(t, uint64(5), parts.Block.NumberU64())

	cache.Cleanup(7, 5)
	_, ok = cache.ReadListenerBlockAndReceipts(7, 5)
	require.False(t, ok)
}
