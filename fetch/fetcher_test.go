package fetch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/indexer-go/staging"
)

type fakeProvider struct {
	mu           sync.Mutex
	failuresLeft int
	receipt      *types.Receipt
	blocks       map[uint64]*types.Block
}

func (f *fakeProvider) GetBlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	if b, ok := f.blocks[number]; ok {
		return b, nil
	}
	header := &types.Header{Number: big.NewInt(int64(number))}
	return types.NewBlockWithHeader(header), nil
}

func (f *fakeProvider) GetBlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	return nil, nil
}

func (f *fakeProvider) GetTransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}

func (f *fakeProvider) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("transient rpc error")
	}
	return f.receipt, nil
}

func TestGetTransactionReceipt_RetriesUntilSuccess(t *testing.T) {
	hash := common.HexToHash("0xdead")
	provider := &fakeProvider{failuresLeft: 3, receipt: &types.Receipt{TxHash: hash}}
	limiter := rate.NewLimiter(rate.Inf, 1)

	receipt, err := GetTransactionReceipt(context.Background(), provider, hash, nil, limiter, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, hash, receipt.TxHash)
}

func TestGetTransactionReceipt_ContextCancelled(t *testing.T) {
	hash := common.HexToHash("0xbeef")
	provider := &fakeProvider{failuresLeft: 1 << 20}
	limiter := rate.NewLimiter(rate.Inf, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GetTransactionReceipt(ctx, provider, hash, nil, limiter, zap.NewNop())
	require.Error(t, err)
}

func TestCreateBlockRanges_PartitionsEvenly(t *testing.T) {
	ranges := CreateBlockRanges(0, 99, 10)
	require.Len(t, ranges, 10)
	require.Equal(t, [2]uint64{0, 9}, ranges[0])
	require.Equal(t, [2]uint64{90, 99}, ranges[9])

	var total uint64
	for _, r := range ranges {
		total += r[1] - r[0] + 1
	}
	require.Equal(t, uint64(100), total)
}

func TestCreateBlockRanges_FewerBlocksThanN(t *testing.T) {
	ranges := CreateBlockRanges(5, 7, 10)
	require.Len(t, ranges, 3)
}

func TestFetchRangesConcurrent_BoundsConcurrency(t *testing.T) {
	var active, maxActive int32
	fn := func(ctx context.Context, lo, hi uint64) error {
		n := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		return nil
	}

	require.NoError(t, FetchRangesConcurrent(context.Background(), 0, 999, 2, fn))
	require.LessOrEqual(t, int(maxActive), 2)
}

func TestFetchRangesConcurrent_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	fn := func(ctx context.Context, lo, hi uint64) error {
		if lo == 0 {
			return boom
		}
		return nil
	}
	err := FetchRangesConcurrent(context.Background(), 0, 99, 4, fn)
	require.ErrorIs(t, err, boom)
}

func TestTxsFromRange_UsesStagedCacheFirst(t *testing.T) {
	provider := &fakeProvider{}
	cache, err := staging.New(t.TempDir(), provider, &staging.Flags{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, cache.SaveListenerBlockAndReceipts(context.Background(), 1, 50))

	results, failures := TxsFromRange(context.Background(), 1, provider, cache, 50, 50, false, true, zap.NewNop())
	require.Empty(t, failures)
	require.Len(t, results, 1)
	require.Equal(t, uint64(50), results[0].Number)
}
