// Package listener receives new block numbers on one chain (through the
// OnBlock callback the caller wires to the header subscription) and turns
// each observed number into a queue entry: it kicks off staging and any
// scheduled migration pre-warm concurrently, then hands a deferred reader
// to the dispatcher (spec.md §4.4).
package listener

import (
	"context"

	"go.uber.org/zap"

	"github.com/0xmhha/indexer-go/engine"
	"github.com/0xmhha/indexer-go/internal/async"
	"github.com/0xmhha/indexer-go/migrations"
	"github.com/0xmhha/indexer-go/queue"
	"github.com/0xmhha/indexer-go/staging"
	"github.com/0xmhha/indexer-go/storage"
)

// Listener watches one chain's new-head stream and records each observed
// block number into its BlockQueue.
type Listener struct {
	chainID    uint64
	migrations *migrations.Index
	queue      *queue.BlockQueue
	staging    *staging.Cache
	state      *engine.State
	logger     *zap.Logger
}

// New builds a Listener for chainID. It does not itself own the RPC
// subscription — OnBlock is the callback the caller wires to
// client.Client.SubscribeNewHead.
func New(chainID uint64, migrationIndex *migrations.Index, q *queue.BlockQueue, stagingCache *staging.Cache, state *engine.State, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		chainID:    chainID,
		migrations: migrationIndex,
		queue:      q,
		staging:    stagingCache,
		state:      state,
		logger:     logger.With(zap.Uint64("chain_id", chainID)),
	}
}

// OnBlock is the callback registered with the provider's head subscription.
// It is a no-op once the listener has been detached.
func (l *Listener) OnBlock(number uint64) {
	if !l.state.Listening(l.chainID) {
		return
	}
	l.RecordListenerBlock(number)
}

// RecordListenerBlock implements spec.md §4.4 steps 1-2: it kicks off the
// migration entity pre-warm (if any is scheduled here) and block staging
// concurrently, then appends a queue entry carrying both deferreds.
func (l *Listener) RecordListenerBlock(number uint64) {
	asyncEntities := make(map[string]map[int]*async.Future[[]storage.Doc])
	if l.migrations != nil {
		l.migrations.PreWarm(l.state.DB, l.chainID, number, asyncEntities)
	}

	parts := l.stageAsync(number)

	l.queue.Push(&queue.QueueEntry{
		ChainID:       l.chainID,
		Number:        number,
		Parts:         parts,
		AsyncEntities: asyncEntities,
	})
}

// Restage re-triggers staging for number and returns the fresh deferred
// reader. Passed to queue.NewDispatcher as a queue.RestageFunc so a
// restacked block never reuses a future the timeout arm may have released
// (I5).
func (l *Listener) Restage(chainID, number uint64) *async.Future[*staging.AsyncBlockParts] {
	return l.stageAsync(number)
}

// Cleanup removes number's staged artefacts via the underlying cache.
// Passed to queue.NewDispatcher as a queue.CleanupFunc, called once a
// block's handlers have all run successfully.
func (l *Listener) Cleanup(chainID, number uint64) {
	l.staging.Cleanup(chainID, number)
}

// stageAsync triggers SaveListenerBlockAndReceipts in the background and
// returns a future that resolves once the staged copy can be read back —
// I4's "written before read" guarantee lives in the ordering inside this
// goroutine, not in the future itself.
func (l *Listener) stageAsync(number uint64) *async.Future[*staging.AsyncBlockParts] {
	future := async.NewFuture[*staging.AsyncBlockParts]()

	go func() {
		ctx := context.Background()
		if err := l.staging.SaveListenerBlockAndReceipts(ctx, l.chainID, number); err != nil {
			l.logger.Warn("listener: failed to stage block",
				zap.Uint64("number", number), zap.Error(err))
			future.Reject(err)
			return
		}
		parts, ok := l.staging.ReadListenerBlockAndReceipts(l.chainID, number)
		if !ok {
			future.Reject(errStagedReadFailed(l.chainID, number))
			return
		}
		future.Resolve(parts)
	}()

	return future
}
