package queue

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/indexer-go/engine"
	"github.com/0xmhha/indexer-go/internal/async"
	"github.com/0xmhha/indexer-go/staging"
	"github.com/0xmhha/indexer-go/storage"
)

// RecordFunc synthesizes a queue entry for a single block number, exactly
// as the listener's RecordListenerBlock does. The dispatcher calls it for
// gap-fill without importing package listener — listener imports queue,
// not the other way around.
type RecordFunc func(number uint64)

// RestageFunc re-triggers staging for (chainID, number) and returns the
// fresh deferred reader, used when a block is restacked after a timeout
// or a failed read — the previous future may have been released by the
// timeout arm and must not be reused.
type RestageFunc func(chainID, number uint64) *async.Future[*staging.AsyncBlockParts]

// CleanupFunc removes the staged artefacts for (chainID, number) once a
// block's handlers have run successfully. The callee (staging.Cache.Cleanup)
// is itself a no-op unless flags.Cleanup is set, so the dispatcher calls it
// unconditionally on every successful completion (spec §3/§4.2).
type CleanupFunc func(chainID, number uint64)

const (
	minTimeout     = 10 * time.Second
	defaultTimeout = 30 * time.Second
	idlePoll       = time.Second
)

// Dispatcher drains one chain's BlockQueue in strict ascending order,
// gap-filling missing numbers and restacking on timeout or handler
// failure (spec §4.5).
type Dispatcher struct {
	chainID  uint64
	queue    *BlockQueue
	state    *engine.State
	recorder RecordFunc
	restage  RestageFunc
	cleanup  CleanupFunc
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher builds a Dispatcher for chainID. timeout is floored at 10s
// and defaults to 30s when zero, per spec.md §4.5. cleanup may be nil, in
// which case staged artefacts are never removed regardless of flags.Cleanup.
func NewDispatcher(chainID uint64, q *BlockQueue, state *engine.State, recorder RecordFunc, restage RestageFunc, cleanup CleanupFunc, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout < minTimeout {
		timeout = minTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		chainID:  chainID,
		queue:    q,
		state:    state,
		recorder: recorder,
		restage:  restage,
		cleanup:  cleanup,
		timeout:  timeout,
		logger:   logger.With(zap.Uint64("chain_id", chainID)),
	}
}

// Run loops while state.Listening(chainID). When the queue is empty or the
// chain isn't caught up yet it sleeps ~1s and rechecks; otherwise it
// attempts the next block. Run returns when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.state.Listening(d.chainID) {
			return nil
		}

		if d.queue.Len() == 0 || !d.state.InSync(d.chainID) {
			timer := time.NewTimer(idlePoll)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		if err := d.AttemptNextBlock(ctx); err != nil {
			d.logger.Error("queue: attempt next block failed", zap.Error(err))
		}
	}
}

// AttemptNextBlock implements spec.md §4.5's attemptNextBlock: gap-fill,
// then pop-and-process with the timeout/processing race.
func (d *Dispatcher) AttemptNextBlock(ctx context.Context) error {
	head, ok := d.queue.Peek()
	if !ok {
		return nil
	}

	latestRef, hasLatest := d.state.LatestBlock(d.chainID)
	latest := latestRef.Number

	if hasLatest && head.Number > latest+1 {
		// Gap fill: synthesize the missing numbers ahead of head so
		// ascending order (I1) holds once they're all queued. head is
		// popped and re-appended after the synthesized entries rather
		// than spliced in place, matching how a normally observed block
		// is queued (spec.md: "appended, not spliced").
		d.queue.Pop()
		for n := latest + 1; n < head.Number; n++ {
			d.recorder(n)
		}
		d.queue.Push(head)
		return nil
	}

	entry, ok := d.queue.Pop()
	if !ok {
		return nil
	}

	if d.skip(entry) {
		return nil
	}

	future := async.NewFuture[struct{}]()
	d.state.SetCurrentProcess(d.chainID, future)

	d.race(ctx, entry, future)

	_, err := future.Get()
	return err
}

// skip implements processListenerBlockSafely: blocks below the configured
// floor or already-processed are silently dropped — catchup replay is a
// different code path.
func (d *Dispatcher) skip(entry *QueueEntry) bool {
	if entry.Number < d.state.StartBlock(d.chainID) {
		return true
	}
	if ref, ok := d.state.LatestBlock(d.chainID); ok && entry.Number <= ref.Number {
		return true
	}
	return false
}

// race runs the timeout arm and the processing arm concurrently for the
// whole lifetime of entry, including the handler call itself (spec §4.5 /
// P3: a handler that overruns the timeout must restack, not run to
// completion unsupervised). Exactly one of the two arms decides the
// block's fate; result resolves once that decision (success, restack, or
// fatal error) is made.
func (d *Dispatcher) race(ctx context.Context, entry *QueueEntry, result *async.Future[struct{}]) {
	timeoutCtx, cancel := context.WithTimeout(ctx, d.timeout)

	go func() {
		defer cancel()

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				result.Resolve(struct{}{})
				return
			}
			// Timeout arm won before staging even finished: release
			// whatever parts exist and restack.
			if parts, _, ok := entry.Parts.TryGet(); ok && parts != nil {
				parts.Cancelled.Store(true)
				parts.Release()
			}
			timeoutTotal.Inc()
			d.logger.Warn("queue: block timed out, restacking",
				zap.Uint64("number", entry.Number))
			d.restack(entry)
			result.Resolve(struct{}{})

		case <-entry.Parts.Done():
			parts, err := entry.Parts.Get()
			if err != nil || parts == nil {
				d.logger.Warn("queue: staged parts unavailable, restacking",
					zap.Uint64("number", entry.Number), zap.Error(err))
				d.restack(entry)
				result.Resolve(struct{}{})
				return
			}
			if parts.Cancelled.Load() {
				d.restack(entry)
				result.Resolve(struct{}{})
				return
			}

			d.runHandler(ctx, timeoutCtx, entry, parts, result)
		}
	}()
}

// runHandler races the sync-op handlers against timeoutCtx, which keeps
// ticking from when AttemptNextBlock started, not from when staging
// finished. engine.SyncOp.Handler takes no context of its own, so a
// handler already in flight when the deadline fires keeps running on its
// own goroutine. Once the timeout arm has restacked the block, that
// goroutine's result goes to a buffered channel nobody reads, so it is
// discarded; parts.Cancelled is set but the handler does not see it.
func (d *Dispatcher) runHandler(ctx, timeoutCtx context.Context, entry *QueueEntry, parts *staging.AsyncBlockParts, result *async.Future[struct{}]) {
	done := make(chan error, 1)
	go func() {
		done <- d.process(ctx, entry, parts)
	}()

	select {
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			result.Resolve(struct{}{})
			return
		}
		parts.Cancelled.Store(true)
		timeoutTotal.Inc()
		d.logger.Warn("queue: handler timed out, restacking",
			zap.Uint64("number", entry.Number))
		d.restack(entry)
		result.Resolve(struct{}{})

	case err := <-done:
		if parts.Cancelled.Load() {
			// The timeout arm already restacked while this handler call
			// was still running; its result, whatever it is, is moot.
			return
		}
		if err != nil {
			d.logger.Warn("queue: handler failed, restacking",
				zap.Uint64("number", entry.Number), zap.Error(err))
			d.restack(entry)
			result.Resolve(struct{}{})
			return
		}
		d.state.AdvanceLatest(d.chainID, entry.Number)
		if d.cleanup != nil {
			d.cleanup(d.chainID, entry.Number)
		}
		result.Resolve(struct{}{})
	}
}

// restack re-queues entry at the head with a freshly issued staging
// future (I5): the previous one may already be resolved to a released
// AsyncBlockParts, so it is never reused across attempts.
func (d *Dispatcher) restack(entry *QueueEntry) {
	restackTotal.Inc()
	fresh := &QueueEntry{
		ChainID:       entry.ChainID,
		Number:        entry.Number,
		Parts:         d.restage(entry.ChainID, entry.Number),
		AsyncEntities: entry.AsyncEntities,
	}
	d.queue.Restack(fresh)
}

// process invokes every registered sync op for this chain against the
// staged block parts and the pre-warmed migration entities.
func (d *Dispatcher) process(ctx context.Context, entry *QueueEntry, parts *staging.AsyncBlockParts) error {
	blockHash := ""
	txHashes := make([]string, 0)
	if parts.Block != nil {
		blockHash = parts.Block.Hash().Hex()
		for _, tx := range parts.Block.Transactions() {
			txHashes = append(txHashes, tx.Hash().Hex())
		}
	}

	receipts := make(map[string]any, len(parts.Receipts))
	for hash, r := range parts.Receipts {
		receipts[hash.Hex()] = r
	}

	blockCtx := engine.BlockContext{
		ChainID:   d.chainID,
		Number:    entry.Number,
		BlockHash: blockHash,
		TxHashes:  txHashes,
		Receipts:  receipts,
		Entities:  d.resolveEntities(entry),
	}

	for _, op := range d.state.Syncs {
		if op.ChainID != d.chainID {
			continue
		}
		if err := op.Handler(blockCtx); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntities awaits every pre-warmed migration future attached to
// entry, in entity-name then position order, so handlers see plain
// already-materialised document slices rather than futures. A future that
// rejects is logged and contributes an empty slice rather than failing the
// whole block — a stale migration snapshot is recoverable, a lost block is
// not.
func (d *Dispatcher) resolveEntities(entry *QueueEntry) map[string][]storage.Doc {
	if len(entry.AsyncEntities) == 0 {
		return nil
	}

	out := make(map[string][]storage.Doc, len(entry.AsyncEntities))
	for entity, byPosition := range entry.AsyncEntities {
		positions := make([]int, 0, len(byPosition))
		for pos := range byPosition {
			positions = append(positions, pos)
		}
		sort.Ints(positions)

		var docs []storage.Doc
		for _, pos := range positions {
			resolved, err := byPosition[pos].Get()
			if err != nil {
				d.logger.Warn("queue: migration entity pre-warm failed",
					zap.String("entity", entity), zap.Error(err))
				continue
			}
			docs = append(docs, resolved...)
		}
		out[entity] = docs
	}
	return out
}
