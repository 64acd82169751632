// Package queue implements the per-chain FIFO that feeds the dispatcher
// and the dispatcher loop itself: gap-fill, timeout-race, and
// restack-on-failure around each queued block (spec §4.5).
package queue

import (
	"container/list"
	"sync"

	"github.com/0xmhha/indexer-go/internal/async"
	"github.com/0xmhha/indexer-go/staging"
	"github.com/0xmhha/indexer-go/storage"
)

// QueueEntry is one queued block: its chain/number, a deferred reader for
// its staged block+receipts, and any migration entity snapshots already
// in flight for that block.
type QueueEntry struct {
	ChainID       uint64
	Number        uint64
	Parts         *async.Future[*staging.AsyncBlockParts]
	AsyncEntities map[string]map[int]*async.Future[[]storage.Doc]
}

// BlockQueue is a mutex-guarded FIFO with restack (push-to-front) support,
// generalizing the teacher's events/bus.go channel/mutex composition for a
// single-consumer-multi-producer queue into a restackable deque.
type BlockQueue struct {
	mu      sync.Mutex
	entries *list.List
}

// NewBlockQueue builds an empty queue for one chain.
func NewBlockQueue() *BlockQueue {
	return &BlockQueue{entries: list.New()}
}

// Push appends entry at the tail — the normal enqueue path used by the
// listener and by dispatcher gap-fill.
func (q *BlockQueue) Push(entry *QueueEntry) {
	q.mu.Lock()
	q.entries.PushBack(entry)
	q.mu.Unlock()
}

// Restack re-inserts entry at the head, so it is retried before any
// successor (I5).
func (q *BlockQueue) Restack(entry *QueueEntry) {
	q.mu.Lock()
	q.entries.PushFront(entry)
	q.mu.Unlock()
}

// Peek returns the head entry without removing it.
func (q *BlockQueue) Peek() (*QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.entries.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*QueueEntry), true
}

// Pop removes and returns the head entry.
func (q *BlockQueue) Pop() (*QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.entries.Front()
	if front == nil {
		return nil, false
	}
	q.entries.Remove(front)
	return front.Value.(*QueueEntry), true
}

// Len reports the number of queued entries.
func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}
