// Package engine holds the process-wide coordination state shared by the
// listener, queue, dispatcher and migrations index: per-chain progress,
// the concurrency budget, operating flags, and the per-chain active-process
// handle that lets a clean shutdown wait for in-flight work before
// detaching.
package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/indexer-go/internal/async"
	"github.com/0xmhha/indexer-go/storage"
)

// Flags mirrors spec §6: readOnly/newDb/warmDb/cleanup/silent plus the two
// staging-artefact toggles. StoreFlags projects the subset storage.DocStore
// needs.
type Flags struct {
	ReadOnly          bool
	NewDB             bool
	WarmDB            bool
	Cleanup           bool
	Silent            bool
	CollectBlocks     bool
	CollectTxReceipts bool
}

// StoreFlags projects the flags the document store consults.
func (f Flags) StoreFlags() *storage.Flags {
	return &storage.Flags{ReadOnly: f.ReadOnly, NewDB: f.NewDB, WarmDB: f.WarmDB}
}

// BlockRef is the minimal per-chain progress marker the spec's data model
// calls for ("latestBlocks: map<chainId, {number}>").
type BlockRef struct {
	Number uint64
}

// SyncOp is a registered subscription: which handler runs for a block on a
// given chain. The handler body itself is outside this specification's
// scope; the engine only knows how to invoke it in order and how to react
// to its error.
type SyncOp struct {
	Name    string
	ChainID uint64
	Handler func(ctx BlockContext) error
}

// BlockContext is everything a SyncOp handler needs to process one block:
// the staged parts and the pre-warmed migration entities.
type BlockContext struct {
	ChainID     uint64
	Number      uint64
	BlockHash   string
	TxHashes    []string
	Receipts    map[string]any
	Entities    map[string][]storage.Doc
}

// MetaEntity is the per-chain cursor record persisted into the __meta__
// collection. Locked guards against two ingestors running against the same
// chain concurrently (spec §5's persistent mutex).
type MetaEntity struct {
	ChainID   uint64 `json:"chain_id"`
	Locked    bool   `json:"locked"`
	UpdatedAt int64  `json:"updated_at"`
}

func metaKey(chainID uint64) string {
	return fmt.Sprintf("%s.chain-%d-lock", storage.ReservedMetaCollection, chainID)
}

// State is the single coordination point described in spec §4.7. The
// per-chain fields it owns outright (latestBlocks, currentProcess,
// latestEntity) are mutated only by that chain's dispatcher goroutine; the
// per-chain BlockQueue that feeds it is safe for concurrent producers by
// construction (queue.BlockQueue), not by anything here.
type State struct {
	mu sync.RWMutex

	latestBlocks   map[uint64]BlockRef
	startBlocks    map[uint64]uint64
	latestEntity   map[uint64]*MetaEntity
	listening      map[uint64]bool
	inSync         map[uint64]bool
	currentProcess map[uint64]*async.Future[struct{}]

	Syncs       []SyncOp
	Concurrency int
	Flags       Flags
	DB          storage.Store
	Logger      *zap.Logger
}

// New builds an engine State. startBlocks seeds the per-chain floor below
// which the listener's skip guard discards blocks (catch-up replay is a
// different code path, outside this spec).
func New(db storage.Store, startBlocks map[uint64]uint64, concurrency int, flags Flags, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	if startBlocks == nil {
		startBlocks = map[uint64]uint64{}
	}
	latest := make(map[uint64]BlockRef, len(startBlocks))
	for chainID, start := range startBlocks {
		if start > 0 {
			latest[chainID] = BlockRef{Number: start - 1}
		}
	}
	return &State{
		latestBlocks:   latest,
		startBlocks:    startBlocks,
		latestEntity:   make(map[uint64]*MetaEntity),
		listening:      make(map[uint64]bool),
		inSync:         make(map[uint64]bool),
		currentProcess: make(map[uint64]*async.Future[struct{}]),
		Concurrency:    concurrency,
		Flags:          flags,
		DB:             db,
		Logger:         logger,
	}
}

func (s *State) Listening(chainID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening[chainID]
}

func (s *State) SetListening(chainID uint64, v bool) {
	s.mu.Lock()
	s.listening[chainID] = v
	s.mu.Unlock()
}

func (s *State) InSync(chainID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inSync[chainID]
}

func (s *State) SetInSync(chainID uint64, v bool) {
	s.mu.Lock()
	s.inSync[chainID] = v
	s.mu.Unlock()
}

// SetCurrentProcess records the in-flight future for chainID's dispatcher so
// Detach can await it before unsubscribing.
func (s *State) SetCurrentProcess(chainID uint64, f *async.Future[struct{}]) {
	s.mu.Lock()
	s.currentProcess[chainID] = f
	s.mu.Unlock()
}

func (s *State) CurrentProcess(chainID uint64) *async.Future[struct{}] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentProcess[chainID]
}

// LatestBlock returns the last block successfully processed for chainID.
func (s *State) LatestBlock(chainID uint64) (BlockRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.latestBlocks[chainID]
	return ref, ok
}

// AdvanceLatest records that number was the last successfully processed
// block for chainID. Called only by that chain's dispatcher (single
// writer, I1).
func (s *State) AdvanceLatest(chainID, number uint64) {
	s.mu.Lock()
	s.latestBlocks[chainID] = BlockRef{Number: number}
	s.mu.Unlock()
}

// StartBlock returns the configured floor for chainID, or 0 if unset.
func (s *State) StartBlock(chainID uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startBlocks[chainID]
}

// Acquire takes the persistent per-chain lock stored in __meta__, refusing
// to start a second ingestor against the same chain concurrently.
func (s *State) Acquire(chainID uint64) error {
	key := metaKey(chainID)
	if existing, err := s.DB.Get(key); err == nil {
		if doc, ok := existing.(storage.Doc); ok {
			if locked, _ := doc["locked"].(bool); locked {
				return fmt.Errorf("engine: chain %d is already locked by another ingestor", chainID)
			}
		}
	}

	entity := &MetaEntity{ChainID: chainID, Locked: true, UpdatedAt: time.Now().Unix()}
	s.mu.Lock()
	s.latestEntity[chainID] = entity
	s.mu.Unlock()

	return s.DB.Put(key, storage.Doc{
		"id":     fmt.Sprintf("chain-%d-lock", chainID),
		"locked": true,
	})
}

// Release drops the persistent lock for chainID with a final save, per the
// detach sequence in spec §5 / §8 scenario 6.
func (s *State) Release(chainID uint64) error {
	s.mu.Lock()
	entity := s.latestEntity[chainID]
	if entity == nil {
		entity = &MetaEntity{ChainID: chainID}
		s.latestEntity[chainID] = entity
	}
	entity.Locked = false
	entity.UpdatedAt = time.Now().Unix()
	s.mu.Unlock()

	return s.DB.Put(metaKey(chainID), storage.Doc{
		"id":     fmt.Sprintf("chain-%d-lock", chainID),
		"locked": false,
	})
}

// Detach awaits the current in-flight block for chainID (if any) before
// releasing the chain lock, guaranteeing no block is processed twice and
// none is lost mid-flight.
func (s *State) Detach(chainID uint64) error {
	s.SetListening(chainID, false)
	if f := s.CurrentProcess(chainID); f != nil {
		_, _ = f.Get()
	}
	return s.Release(chainID)
}

// StatusSnapshot returns a JSON-serialisable view of engine progress for
// the status server; it is the only reader of State outside the
// dispatchers, so it takes its own lock rather than relying on a writer's.
func (s *State) StatusSnapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chains := make(map[string]any, len(s.latestBlocks))
	for chainID, ref := range s.latestBlocks {
		chains[fmt.Sprint(chainID)] = map[string]any{
			"latest_block": ref.Number,
			"listening":    s.listening[chainID],
			"in_sync":      s.inSync[chainID],
		}
	}
	return map[string]any{
		"chains":      chains,
		"concurrency": s.Concurrency,
		"flags":       s.Flags,
	}
}
