// Package migrations maps (chainId, blockNumber) pairs to scheduled
// one-shot transformations and pre-warms their input entity sets
// alongside block fetch, so a handler never blocks on a store read that
// could have started earlier (spec §4.6).
package migrations

import (
	"fmt"

	"github.com/0xmhha/indexer-go/internal/async"
	"github.com/0xmhha/indexer-go/storage"
)

// Migration is a scheduled transformation attached to a specific block on a
// specific chain. Entity names the store ref its snapshot is pre-loaded
// from.
type Migration struct {
	ChainID     uint64
	BlockNumber uint64
	Entity      string
}

// Index is the flattened "<chainId>-<blockNumber>" -> []Migration map built
// once at startup.
type Index struct {
	byBlock map[string][]Migration
}

func blockKey(chainID, number uint64) string {
	return fmt.Sprintf("%d-%d", chainID, number)
}

// Build flattens a migration list into the lookup index.
func Build(all []Migration) *Index {
	idx := &Index{byBlock: make(map[string][]Migration, len(all))}
	for _, m := range all {
		key := blockKey(m.ChainID, m.BlockNumber)
		idx.byBlock[key] = append(idx.byBlock[key], m)
	}
	return idx
}

// At returns the migrations scheduled at (chainID, number), if any.
func (idx *Index) At(chainID, number uint64) []Migration {
	return idx.byBlock[blockKey(chainID, number)]
}

// PreWarm kicks off a store.Get for every migration scheduled at
// (chainID, number) and attaches the unresolved future to dest, keyed by
// entity name then migration position — matching the queue entry's
// asyncEntities shape (spec §3).
func (idx *Index) PreWarm(store storage.Store, chainID, number uint64, dest map[string]map[int]*async.Future[[]storage.Doc]) {
	migs := idx.At(chainID, number)
	for i, m := range migs {
		future := async.NewFuture[[]storage.Doc]()
		if dest[m.Entity] == nil {
			dest[m.Entity] = make(map[int]*async.Future[[]storage.Doc])
		}
		dest[m.Entity][i] = future

		go func(entity string, f *async.Future[[]storage.Doc]) {
			result, err := store.Get(entity)
			if err != nil {
				if err == storage.ErrNotFound {
					f.Resolve(nil)
					return
				}
				f.Reject(err)
				return
			}
			switch v := result.(type) {
			case []storage.Doc:
				f.Resolve(v)
			case storage.Doc:
				f.Resolve([]storage.Doc{v})
			default:
				f.Resolve(nil)
			}
		}(m.Entity, future)
	}
}
