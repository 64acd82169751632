package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var _ Store = (*DocStore)(nil)

// materialisedViewPageSize is the row interval at which materialisedView
// logs a debug progress line while folding an immutable collection's
// versions down to their latest-per-id view (spec step 4.1/3). It does not
// limit memory: the fold holds one document per id.
const materialisedViewPageSize = 5000

// Flags are the subset of engine-wide flags the store adapter consults on
// every read/write. The engine owns the full flag set (engine.Flags); this
// is the projection DocStore needs, kept here so storage has no dependency
// on the engine package.
type Flags struct {
	// ReadOnly suppresses durable writes; the hot cache still updates.
	ReadOnly bool
	// NewDB skips all reads that would otherwise fall through to disk.
	NewDB bool
	// WarmDB serves keyed ("<ref>.<id>") non-__meta__ reads from the hot
	// cache only; bare-ref collection scans still read the backend.
	WarmDB bool
}

// CollectionModes maps a collection name to its mutability. Unknown
// collections default to Mutable; __meta__ is always Mutable regardless of
// what a caller registers for it.
type CollectionModes map[string]CollectionMode

func (m CollectionModes) modeOf(ref string) CollectionMode {
	if ref == ReservedMetaCollection {
		return Mutable
	}
	if mode, ok := m[ref]; ok {
		return mode
	}
	return Mutable
}

// DocStore is the generic document store described in spec §4.1: mutable
// (upsert-by-id) and immutable (append-versioned, latest-wins) collections
// atop a Backend, fronted by an in-memory hot cache.
//
// Keys on the wire separate collection and id with a NUL byte so a bare-ref
// prefix scan can never accidentally match a longer ref name; immutable
// version keys add a binary big-endian suffix.
type DocStore struct {
	backend Backend
	modes   CollectionModes
	flags   *Flags
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]map[string]Doc // collection -> id -> doc
}

// NewDocStore builds a DocStore over backend. flags is held by reference so
// the engine can flip ReadOnly/WarmDB/NewDB at runtime (e.g. after initial
// catch-up) without reconstructing the store.
func NewDocStore(backend Backend, modes CollectionModes, flags *Flags, logger *zap.Logger) *DocStore {
	if flags == nil {
		flags = &Flags{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if modes == nil {
		modes = CollectionModes{}
	}
	return &DocStore{
		backend: backend,
		modes:   modes,
		flags:   flags,
		logger:  logger,
		cache:   make(map[string]map[string]Doc),
	}
}

// Close releases the backend.
func (s *DocStore) Close() error {
	return s.backend.Close()
}

// splitKey parses "<ref>.<id>" or a bare "<ref>". The id may itself contain
// dots; only the first dot separates ref from id, matching the teacher's
// convention of dotted scoping (client.Config, rpc addressing) elsewhere in
// this repo.
func splitKey(key string) (ref, id string, hasID bool) {
	idx := strings.IndexByte(key, '.')
	if idx < 0 {
		return key, "", false
	}
	return key[:idx], key[idx+1:], true
}

func cacheGet(cache map[string]map[string]Doc, mu *sync.RWMutex, ref, id string) (Doc, bool) {
	mu.RLock()
	defer mu.RUnlock()
	coll, ok := cache[ref]
	if !ok {
		return nil, false
	}
	doc, ok := coll[id]
	return doc, ok
}

func (s *DocStore) cachePut(ref, id string, doc Doc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.cache[ref]
	if !ok {
		coll = make(map[string]Doc)
		s.cache[ref] = coll
	}
	coll[id] = doc
}

func (s *DocStore) cacheDel(ref, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.cache[ref]; ok {
		delete(coll, id)
	}
}

func (s *DocStore) cacheCollection(ref string) (map[string]Doc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.cache[ref]
	if !ok {
		return nil, false
	}
	out := make(map[string]Doc, len(coll))
	for k, v := range coll {
		out[k] = v
	}
	return out, true
}

// Get implements the six-step resolution order of spec §4.1.
func (s *DocStore) Get(key string) (any, error) {
	ref, id, hasID := splitKey(key)
	if ref == "" {
		return nil, ErrInvalidKey
	}

	if hasID {
		if doc, ok := cacheGet(s.cache, &s.mu, ref, id); ok {
			return doc, nil
		}

		readThrough := ref == ReservedMetaCollection || (!s.flags.NewDB && !s.flags.WarmDB)
		if !readThrough {
			return nil, ErrNotFound
		}

		doc, err := s.readNewest(ref, id)
		if err != nil {
			return nil, err
		}
		s.cachePut(ref, id, doc)
		return doc, nil
	}

	// Bare-ref collection scan.
	if s.modes.modeOf(ref) == Immutable && ref != ReservedMetaCollection {
		if !s.flags.NewDB {
			view, err := s.materialisedView(ref)
			if err == nil {
				return view, nil
			}
			if err != ErrNotFound {
				return nil, err
			}
		}
	} else if !s.flags.NewDB {
		docs, err := s.scanMutableCollection(ref)
		if err == nil {
			return docs, nil
		}
		if err != ErrNotFound {
			return nil, err
		}
	}

	if coll, ok := s.cacheCollection(ref); ok {
		docs := make([]Doc, 0, len(coll))
		for _, d := range coll {
			docs = append(docs, d)
		}
		return docs, nil
	}

	return nil, ErrNotFound
}

// readNewest returns the highest _block_ts document for (ref, id). Mutable
// collections (and __meta__) have exactly one persisted document per id, so
// it is a direct point lookup; immutable collections scan the versioned key
// range and keep the highest _block_ts seen.
func (s *DocStore) readNewest(ref, id string) (Doc, error) {
	if s.modes.modeOf(ref) == Mutable || ref == ReservedMetaCollection {
		raw, err := s.backend.Get(mutableKey(ref, id))
		if err != nil {
			if err == ErrNotFound {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("docstore: read %s.%s: %w", ref, id, err)
		}
		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode %s.%s: %w", ref, id, err)
		}
		return doc, nil
	}

	lower, upper := idVersionBounds(ref, id)
	iter := s.backend.NewIterator(lower, upper)
	defer iter.Close()

	var newest Doc
	var newestTS int64
	found := false
	for iter.Valid() {
		var doc Doc
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode %s.%s: %w", ref, id, err)
		}
		ts := blockTSOf(doc)
		if !found || ts > newestTS {
			newest, newestTS, found = doc, ts, true
		}
		iter.Next()
	}
	if !found {
		return nil, ErrNotFound
	}
	return newest, nil
}

// materialisedView computes the group-by-id-take-latest aggregate for an
// immutable collection by streaming every version row through one ascending
// iterator and keeping the highest-_block_ts document per id (spec §4.1
// step 3, Design Note 9's sort+fold fallback for stores without native
// aggregation).
func (s *DocStore) materialisedView(ref string) ([]Doc, error) {
	lower, upper := collectionBounds(ref)
	iter := s.backend.NewIterator(lower, upper)
	defer iter.Close()

	latest := make(map[string]Doc)
	page := 0
	for iter.Valid() {
		var doc Doc
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			iter.Close()
			return nil, fmt.Errorf("docstore: decode %s: %w", ref, err)
		}
		id, _ := doc["id"].(string)
		if id != "" {
			if existing, ok := latest[id]; !ok || blockTSOf(doc) > blockTSOf(existing) {
				latest[id] = doc
			}
		}
		iter.Next()
		page++
		if page%materialisedViewPageSize == 0 {
			s.logger.Debug("docstore: materialised view paging",
				zap.String("collection", ref), zap.Int("rows_scanned", page))
		}
	}
	if len(latest) == 0 {
		return nil, ErrNotFound
	}

	out := make([]Doc, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
	})
	return out, nil
}

// scanMutableCollection returns every document in a mutable collection.
func (s *DocStore) scanMutableCollection(ref string) ([]Doc, error) {
	lower, upper := collectionBounds(ref)
	iter := s.backend.NewIterator(lower, upper)
	defer iter.Close()

	var out []Doc
	for iter.Valid() {
		var doc Doc
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, fmt.Errorf("docstore: decode %s: %w", ref, err)
		}
		out = append(out, doc)
		iter.Next()
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Put implements spec §4.1 put: unconditional cache update, conditional
// durable write keyed by collection mode.
func (s *DocStore) Put(key string, value Doc) error {
	ref, id, hasID := splitKey(key)
	if ref == "" {
		return ErrInvalidKey
	}
	if !hasID {
		if v, ok := value["id"].(string); ok {
			id = v
		}
	}
	if id == "" {
		return fmt.Errorf("docstore: put %q: missing id", key)
	}

	doc := cloneDoc(value)
	doc["id"] = id
	delete(doc, FieldInternalID)

	s.cachePut(ref, id, doc)

	if s.flags.ReadOnly {
		return nil
	}
	return s.writeDoc(ref, id, doc, nil)
}

// writeDoc persists one document, returning the batch it was written
// through if batch is non-nil (used by Batch to share a BackendBatch across
// many ops in the same collection).
func (s *DocStore) writeDoc(ref, id string, doc Doc, batch BackendBatch) error {
	mode := s.modes.modeOf(ref)

	if mode == Mutable || ref == ReservedMetaCollection {
		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("docstore: encode %s.%s: %w", ref, id, err)
		}
		key := mutableKey(ref, id)
		if batch != nil {
			return batch.Set(key, encoded)
		}
		return s.backend.Set(key, encoded)
	}

	// Immutable: copy _block_* onto the document, then insert (or replace an
	// exact-version match) rather than touching earlier versions.
	ts := blockTSOf(doc)
	num, _ := toUint64(doc[FieldBlockNum])
	chain, _ := toUint64(doc[FieldChainID])
	doc[FieldBlockTS] = ts
	doc[FieldBlockNum] = num
	doc[FieldChainID] = chain

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("docstore: encode %s.%s: %w", ref, id, err)
	}
	key := versionKey(ref, id, ts, num, chain)
	if batch != nil {
		return batch.Set(key, encoded)
	}
	return s.backend.Set(key, encoded)
}

// Del implements spec §4.1 del: drop the hot-cache entry, and unless
// read-only, delete the newest persisted version by its explicit key
// (resolving the Design Note 9 open question in favor of await-then-delete
// rather than a racy filter-based delete).
func (s *DocStore) Del(key string) error {
	ref, id, hasID := splitKey(key)
	if ref == "" || !hasID {
		return ErrInvalidKey
	}
	s.cacheDel(ref, id)

	if s.flags.ReadOnly {
		return nil
	}

	mode := s.modes.modeOf(ref)
	if mode == Mutable || ref == ReservedMetaCollection {
		if err := s.backend.Delete(mutableKey(ref, id)); err != nil {
			return fmt.Errorf("docstore: delete %s.%s: %w", ref, id, err)
		}
		return nil
	}

	doc, err := s.readNewest(ref, id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	ts := blockTSOf(doc)
	num, _ := toUint64(doc[FieldBlockNum])
	chain, _ := toUint64(doc[FieldChainID])
	if err := s.backend.Delete(versionKey(ref, id, ts, num, chain)); err != nil {
		return fmt.Errorf("docstore: delete %s.%s: %w", ref, id, err)
	}
	return nil
}

func cloneDoc(in Doc) Doc {
	out := make(Doc, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func blockTSOf(doc Doc) int64 {
	v, _ := toInt64(doc[FieldBlockTS])
	return v
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

// Key layout. Collection and id are separated by a NUL byte so that a
// prefix scan for "<ref>\x00" cannot spuriously match a different
// collection whose name happens to share a string prefix.
func mutableKey(ref, id string) []byte {
	return []byte(ref + "\x00" + id)
}

func collectionBounds(ref string) (lower, upper []byte) {
	lower = []byte(ref + "\x00")
	upper = []byte(ref + "\x01")
	return
}

func idVersionBounds(ref, id string) (lower, upper []byte) {
	lower = []byte(ref + "\x00" + id + "\x00")
	upper = []byte(ref + "\x00" + id + "\x01")
	return
}

func versionKey(ref, id string, ts int64, num, chain uint64) []byte {
	buf := make([]byte, 0, len(ref)+len(id)+26)
	buf = append(buf, ref...)
	buf = append(buf, 0)
	buf = append(buf, id...)
	buf = append(buf, 0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts))
	buf = append(buf, tsb[:]...)
	var numb [8]byte
	binary.BigEndian.PutUint64(numb[:], num)
	buf = append(buf, numb[:]...)
	var chb [8]byte
	binary.BigEndian.PutUint64(chb[:], chain)
	buf = append(buf, chb[:]...)
	return buf
}
