package storage

import "errors"

// Common errors returned by the document store.
var (
	// ErrNotFound is returned when a key or collection has no matching document.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidKey is returned when a key is not of the form "<ref>" or "<ref>.<id>".
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrReadOnly names the read-only condition. DocStore does not return
	// it: under Flags.ReadOnly, put/del/batch update the hot cache, skip the
	// durable write and return nil.
	ErrReadOnly = errors.New("storage: read-only")

	// ErrClosed names the closed-store condition. DocStore does not return
	// it; calls after Close surface whatever the backend reports.
	ErrClosed = errors.New("storage: closed")
)

// ReservedMetaCollection is the distinguished collection holding engine
// cursor state. It is always mutable and always read through, even under
// warmDb.
const ReservedMetaCollection = "__meta__"

// Reserved document field names. FieldInternalID is stripped from values on
// write; the other three participate in the immutable-collection identity
// and are read from the caller's value (a missing one is stored as 0).
const (
	FieldInternalID = "_id"
	FieldBlockTS    = "_block_ts"
	FieldBlockNum   = "_block_num"
	FieldChainID    = "_chain_id"
)

// CollectionMode selects upsert-by-id semantics (Mutable) or
// append-versioned latest-wins semantics (Immutable) for a collection.
type CollectionMode int

const (
	Mutable CollectionMode = iota
	Immutable
)

// Doc is a JSON-document-shaped store value. The store sets id from the
// key and strips _id; callers supply _block_ts, _block_num and _chain_id.
type Doc map[string]any

// OpType distinguishes the two operations a Batch (or single call) can carry.
type OpType int

const (
	OpPut OpType = iota
	OpDel
)

// Op is one operation inside a Batch call. Key is "<ref>.<id>"; Value is
// only meaningful for OpPut.
type Op struct {
	Type  OpType
	Key   string
	Value Doc
}

// Store is the four-method contract (plus Update) the ingestion core talks
// to. The canonical implementation is DocStore (docstore.go), backed by a
// Backend (backend.go) such as PebbleBackend.
type Store interface {
	// Get resolves a key of the form "<ref>.<id>" to a single document, or a
	// bare "<ref>" to a collection scan (materialised view for immutable
	// collections, full collection for mutable ones). Returns ErrNotFound
	// when nothing matches.
	Get(key string) (any, error)

	// Put writes a document, upserting under mutable semantics or inserting
	// a new version under immutable semantics. Always updates the hot
	// cache; skips the durable write when the store is read-only.
	Put(key string, value Doc) error

	// Del removes the hot-cache entry and, unless read-only, deletes the
	// newest persisted version for that id. It never deletes history
	// wholesale.
	Del(key string) error

	// Batch applies a mixed slice of puts/dels, grouped by collection and
	// committed per-collection with no cross-collection transaction.
	Batch(ops []Op) error

	// Update is a convenience wrapper over Batch that puts every entry in kv.
	Update(kv map[string]Doc) error

	// Close releases the underlying backend.
	Close() error
}
