package storage

import "fmt"

// Batch groups ops by collection and commits each collection's ops as one
// unordered bulk write (spec §4.1 batch). The hot cache is updated
// synchronously while the per-collection batches are assembled, so later
// ops in the same call already see earlier puts/dels (I3). Collections
// commit independently: a failure in one collection's batch does not roll
// back another's, matching the "no transactional guarantee across
// collections" contract.
func (s *DocStore) Batch(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	byRef := make(map[string][]Op)
	order := make([]string, 0)
	for _, op := range ops {
		ref, id, hasID := splitKey(op.Key)
		if ref == "" || !hasID {
			return fmt.Errorf("docstore: batch op %q: %w", op.Key, ErrInvalidKey)
		}
		op.Key = ref + "." + id
		if _, ok := byRef[ref]; !ok {
			order = append(order, ref)
		}
		byRef[ref] = append(byRef[ref], op)
	}

	var firstErr error
	for _, ref := range order {
		if err := s.commitCollectionBatch(ref, byRef[ref]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *DocStore) commitCollectionBatch(ref string, ops []Op) error {
	var backendBatch BackendBatch
	if !s.flags.ReadOnly {
		backendBatch = s.backend.NewBatch()
		defer backendBatch.Close()
	}

	for _, op := range ops {
		_, id, _ := splitKey(op.Key)

		switch op.Type {
		case OpPut:
			doc := cloneDoc(op.Value)
			doc["id"] = id
			delete(doc, FieldInternalID)
			s.cachePut(ref, id, doc)
			if backendBatch != nil {
				if err := s.writeDoc(ref, id, doc, backendBatch); err != nil {
					return fmt.Errorf("docstore: batch put %s.%s: %w", ref, id, err)
				}
			}
		case OpDel:
			s.cacheDel(ref, id)
			if backendBatch != nil {
				if err := s.deleteNewestInBatch(ref, id, backendBatch); err != nil {
					return fmt.Errorf("docstore: batch del %s.%s: %w", ref, id, err)
				}
			}
		}
	}

	if backendBatch == nil {
		return nil
	}
	if err := backendBatch.Commit(); err != nil {
		return fmt.Errorf("docstore: commit batch for %s: %w", ref, err)
	}
	return nil
}

func (s *DocStore) deleteNewestInBatch(ref, id string, batch BackendBatch) error {
	mode := s.modes.modeOf(ref)
	if mode == Mutable || ref == ReservedMetaCollection {
		return batch.Delete(mutableKey(ref, id))
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
	return batch.Delete(versionKey(ref, id, ts, num, chain))
}

// Update is a convenience wrapper: every entry in kv becomes an OpPut in a
// single Batch call.
func (s *DocStore) Update(kv map[string]Doc) error {
	ops := make([]Op, 0, len(kv))
	for key, value := range kv {
		ops = append(ops, Op{Type: OpPut, Key: key, Value: value})
	}
	return s.Batch(ops)
}
